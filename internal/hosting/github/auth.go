package github

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// resolveToken finds the GitHub API token: GITHUB_TOKEN, then GH_TOKEN, then
// the gh CLI's stored credential.
func resolveToken() (string, error) {
	for _, envVar := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
		if token := os.Getenv(envVar); token != "" {
			return token, nil
		}
	}

	out, err := exec.Command("gh", "auth", "token").Output()
	if err == nil {
		if token := strings.TrimSpace(string(out)); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("no GitHub token: set GITHUB_TOKEN or run 'gh auth login'")
}
