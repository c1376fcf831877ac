package hosting

import (
	"regexp"
	"strings"
)

var githubHostPattern = regexp.MustCompile(`github(\.[a-z0-9-]+)*\.[a-z]+[:/]`)

// DetectProvider determines the hosting provider from a git remote URL.
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))
	if githubHostPattern.MatchString(url) {
		return ProviderGitHub
	}
	return ProviderUnknown
}

// ParseOwnerRepo extracts owner and repo from a git remote URL.
//
// Handles:
//   - git@github.com:owner/repo.git
//   - ssh://git@github.com:22/owner/repo.git
//   - https://github.com/owner/repo.git
//   - github.com/org/sub/repo (takes the last two segments)
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, ".git")

	for _, p := range []*regexp.Regexp{
		regexp.MustCompile(`^git@[^:]+:(.+)$`),
		regexp.MustCompile(`^ssh://[^/]+/(.+)$`),
		regexp.MustCompile(`^https?://[^/]+/(.+)$`),
		regexp.MustCompile(`^[^/]+\.[^/]+/(.+)$`),
	} {
		if m := p.FindStringSubmatch(raw); len(m) == 2 {
			return lastTwoSegments(m[1])
		}
	}
	return "", ""
}

func lastTwoSegments(path string) (owner, repo string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 {
		return "", ""
	}
	return segments[len(segments)-2], segments[len(segments)-1]
}
