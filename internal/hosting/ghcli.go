package hosting

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// GHClient shells out to the gh CLI. It is the fallback path when no API
// token is available: gh carries its own stored credential.
type GHClient struct {
	repoPath string
	timeout  time.Duration
}

// NewGHClient creates a gh helper rooted at repoPath.
func NewGHClient(repoPath string) *GHClient {
	return &GHClient{repoPath: repoPath, timeout: 60 * time.Second}
}

// Available reports whether gh is installed and authenticated.
func (c *GHClient) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "auth", "status")
	return err == nil
}

// run executes gh with the client timeout and returns stdout.
func (c *GHClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreatePR creates a pull request via gh and returns its number and URL.
func (c *GHClient) CreatePR(ctx context.Context, opts PRCreateOptions) (int, string, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
		"--base", opts.Base,
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}

	url, err := c.run(ctx, args...)
	if err != nil {
		return 0, "", err
	}
	// gh prints the PR URL; the number is the last path segment.
	number := 0
	if idx := strings.LastIndex(url, "/"); idx != -1 {
		number, _ = strconv.Atoi(url[idx+1:])
	}
	return number, url, nil
}

// ViewPR fetches a PR for a branch via gh, or nil when none exists.
func (c *GHClient) ViewPR(ctx context.Context, branch string) (*PR, error) {
	out, err := c.run(ctx, "pr", "view", branch,
		"--json", "number,title,body,state,isDraft,headRefName,headRefOid,baseRefName,author,url,createdAt,updatedAt")
	if err != nil {
		if strings.Contains(err.Error(), "no pull requests found") {
			return nil, nil
		}
		return nil, err
	}
	return parsePRJSON(out), nil
}

// ChecksPassing reports whether all required checks on a PR pass.
func (c *GHClient) ChecksPassing(ctx context.Context, number int) (bool, error) {
	out, err := c.run(ctx, "pr", "checks", strconv.Itoa(number), "--json", "name,state")
	if err != nil {
		return false, err
	}
	passing := true
	gjson.Parse(out).ForEach(func(_, check gjson.Result) bool {
		switch check.Get("state").String() {
		case "SUCCESS", "NEUTRAL", "SKIPPED":
		default:
			passing = false
			return false
		}
		return true
	})
	return passing, nil
}

// parsePRJSON maps gh's pr view JSON onto a PR.
func parsePRJSON(raw string) *PR {
	j := gjson.Parse(raw)
	pr := &PR{
		Number:     int(j.Get("number").Int()),
		Title:      j.Get("title").String(),
		Body:       j.Get("body").String(),
		State:      strings.ToLower(j.Get("state").String()),
		Draft:      j.Get("isDraft").Bool(),
		HeadBranch: j.Get("headRefName").String(),
		HeadSHA:    j.Get("headRefOid").String(),
		BaseBranch: j.Get("baseRefName").String(),
		Author:     User{Login: j.Get("author.login").String()},
		HTMLURL:    j.Get("url").String(),
	}
	if pr.State == "merged" {
		pr.State = "closed"
		pr.Merged = true
	}
	if t, err := time.Parse(time.RFC3339, j.Get("createdAt").String()); err == nil {
		pr.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, j.Get("updatedAt").String()); err == nil {
		pr.UpdatedAt = t
	}
	return pr
}
