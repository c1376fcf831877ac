// Package github implements hosting.Provider with the go-github client.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/autoclaude/autoclaude/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

// Provider talks to one GitHub repository.
type Provider struct {
	client *gogithub.Client
	owner  string
	repo   string

	mu       sync.Mutex // guards authUser
	authUser *hosting.User
}

// New creates a provider for the repository at workDir, resolving owner/repo
// from the origin remote and the token from the environment.
func New(workDir string) (*Provider, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = workDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("get remote URL: %w", err)
	}
	remoteURL := strings.TrimSpace(string(output))
	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	httpClient := &http.Client{
		Transport: &tokenTransport{token: token},
		Timeout:   30 * time.Second,
	}
	return &Provider{
		client: gogithub.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
	}, nil
}

// NewForRepo creates a provider for an explicit owner/repo pair with a
// pre-built client (tests).
func NewForRepo(client *gogithub.Client, owner, repo string) *Provider {
	return &Provider{client: client, owner: owner, repo: repo}
}

// tokenTransport adds the Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (p *Provider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// OwnerRepo returns the owner and repository name.
func (p *Provider) OwnerRepo() (string, string) {
	return p.owner, p.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if _, err := p.AuthenticatedUser(ctx); err != nil {
		return fmt.Errorf("check auth: %w", err)
	}
	return nil
}

// AuthenticatedUser returns the token's account, cached after first use.
func (p *Provider) AuthenticatedUser(ctx context.Context) (*hosting.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authUser != nil {
		return p.authUser, nil
	}

	user, _, err := p.client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("get authenticated user: %w", err)
	}
	p.authUser = &hosting.User{Login: user.GetLogin(), Type: user.GetType()}
	return p.authUser, nil
}

// CreatePR creates a pull request and applies labels best-effort.
func (p *Provider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	}
	created, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, newPR)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	if len(opts.Labels) > 0 {
		if _, _, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, created.GetNumber(), opts.Labels); err != nil {
			slog.Warn("failed to add labels to PR",
				"pr", created.GetNumber(), "labels", opts.Labels, "error", err)
		}
	}
	return mapPR(created), nil
}

// GetPR gets a pull request by number.
func (p *Provider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %d: %w", number, err)
	}
	return mapPR(pr), nil
}

// FindPRByBranch finds the open PR whose head is branch, or nil.
func (p *Provider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &gogithub.PullRequestListOptions{
		Head:        p.owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return mapPR(prs[0]), nil
}

// ListPRCommits lists the commits on a pull request.
func (p *Provider) ListPRCommits(ctx context.Context, number int) ([]hosting.Commit, error) {
	var out []hosting.Commit
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		commits, resp, err := p.client.PullRequests.ListCommits(ctx, p.owner, p.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list PR %d commits: %w", number, err)
		}
		for _, c := range commits {
			commit := hosting.Commit{
				SHA:     c.GetSHA(),
				Message: c.GetCommit().GetMessage(),
				Date:    c.GetCommit().GetAuthor().GetDate().Time,
			}
			if author := c.GetAuthor(); author != nil {
				commit.Author = hosting.User{Login: author.GetLogin(), Type: author.GetType()}
			} else {
				commit.Author = hosting.User{Login: c.GetCommit().GetAuthor().GetName()}
			}
			out = append(out, commit)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListPRComments lists conversation comments, optionally filtered by time.
func (p *Provider) ListPRComments(ctx context.Context, number int, since time.Time) ([]hosting.Comment, error) {
	opts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = &since
	}

	var out []hosting.Comment
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, p.owner, p.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list PR %d comments: %w", number, err)
		}
		for _, c := range comments {
			out = append(out, hosting.Comment{
				ID:        c.GetID(),
				Body:      c.GetBody(),
				Author:    hosting.User{Login: c.GetUser().GetLogin(), Type: c.GetUser().GetType()},
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreatePRComment posts a conversation comment on a PR.
func (p *Provider) CreatePRComment(ctx context.Context, number int, body string) (*hosting.Comment, error) {
	return p.CreateIssueComment(ctx, number, body)
}

// ListReviews lists submitted reviews on a PR.
func (p *Provider) ListReviews(ctx context.Context, number int) ([]hosting.Review, error) {
	reviews, _, err := p.client.PullRequests.ListReviews(ctx, p.owner, p.repo, number, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("list PR %d reviews: %w", number, err)
	}
	out := make([]hosting.Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, hosting.Review{
			ID:          r.GetID(),
			Author:      hosting.User{Login: r.GetUser().GetLogin(), Type: r.GetUser().GetType()},
			State:       r.GetState(),
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

// GetCheckRuns lists check runs for a ref.
func (p *Provider) GetCheckRuns(ctx context.Context, ref string) ([]hosting.CheckRun, error) {
	var out []hosting.CheckRun
	opts := &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		result, resp, err := p.client.Checks.ListCheckRunsForRef(ctx, p.owner, p.repo, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("list check runs for %s: %w", ref, err)
		}
		for _, run := range result.CheckRuns {
			out = append(out, hosting.CheckRun{
				ID:          run.GetID(),
				Name:        run.GetName(),
				Status:      run.GetStatus(),
				Conclusion:  run.GetConclusion(),
				CompletedAt: run.GetCompletedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetCommitStatuses lists legacy commit statuses for a ref.
func (p *Provider) GetCommitStatuses(ctx context.Context, ref string) ([]hosting.CommitStatus, error) {
	statuses, _, err := p.client.Repositories.ListStatuses(ctx, p.owner, p.repo, ref, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("list statuses for %s: %w", ref, err)
	}
	out := make([]hosting.CommitStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, hosting.CommitStatus{
			Context:   s.GetContext(),
			State:     s.GetState(),
			CreatedAt: s.GetCreatedAt().Time,
		})
	}
	return out, nil
}

// GetIssue gets an issue by number.
func (p *Provider) GetIssue(ctx context.Context, number int) (*hosting.Issue, error) {
	issue, _, err := p.client.Issues.Get(ctx, p.owner, p.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}
	return mapIssue(issue), nil
}

// ListOpenIssues lists open issues, optionally filtered to any of labels.
// Pull requests are excluded.
func (p *Provider) ListOpenIssues(ctx context.Context, labels []string) ([]hosting.Issue, error) {
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []hosting.Issue
	for {
		issues, resp, err := p.client.Issues.ListByRepo(ctx, p.owner, p.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list open issues: %w", err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, *mapIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return out, nil
}

// CreateIssueComment posts a comment on an issue or PR conversation.
func (p *Provider) CreateIssueComment(ctx context.Context, number int, body string) (*hosting.Comment, error) {
	created, _, err := p.client.Issues.CreateComment(ctx, p.owner, p.repo, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("comment on #%d: %w", number, err)
	}
	return &hosting.Comment{
		ID:        created.GetID(),
		Body:      created.GetBody(),
		Author:    hosting.User{Login: created.GetUser().GetLogin(), Type: created.GetUser().GetType()},
		CreatedAt: created.GetCreatedAt().Time,
	}, nil
}

// AddLabels adds labels to an issue or PR.
func (p *Provider) AddLabels(ctx context.Context, number int, labels []string) error {
	if _, _, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, number, labels); err != nil {
		return fmt.Errorf("add labels to #%d: %w", number, err)
	}
	return nil
}

func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	return &hosting.PR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
		Draft:      pr.GetDraft(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		Author:     hosting.User{Login: pr.GetUser().GetLogin(), Type: pr.GetUser().GetType()},
		HTMLURL:    pr.GetHTMLURL(),
		CreatedAt:  pr.GetCreatedAt().Time,
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
}

func mapIssue(issue *gogithub.Issue) *hosting.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &hosting.Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Labels:    labels,
		Author:    hosting.User{Login: issue.GetUser().GetLogin(), Type: issue.GetUser().GetType()},
		HTMLURL:   issue.GetHTMLURL(),
		CreatedAt: issue.GetCreatedAt().Time,
	}
}
