// Package hostingtest provides an in-memory hosting.Provider for tests.
package hostingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoclaude/autoclaude/internal/hosting"
)

// FakeProvider is a scriptable hosting.Provider. Zero value is usable; set
// fields to script behavior. All methods are safe for concurrent use.
type FakeProvider struct {
	mu sync.Mutex

	User     hosting.User
	PRs      map[int]*hosting.PR
	Commits  map[int][]hosting.Commit
	Comments map[int][]hosting.Comment
	Reviews  map[int][]hosting.Review
	Checks   map[string][]hosting.CheckRun
	Statuses map[string][]hosting.CommitStatus
	Issues   map[int]*hosting.Issue

	// Err fails every call when set.
	Err error
	// Calls records method names in order.
	Calls []string

	// CreatedPRs and PostedComments record writes.
	CreatedPRs     []hosting.PRCreateOptions
	PostedComments map[int][]string

	nextPR int
}

var _ hosting.Provider = (*FakeProvider)(nil)

// NewFakeProvider returns an empty provider authenticated as login.
func NewFakeProvider(login string) *FakeProvider {
	return &FakeProvider{
		User:           hosting.User{Login: login, Type: "Bot"},
		PRs:            map[int]*hosting.PR{},
		Commits:        map[int][]hosting.Commit{},
		Comments:       map[int][]hosting.Comment{},
		Reviews:        map[int][]hosting.Review{},
		Checks:         map[string][]hosting.CheckRun{},
		Statuses:       map[string][]hosting.CommitStatus{},
		Issues:         map[int]*hosting.Issue{},
		PostedComments: map[int][]string{},
		nextPR:         100,
	}
}

func (f *FakeProvider) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, name)
	return f.Err
}

func (f *FakeProvider) Name() hosting.ProviderType { return hosting.ProviderGitHub }
func (f *FakeProvider) OwnerRepo() (string, string) {
	return "acme", "widgets"
}

func (f *FakeProvider) CheckAuth(ctx context.Context) error {
	return f.record("CheckAuth")
}

func (f *FakeProvider) AuthenticatedUser(context.Context) (*hosting.User, error) {
	if err := f.record("AuthenticatedUser"); err != nil {
		return nil, err
	}
	u := f.User
	return &u, nil
}

func (f *FakeProvider) CreatePR(_ context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	if err := f.record("CreatePR"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPR++
	pr := &hosting.PR{
		Number:     f.nextPR,
		Title:      opts.Title,
		Body:       opts.Body,
		State:      "open",
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
		Draft:      opts.Draft,
		CreatedAt:  time.Now().UTC(),
	}
	f.PRs[pr.Number] = pr
	f.CreatedPRs = append(f.CreatedPRs, opts)
	return pr, nil
}

func (f *FakeProvider) GetPR(_ context.Context, number int) (*hosting.PR, error) {
	if err := f.record("GetPR"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.PRs[number]
	if !ok {
		return nil, fmt.Errorf("PR %d not found", number)
	}
	cp := *pr
	return &cp, nil
}

func (f *FakeProvider) FindPRByBranch(_ context.Context, branch string) (*hosting.PR, error) {
	if err := f.record("FindPRByBranch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.PRs {
		if pr.HeadBranch == branch && pr.State == "open" {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeProvider) ListPRCommits(_ context.Context, number int) ([]hosting.Commit, error) {
	if err := f.record("ListPRCommits"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.Commit(nil), f.Commits[number]...), nil
}

func (f *FakeProvider) ListPRComments(_ context.Context, number int, since time.Time) ([]hosting.Comment, error) {
	if err := f.record("ListPRComments"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hosting.Comment
	for _, c := range f.Comments[number] {
		if since.IsZero() || !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *FakeProvider) CreatePRComment(_ context.Context, number int, body string) (*hosting.Comment, error) {
	if err := f.record("CreatePRComment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := hosting.Comment{
		ID:        int64(len(f.PostedComments[number]) + 1),
		Body:      body,
		Author:    f.User,
		CreatedAt: time.Now().UTC(),
	}
	f.Comments[number] = append(f.Comments[number], c)
	f.PostedComments[number] = append(f.PostedComments[number], body)
	return &c, nil
}

func (f *FakeProvider) ListReviews(_ context.Context, number int) ([]hosting.Review, error) {
	if err := f.record("ListReviews"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.Review(nil), f.Reviews[number]...), nil
}

func (f *FakeProvider) GetCheckRuns(_ context.Context, ref string) ([]hosting.CheckRun, error) {
	if err := f.record("GetCheckRuns"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.CheckRun(nil), f.Checks[ref]...), nil
}

func (f *FakeProvider) GetCommitStatuses(_ context.Context, ref string) ([]hosting.CommitStatus, error) {
	if err := f.record("GetCommitStatuses"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.CommitStatus(nil), f.Statuses[ref]...), nil
}

func (f *FakeProvider) GetIssue(_ context.Context, number int) (*hosting.Issue, error) {
	if err := f.record("GetIssue"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	cp := *issue
	return &cp, nil
}

func (f *FakeProvider) ListOpenIssues(_ context.Context, labels []string) ([]hosting.Issue, error) {
	if err := f.record("ListOpenIssues"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hosting.Issue
	for _, issue := range f.Issues {
		if issue.State != "open" {
			continue
		}
		if len(labels) > 0 && !hasAnyLabel(issue.Labels, labels) {
			continue
		}
		out = append(out, *issue)
	}
	return out, nil
}

func (f *FakeProvider) CreateIssueComment(ctx context.Context, number int, body string) (*hosting.Comment, error) {
	return f.CreatePRComment(ctx, number, body)
}

func (f *FakeProvider) AddLabels(_ context.Context, number int, labels []string) error {
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.Issues[number]; ok {
		issue.Labels = append(issue.Labels, labels...)
	}
	return nil
}

func hasAnyLabel(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
