// Package hosting abstracts the VCS hosting provider behind a small interface.
// The GitHub implementation lives in the github subpackage. There is
// deliberately no merge operation: the review loop stops at ready_to_merge and
// a human merges.
package hosting

import (
	"context"
	"time"
)

// ProviderType identifies a hosting provider.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderUnknown ProviderType = "unknown"
)

// Provider is the hosting surface the coordination core needs.
type Provider interface {
	// Pull requests
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)
	GetPR(ctx context.Context, number int) (*PR, error)
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)
	ListPRCommits(ctx context.Context, number int) ([]Commit, error)

	// Comments
	ListPRComments(ctx context.Context, number int, since time.Time) ([]Comment, error)
	CreatePRComment(ctx context.Context, number int, body string) (*Comment, error)
	ListReviews(ctx context.Context, number int) ([]Review, error)

	// CI
	GetCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)
	GetCommitStatuses(ctx context.Context, ref string) ([]CommitStatus, error)

	// Issues
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListOpenIssues(ctx context.Context, labels []string) ([]Issue, error)
	CreateIssueComment(ctx context.Context, number int, body string) (*Comment, error)
	AddLabels(ctx context.Context, number int, labels []string) error

	// Auth + metadata
	AuthenticatedUser(ctx context.Context) (*User, error)
	CheckAuth(ctx context.Context) error
	Name() ProviderType
	OwnerRepo() (string, string)
}

// PR is a pull request.
type PR struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	State      string    `json:"state"` // open, closed
	Merged     bool      `json:"merged"`
	Draft      bool      `json:"draft"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	BaseBranch string    `json:"base_branch"`
	Author     User      `json:"author"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PRCreateOptions creates a pull request.
type PRCreateOptions struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Head   string   `json:"head"`
	Base   string   `json:"base"`
	Draft  bool     `json:"draft"`
	Labels []string `json:"labels,omitempty"`
}

// Commit is one commit on a PR.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  User      `json:"author"`
	Date    time.Time `json:"date"`
}

// Comment is an issue or PR conversation comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Author    User      `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is a submitted pull request review.
type Review struct {
	ID          int64     `json:"id"`
	Author      User      `json:"author"`
	State       string    `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
	Body        string    `json:"body,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CheckRun is one CI check attached to a ref.
type CheckRun struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`               // queued, in_progress, completed
	Conclusion  string    `json:"conclusion,omitempty"` // success, failure, neutral, ...
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Completed reports whether the check has finished.
func (c CheckRun) Completed() bool {
	return c.Status == "completed"
}

// Passed reports whether a completed check counts as passing.
func (c CheckRun) Passed() bool {
	switch c.Conclusion {
	case "success", "neutral", "skipped":
		return true
	}
	return false
}

// CommitStatus is a legacy commit status on a ref.
type CommitStatus struct {
	Context   string    `json:"context"`
	State     string    `json:"state"` // pending, success, failure, error
	CreatedAt time.Time `json:"created_at"`
}

// Issue is a tracker issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels,omitempty"`
	Author    User      `json:"author"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an account on the hosting provider.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"` // User, Bot, Organization
}

// IsBot reports whether the account is a machine account, by explicit type or
// the [bot] login suffix convention.
func (u User) IsBot() bool {
	if u.Type == "Bot" {
		return true
	}
	return len(u.Login) > 5 && u.Login[len(u.Login)-5:] == "[bot]"
}
