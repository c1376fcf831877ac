// Package errors provides structured error types for auto-claude.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for auto-claude.
const (
	// Coordination errors
	CodeLockTimeout  Code = "LOCK_TIMEOUT"
	CodeAtomicWrite  Code = "ATOMIC_WRITE_FAILED"
	CodeSpecNotFound Code = "SPEC_NOT_FOUND"

	// Worktree errors
	CodeBranchNamespace Code = "BRANCH_NAMESPACE_BLOCKED"
	CodeMergeConflict   Code = "MERGE_CONFLICT"
	CodeWorktreeExists  Code = "WORKTREE_EXISTS"

	// Pipeline errors
	CodePhaseFailed     Code = "PHASE_FAILED"
	CodeMalformedOutput Code = "AGENT_OUTPUT_MALFORMED"
	CodePlanInvalid     Code = "PLAN_INVALID"
	CodeApprovalStale   Code = "APPROVAL_INVALIDATED"

	// Review errors
	CodeNotAuthorized Code = "REVIEW_NOT_AUTHORIZED"
	CodeMaxIterations Code = "MAX_ITERATIONS_REACHED"
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"

	// VCS errors
	CodeVCSUnavailable Code = "VCS_UNAVAILABLE"
	CodeVCSAuth        Code = "VCS_AUTH_FAILED"
)

// CoreError is the structured error type for auto-claude.
type CoreError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *CoreError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler.
func (e *CoreError) MarshalJSON() ([]byte, error) {
	type alias CoreError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a CoreError with the same code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *CoreError) WithCause(err error) *CoreError {
	return &CoreError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrLockTimeout returns an error for a lock acquisition timeout.
func ErrLockTimeout(resource string, timeout string) *CoreError {
	return &CoreError{
		Code: CodeLockTimeout,
		What: fmt.Sprintf("could not lock %s within %s", resource, timeout),
		Why:  "Another process holds the lock, or a stale sentinel file remains",
		Fix:  "Retry the operation. If it persists, check for stuck auto-claude processes",
	}
}

// ErrBranchNamespace returns an error when the flat auto-claude branch blocks
// the auto-claude/* namespace.
func ErrBranchNamespace() *CoreError {
	return &CoreError{
		Code: CodeBranchNamespace,
		What: "branch 'auto-claude' exists and blocks the auto-claude/* namespace",
		Why:  "Git cannot create auto-claude/<slug> branches while a flat auto-claude branch exists",
		Fix:  "Rename it: git branch -m auto-claude auto-claude-legacy",
	}
}

// ErrMergeConflict returns an error for a merge conflict during merge-back.
func ErrMergeConflict(slug string, files []string) *CoreError {
	return &CoreError{
		Code: CodeMergeConflict,
		What: fmt.Sprintf("merge of worktree %s hit conflicts", slug),
		Why:  fmt.Sprintf("Conflicting files: %s", strings.Join(files, ", ")),
		Fix:  "Resolve conflicts manually in the base branch, or discard the worktree",
	}
}

// ErrSpecNotFound returns an error when a spec directory does not exist.
func ErrSpecNotFound(id string) *CoreError {
	return &CoreError{
		Code: CodeSpecNotFound,
		What: fmt.Sprintf("spec %s not found", id),
		Why:  "No specs/<NNN-slug> directory matches this id or slug",
		Fix:  "Run 'auto-claude --list' to see available specs",
	}
}

// ErrPhaseFailed returns an error when a required phase exhausts its retries.
func ErrPhaseFailed(phase string, attempts int) *CoreError {
	return &CoreError{
		Code: CodePhaseFailed,
		What: fmt.Sprintf("phase %s failed after %d attempts", phase, attempts),
		Why:  "The phase's outputs never passed validation",
		Fix:  "Inspect the spec directory artifacts, fix inputs, and re-run",
	}
}

// ErrMalformedOutput returns an error for unrecoverable agent output.
func ErrMalformedOutput(phase, file string) *CoreError {
	return &CoreError{
		Code: CodeMalformedOutput,
		What: fmt.Sprintf("phase %s produced malformed output", phase),
		Why:  fmt.Sprintf("%s did not match its schema after recovery attempts", file),
		Fix:  "A minimal stub was written; review and correct it before continuing",
	}
}

// ErrPlanInvalid returns an error for an invalid implementation plan.
func ErrPlanInvalid(reason string) *CoreError {
	return &CoreError{
		Code: CodePlanInvalid,
		What: "implementation plan is invalid",
		Why:  reason,
		Fix:  "Edit implementation_plan.json or re-run the planning phase",
	}
}

// ErrApprovalStale returns an error when the plan changed after approval.
func ErrApprovalStale() *CoreError {
	return &CoreError{
		Code: CodeApprovalStale,
		What: "plan approval is no longer valid",
		Why:  "implementation_plan.json was modified after it was approved",
		Fix:  "Re-approve the plan, or pass --force to bypass (recorded in the audit log)",
	}
}

// ErrNotAuthorized returns an error when review authorization is denied.
func ErrNotAuthorized(actor string) *CoreError {
	return &CoreError{
		Code: CodeNotAuthorized,
		What: fmt.Sprintf("%s is not authorized to trigger reviews", actor),
		Why:  "The actor is not on the review whitelist",
		Fix:  "Add the user to review.authorized_users in .auto-claude/config.yaml",
	}
}

// ErrVCSAuth returns an error for non-retryable VCS auth failures.
func ErrVCSAuth(op string) *CoreError {
	return &CoreError{
		Code: CodeVCSAuth,
		What: fmt.Sprintf("%s failed: authentication rejected", op),
		Why:  "The VCS provider returned a 4xx auth error; retrying will not help",
		Fix:  "Check the GitHub token (gh auth status) and repository permissions",
	}
}

// AsCoreError attempts to convert an error to a CoreError.
// Returns nil if the error is not a CoreError.
func AsCoreError(err error) *CoreError {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return nil
}

// Wrap wraps a generic error into a CoreError with unknown code.
func Wrap(err error, what string) *CoreError {
	return &CoreError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
