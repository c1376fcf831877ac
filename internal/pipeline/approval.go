package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// FileApproval records the human-review checkpoint inside a spec directory.
const FileApproval = "approval.json"

// Approval binds a human sign-off to the exact plan content that was
// reviewed. Editing the plan afterwards invalidates it.
type Approval struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	PlanHash   string    `json:"plan_hash"`
}

// PlanHash hashes the on-disk plan file.
func PlanHash(specDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(specDir, FilePlan))
	if err != nil {
		return "", fmt.Errorf("hash plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Approve validates the current plan and records an approval bound to it.
func Approve(specDir, approver string) (*Approval, error) {
	if _, err := LoadPlan(filepath.Join(specDir, FilePlan)); err != nil {
		return nil, err
	}
	hash, err := PlanHash(specDir)
	if err != nil {
		return nil, err
	}

	approval := &Approval{
		ApprovedBy: approver,
		ApprovedAt: time.Now().UTC(),
		PlanHash:   hash,
	}
	data, err := json.MarshalIndent(approval, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := lockfile.AtomicWrite(filepath.Join(specDir, FileApproval), append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	return approval, nil
}

// CheckApproval verifies that a valid approval exists for the plan as it is
// now. A modified plan yields APPROVAL_INVALIDATED. Callers that bypass with
// --force must record the bypass in the audit log.
func CheckApproval(specDir string) (*Approval, error) {
	data, err := os.ReadFile(filepath.Join(specDir, FileApproval))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrApprovalStale().WithCause(fmt.Errorf("no approval recorded"))
		}
		return nil, err
	}
	var approval Approval
	if err := json.Unmarshal(data, &approval); err != nil {
		return nil, errors.ErrApprovalStale().WithCause(err)
	}

	hash, err := PlanHash(specDir)
	if err != nil {
		return nil, err
	}
	if hash != approval.PlanHash {
		return nil, errors.ErrApprovalStale()
	}
	return &approval, nil
}
