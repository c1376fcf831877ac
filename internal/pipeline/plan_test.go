package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/errors"
)

func validPlan() *Plan {
	return &Plan{
		SpecName:     "001-fix-oauth",
		WorkflowType: WorkflowBugfix,
		TotalPhases:  2,
		Phases: []PlanPhase{
			{
				Phase: 1, Name: "Backend",
				Subtasks: []Subtask{{
					ID: "1.1", Description: "Fix token refresh", Status: SubtaskPending,
					Verification: Verification{Type: "command", Run: "go test ./..."},
				}},
			},
			{
				ID: "frontend", Name: "Frontend", DependsOn: []string{"1"},
				Subtasks: []Subtask{{
					ID: "2.1", Description: "Update login flow", Status: SubtaskPending,
					Verification: Verification{Type: "manual"},
				}},
			},
		},
		Metadata: PlanMetadata{CreatedAt: time.Now().UTC()},
	}
}

func TestValidatePlan_AcceptsDualIDStyles(t *testing.T) {
	require.NoError(t, ValidatePlan(validPlan()))
}

func TestValidatePlan_Rejections(t *testing.T) {
	t.Run("unknown workflow", func(t *testing.T) {
		p := validPlan()
		p.WorkflowType = "chore"
		assertPlanInvalid(t, p)
	})

	t.Run("duplicate phase id", func(t *testing.T) {
		p := validPlan()
		p.Phases[1].ID = ""
		p.Phases[1].Phase = 1
		assertPlanInvalid(t, p)
	})

	t.Run("forward dependency", func(t *testing.T) {
		p := validPlan()
		p.Phases[0].DependsOn = []string{"frontend"}
		assertPlanInvalid(t, p)
	})

	t.Run("self dependency", func(t *testing.T) {
		p := validPlan()
		p.Phases[0].DependsOn = []string{"1"}
		assertPlanInvalid(t, p)
	})

	t.Run("unknown subtask status", func(t *testing.T) {
		p := validPlan()
		p.Phases[0].Subtasks[0].Status = "done"
		assertPlanInvalid(t, p)
	})

	t.Run("phase without identity", func(t *testing.T) {
		p := validPlan()
		p.Phases[0].Phase = 0
		p.Phases[0].ID = ""
		assertPlanInvalid(t, p)
	})

	t.Run("no phases", func(t *testing.T) {
		p := validPlan()
		p.Phases = nil
		assertPlanInvalid(t, p)
	})
}

func assertPlanInvalid(t *testing.T, p *Plan) {
	t.Helper()
	err := ValidatePlan(p)
	require.Error(t, err)
	coreErr := errors.AsCoreError(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, errors.CodePlanInvalid, coreErr.Code)
}

func TestSyntheticPlan(t *testing.T) {
	p := SyntheticPlan("004-small-fix", WorkflowBugfix)
	require.NoError(t, ValidatePlan(p))
	assert.Equal(t, 1, p.TotalPhases)
	require.Len(t, p.Phases, 1)
	require.Len(t, p.Phases[0].Subtasks, 1)
	assert.Equal(t, "main", p.Phases[0].Subtasks[0].Service)
	assert.Equal(t, "manual", p.Phases[0].Subtasks[0].Verification.Type)

	// Unknown workflow falls back to feature.
	p = SyntheticPlan("005-x", "mystery")
	assert.Equal(t, WorkflowFeature, p.WorkflowType)
}

func writePlanFile(t *testing.T, specDir string, plan *Plan) {
	t.Helper()
	data := mustJSON(plan)
	require.NoError(t, os.WriteFile(filepath.Join(specDir, FilePlan), data, 0o644))
}

func TestApproval_BindsToPlanContent(t *testing.T) {
	specDir := t.TempDir()
	writePlanFile(t, specDir, validPlan())

	approval, err := Approve(specDir, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", approval.ApprovedBy)
	assert.NotEmpty(t, approval.PlanHash)

	got, err := CheckApproval(specDir)
	require.NoError(t, err)
	assert.Equal(t, approval.PlanHash, got.PlanHash)
}

func TestApproval_InvalidatedByPlanEdit(t *testing.T) {
	specDir := t.TempDir()
	writePlanFile(t, specDir, validPlan())
	_, err := Approve(specDir, "alice")
	require.NoError(t, err)

	edited := validPlan()
	edited.Phases[0].Name = "Backend (edited)"
	writePlanFile(t, specDir, edited)

	_, err = CheckApproval(specDir)
	require.Error(t, err)
	coreErr := errors.AsCoreError(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, errors.CodeApprovalStale, coreErr.Code)
}

func TestApproval_MissingIsStale(t *testing.T) {
	specDir := t.TempDir()
	writePlanFile(t, specDir, validPlan())

	_, err := CheckApproval(specDir)
	require.Error(t, err)
	assert.Equal(t, errors.CodeApprovalStale, errors.AsCoreError(err).Code)
}

func TestApprove_RefusesInvalidPlan(t *testing.T) {
	specDir := t.TempDir()
	bad := validPlan()
	bad.WorkflowType = "chore"
	writePlanFile(t, specDir, bad)

	_, err := Approve(specDir, "alice")
	assert.Error(t, err)
}
