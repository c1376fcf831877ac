package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
)

// Plan is the implementation plan the build consumes.
type Plan struct {
	SpecName           string       `json:"spec_name"`
	WorkflowType       WorkflowType `json:"workflow_type"`
	TotalPhases        int          `json:"total_phases"`
	RecommendedWorkers int          `json:"recommended_workers"`
	Phases             []PlanPhase  `json:"phases"`
	Metadata           PlanMetadata `json:"metadata"`
}

// PlanPhase is one ordered unit of the plan. Either the numeric Phase or the
// string ID identifies it; both styles appear in the wild and both are
// accepted, normalized through Key.
type PlanPhase struct {
	Phase       int       `json:"phase,omitempty"`
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Subtasks    []Subtask `json:"subtasks"`
}

// Key returns the phase's identity: the string id when present, else the
// numeric id rendered in decimal.
func (p PlanPhase) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return fmt.Sprintf("%d", p.Phase)
}

// SubtaskStatus is the lifecycle of one subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskBlocked    SubtaskStatus = "blocked"
	SubtaskSkipped    SubtaskStatus = "skipped"
)

func validSubtaskStatus(s SubtaskStatus) bool {
	switch s {
	case SubtaskPending, SubtaskInProgress, SubtaskCompleted, SubtaskBlocked, SubtaskSkipped:
		return true
	}
	return false
}

// Subtask is one concrete work item.
type Subtask struct {
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Service       string        `json:"service,omitempty"`
	Status        SubtaskStatus `json:"status"`
	FilesToCreate []string      `json:"files_to_create,omitempty"`
	FilesToModify []string      `json:"files_to_modify,omitempty"`
	PatternsFrom  []string      `json:"patterns_from,omitempty"`
	Verification  Verification  `json:"verification"`
}

// Verification describes how a subtask's result is checked.
type Verification struct {
	Type     string `json:"type"` // command, url, manual, scenario
	Run      string `json:"run,omitempty"`
	URL      string `json:"url,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

// PlanMetadata carries provenance.
type PlanMetadata struct {
	CreatedAt         time.Time `json:"created_at"`
	Complexity        Tier      `json:"complexity,omitempty"`
	EstimatedSessions int       `json:"estimated_sessions,omitempty"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, errors.ErrPlanInvalid(fmt.Sprintf("not valid JSON: %v", err))
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ValidatePlan enforces the plan contract: known workflow type, at least one
// phase, a unique id per phase (numeric or string), dependencies that only
// reference earlier phases, and valid subtask statuses.
func ValidatePlan(plan *Plan) error {
	if !ValidWorkflow(plan.WorkflowType) {
		return errors.ErrPlanInvalid(fmt.Sprintf("unknown workflow_type %q", plan.WorkflowType))
	}
	if len(plan.Phases) == 0 {
		return errors.ErrPlanInvalid("plan has no phases")
	}

	seen := make(map[string]bool, len(plan.Phases))
	for i, phase := range plan.Phases {
		if phase.ID == "" && phase.Phase == 0 {
			return errors.ErrPlanInvalid(fmt.Sprintf("phase %d has neither a numeric phase nor a string id", i))
		}
		key := phase.Key()
		if seen[key] {
			return errors.ErrPlanInvalid(fmt.Sprintf("duplicate phase id %q", key))
		}

		// Dependencies may only point at phases already declared; this makes
		// the graph acyclic by construction.
		for _, dep := range phase.DependsOn {
			if !seen[dep] {
				return errors.ErrPlanInvalid(fmt.Sprintf(
					"phase %q depends on %q, which is not an earlier phase", key, dep))
			}
		}
		seen[key] = true

		if len(phase.Subtasks) == 0 {
			return errors.ErrPlanInvalid(fmt.Sprintf("phase %q has no subtasks", key))
		}
		for _, st := range phase.Subtasks {
			if st.ID == "" {
				return errors.ErrPlanInvalid(fmt.Sprintf("phase %q has a subtask without an id", key))
			}
			if !validSubtaskStatus(st.Status) {
				return errors.ErrPlanInvalid(fmt.Sprintf(
					"subtask %q has unknown status %q", st.ID, st.Status))
			}
		}
	}
	return nil
}

// SyntheticPlan builds the minimal one-phase, one-subtask plan used when the
// quick-spec agent emits only the spec document.
func SyntheticPlan(specName string, workflow WorkflowType) *Plan {
	if !ValidWorkflow(workflow) {
		workflow = WorkflowFeature
	}
	return &Plan{
		SpecName:           specName,
		WorkflowType:       workflow,
		TotalPhases:        1,
		RecommendedWorkers: 1,
		Phases: []PlanPhase{{
			Phase: 1,
			Name:  "Implement",
			Subtasks: []Subtask{{
				ID:           "1.1",
				Description:  "Implement the change described in spec.md",
				Service:      "main",
				Status:       SubtaskPending,
				Verification: Verification{Type: "manual"},
			}},
		}},
		Metadata: PlanMetadata{CreatedAt: time.Now().UTC(), Complexity: TierSimple},
	}
}
