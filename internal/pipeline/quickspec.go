package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// quickSpecPhase is the simple-tier shortcut: one combined agent call writes
// both the spec document and a minimal plan. If the agent emits only the
// spec, a synthetic plan fills the gap.
type quickSpecPhase struct {
	invoker *Invoker
}

var _ Phase = (*quickSpecPhase)(nil)

// NewQuickSpecPhase creates the combined spec+plan phase.
func NewQuickSpecPhase(inv *Invoker) Phase {
	return &quickSpecPhase{invoker: inv}
}

func (p *quickSpecPhase) Name() string      { return PhaseQuickSpec }
func (p *quickSpecPhase) Outputs() []string { return []string{FileSpec, FilePlan} }

func (p *quickSpecPhase) Run(ctx context.Context, pc *PhaseContext) (*PhaseResult, error) {
	prompt := fmt.Sprintf(`This is a small, well-scoped task. In one pass:
1. Write the spec to %s with sections "# Overview", "# Architecture",
   "# Implementation" (each may be brief).
2. Write a minimal implementation plan to %s: one phase, few subtasks,
   following the usual plan JSON shape with status "pending".
%s`, pc.ArtifactPath(FileSpec), pc.ArtifactPath(FilePlan), pc.ContextBlock())

	if err := p.invoker.RunPrompt(ctx, pc, prompt); err != nil {
		return nil, err
	}

	result := &PhaseResult{Phase: p.Name(), Outputs: p.Outputs()}

	// Spec-only output is acceptable; synthesize the plan.
	planPath := pc.ArtifactPath(FilePlan)
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		workflow := WorkflowFeature
		if pc.Requirements != nil {
			workflow = pc.Requirements.WorkflowType
		}
		plan := SyntheticPlan(filepath.Base(pc.SpecDir), workflow)
		if err := writeJSONArtifact(planPath, plan); err != nil {
			return nil, err
		}
		result.Reason = "agent emitted only spec.md; synthetic minimal plan created"
	}
	return result, nil
}

func (p *quickSpecPhase) ValidateOutputs(specDir string) error {
	if err := outputsExist(specDir, p.Outputs()); err != nil {
		return err
	}
	if err := validateSpecDoc(specDir + "/" + FileSpec); err != nil {
		return err
	}
	_, err := LoadPlan(specDir + "/" + FilePlan)
	return err
}
