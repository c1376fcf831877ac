package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// bootstrapPhases always run first; they produce the inputs the complexity
// assessment needs to choose the rest of the phase set.
var bootstrapPhases = []string{
	PhaseDiscovery,
	PhaseHistoricalContext,
	PhaseRequirements,
	PhaseComplexityAssessment,
}

// DefaultRegistry wires every phase implementation.
func DefaultRegistry(inv *Invoker, assessor *Assessor, memory MemoryQuerier) *Registry {
	r := NewRegistry()
	r.Register(NewDiscoveryPhase(inv))
	r.Register(NewHistoricalContextPhase(memory))
	r.Register(NewRequirementsPhase(inv))
	r.Register(NewComplexityPhase(assessor))
	r.Register(NewResearchPhase(inv))
	r.Register(NewContextPhase(inv))
	r.Register(NewQuickSpecPhase(inv))
	r.Register(NewSpecWritingPhase(inv))
	r.Register(NewSelfCritiquePhase(inv))
	r.Register(NewPlanningPhase(inv))
	r.Register(NewValidationPhase(r))
	return r
}

// GenerateSpec runs the whole adaptive pipeline: bootstrap phases, then the
// phase set the complexity verdict selects.
func (e *Executor) GenerateSpec(ctx context.Context, opts RunOptions) (*RunReport, error) {
	boot := opts
	boot.Phases = bootstrapPhases
	report, err := e.Run(ctx, boot)
	if err != nil {
		return report, err
	}

	verdict, err := LoadComplexity(opts.SpecDir)
	if err != nil {
		return report, fmt.Errorf("load complexity verdict: %w", err)
	}

	rest := opts
	rest.Phases = remainingPhases(PhasesForTier(verdict))
	if len(rest.Phases) == 0 {
		return report, nil
	}

	tail, err := e.Run(ctx, rest)
	report.Results = append(report.Results, tail.Results...)
	report.Elapsed += tail.Elapsed
	report.Completed = tail.Completed
	return report, err
}

// remainingPhases strips the bootstrap phases from a tier's phase set.
func remainingPhases(phases []string) []string {
	ran := make(map[string]bool, len(bootstrapPhases))
	for _, name := range bootstrapPhases {
		ran[name] = true
	}
	var rest []string
	for _, name := range phases {
		if !ran[name] {
			rest = append(rest, name)
		}
	}
	return rest
}

// LoadComplexity reads the persisted complexity verdict.
func LoadComplexity(specDir string) (*ComplexityAssessment, error) {
	data, err := os.ReadFile(filepath.Join(specDir, FileComplexity))
	if err != nil {
		return nil, err
	}
	var verdict ComplexityAssessment
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}
