package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Phase names, in canonical pipeline order.
const (
	PhaseDiscovery            = "discovery"
	PhaseHistoricalContext    = "historical_context"
	PhaseRequirements         = "requirements"
	PhaseComplexityAssessment = "complexity_assessment"
	PhaseResearch             = "research"
	PhaseNameContext          = "context"
	PhaseQuickSpec            = "quick_spec"
	PhaseSpecWriting          = "spec_writing"
	PhaseSelfCritique         = "self_critique"
	PhasePlanning             = "planning"
	PhaseValidation           = "validation"
)

// PhaseContext is everything a phase sees when it runs.
type PhaseContext struct {
	// SpecDir is the specs/NNN-slug directory; all artifacts live here.
	SpecDir string
	// ProjectDir is the repository checkout the task operates on.
	ProjectDir string
	// Requirements is loaded when present, nil otherwise.
	Requirements *Requirements
	// Summaries maps completed phase names to their compaction notes.
	Summaries map[string]string
	// SummaryOrder preserves completion order for the context block.
	SummaryOrder []string
	// Extras carries per-phase key/value additions to the prompt.
	Extras map[string]string
}

// ContextBlock renders the accumulated compaction summaries as the read-only
// context given to subsequent phases.
func (pc *PhaseContext) ContextBlock() string {
	if len(pc.SummaryOrder) == 0 {
		return ""
	}
	out := "## Prior phase summaries (read-only)\n"
	for _, name := range pc.SummaryOrder {
		out += fmt.Sprintf("\n### %s\n%s\n", name, pc.Summaries[name])
	}
	return out
}

// ArtifactPath resolves a filename inside the spec directory.
func (pc *PhaseContext) ArtifactPath(name string) string {
	return filepath.Join(pc.SpecDir, name)
}

// PhaseResult reports one phase's outcome.
type PhaseResult struct {
	Phase    string   `json:"phase"`
	Attempts int      `json:"attempts"`
	Outputs  []string `json:"outputs,omitempty"`
	Degraded bool     `json:"degraded,omitempty"` // stub written after recovery failed
	Reason   string   `json:"reason,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Phase is one unit of the spec pipeline.
type Phase interface {
	// Name is the phase's canonical name.
	Name() string
	// Outputs lists the artifact filenames the phase must produce.
	Outputs() []string
	// Run performs the phase's work. The executor checks outputs and calls
	// ValidateOutputs afterward.
	Run(ctx context.Context, pc *PhaseContext) (*PhaseResult, error)
	// ValidateOutputs checks the phase's artifacts beyond mere existence.
	ValidateOutputs(specDir string) error
}

// Registry maps phase names to implementations.
type Registry struct {
	phases map[string]Phase
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{phases: make(map[string]Phase)}
}

// Register adds a phase. Registering the same name twice panics; that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(p Phase) {
	if _, dup := r.phases[p.Name()]; dup {
		panic("pipeline: duplicate phase " + p.Name())
	}
	r.phases[p.Name()] = p
}

// Get looks up a phase by name.
func (r *Registry) Get(name string) (Phase, bool) {
	p, ok := r.phases[name]
	return p, ok
}

// Names returns registered phase names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.phases))
	for name := range r.phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outputsExist reports whether every expected artifact exists and is
// non-empty.
func outputsExist(specDir string, outputs []string) error {
	for _, name := range outputs {
		info, err := os.Stat(filepath.Join(specDir, name))
		if err != nil {
			return fmt.Errorf("missing output %s: %w", name, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("output %s is empty", name)
		}
	}
	return nil
}
