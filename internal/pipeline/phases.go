package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// MemoryQuerier is the optional memory service consulted by the
// historical-context phase. Unavailability is never an error.
type MemoryQuerier interface {
	RelevantInsights(ctx context.Context, task string) ([]string, error)
	Enabled() bool
}

// promptPhase is the common shape of agent-backed phases: build a prompt,
// invoke the agent in the spec directory, then check the declared outputs.
type promptPhase struct {
	name     string
	outputs  []string
	invoker  *Invoker
	prompt   func(pc *PhaseContext) string
	validate func(specDir string) error
}

var _ Phase = (*promptPhase)(nil)

func (p *promptPhase) Name() string      { return p.name }
func (p *promptPhase) Outputs() []string { return p.outputs }

func (p *promptPhase) Run(ctx context.Context, pc *PhaseContext) (*PhaseResult, error) {
	if err := p.invoker.RunPrompt(ctx, pc, p.prompt(pc)); err != nil {
		return nil, err
	}
	return &PhaseResult{Phase: p.name, Outputs: p.outputs}, nil
}

func (p *promptPhase) ValidateOutputs(specDir string) error {
	if err := outputsExist(specDir, p.outputs); err != nil {
		return err
	}
	if p.validate != nil {
		return p.validate(specDir)
	}
	return nil
}

// requireJSONFields validates that a file is JSON and has every listed field.
func requireJSONFields(path string, fields ...string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%s: not valid JSON", path)
	}
	parsed := gjson.ParseBytes(data)
	for _, f := range fields {
		if !parsed.Get(f).Exists() {
			return fmt.Errorf("%s: missing field %q", path, f)
		}
	}
	return nil
}

// requiredSpecSections must appear as markdown headings in spec.md.
var requiredSpecSections = []string{"Overview", "Architecture", "Implementation"}

func validateSpecDoc(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc := string(data)
	for _, section := range requiredSpecSections {
		if !strings.Contains(doc, "# "+section) {
			return fmt.Errorf("spec.md missing required section %q", section)
		}
	}
	return nil
}

// NewDiscoveryPhase indexes the project. The analyzer is external; the agent
// drives it and writes the opaque index.
func NewDiscoveryPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseDiscovery,
		outputs: []string{FileProjectIndex},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Index the project at %s: enumerate its services, entry points, key
directories, and build tooling. Write the result as JSON to %s.
%s`, pc.ProjectDir, pc.ArtifactPath(FileProjectIndex), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			return requireJSONFields(specDir + "/" + FileProjectIndex)
		},
	}
}

// historicalContextPhase queries the memory service. It cannot fail: a
// missing or erroring backend produces an empty, disabled hints file.
type historicalContextPhase struct {
	memory MemoryQuerier
}

var _ Phase = (*historicalContextPhase)(nil)

// NewHistoricalContextPhase creates the phase. memory may be nil.
func NewHistoricalContextPhase(memory MemoryQuerier) Phase {
	return &historicalContextPhase{memory: memory}
}

func (p *historicalContextPhase) Name() string      { return PhaseHistoricalContext }
func (p *historicalContextPhase) Outputs() []string { return []string{FileGraphHints} }

func (p *historicalContextPhase) Run(ctx context.Context, pc *PhaseContext) (*PhaseResult, error) {
	hints := GraphHints{Hints: []string{}, CreatedAt: time.Now().UTC()}

	switch {
	case p.memory == nil || !p.memory.Enabled():
		hints.Reason = "memory service not configured"
	default:
		task := ""
		if pc.Requirements != nil {
			task = pc.Requirements.Task
		}
		found, err := p.memory.RelevantInsights(ctx, task)
		if err != nil {
			hints.Reason = fmt.Sprintf("memory service unavailable: %v", err)
		} else {
			hints.Enabled = true
			hints.Hints = found
		}
	}

	if err := writeJSONArtifact(pc.ArtifactPath(FileGraphHints), hints); err != nil {
		return nil, err
	}
	return &PhaseResult{Phase: p.Name(), Outputs: p.Outputs()}, nil
}

func (p *historicalContextPhase) ValidateOutputs(specDir string) error {
	return requireJSONFields(specDir+"/"+FileGraphHints, "enabled", "hints")
}

// NewRequirementsPhase elicits structured requirements.
func NewRequirementsPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseRequirements,
		outputs: []string{FileRequirements},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			task := ""
			if pc.Requirements != nil {
				task = pc.Requirements.Task
			}
			return fmt.Sprintf(`Turn this task statement into a structured requirements record and write
it as JSON to %s with fields: task (one line), workflow_type
(feature|bugfix|refactor|docs|test), services (optional), context
(optional), created_at (RFC3339).

Task: %s
%s`, pc.ArtifactPath(FileRequirements), task, pc.ContextBlock())
		},
		validate: func(specDir string) error {
			if err := requireJSONFields(specDir+"/"+FileRequirements, "task", "workflow_type"); err != nil {
				return err
			}
			var req Requirements
			data, _ := os.ReadFile(specDir + "/" + FileRequirements)
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			if !ValidWorkflow(req.WorkflowType) {
				return fmt.Errorf("requirements.json: unknown workflow_type %q", req.WorkflowType)
			}
			return nil
		},
	}
}

// complexityPhase runs the assessor and persists its verdict.
type complexityPhase struct {
	assessor *Assessor
}

var _ Phase = (*complexityPhase)(nil)

// NewComplexityPhase creates the assessment phase.
func NewComplexityPhase(assessor *Assessor) Phase {
	return &complexityPhase{assessor: assessor}
}

func (p *complexityPhase) Name() string      { return PhaseComplexityAssessment }
func (p *complexityPhase) Outputs() []string { return []string{FileComplexity} }

func (p *complexityPhase) Run(ctx context.Context, pc *PhaseContext) (*PhaseResult, error) {
	req := pc.Requirements
	if req == nil {
		var loaded Requirements
		data, err := os.ReadFile(pc.ArtifactPath(FileRequirements))
		if err != nil {
			return nil, fmt.Errorf("complexity assessment needs requirements: %w", err)
		}
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, err
		}
		req = &loaded
	}

	index, _ := os.ReadFile(pc.ArtifactPath(FileProjectIndex))
	verdict := p.assessor.Assess(ctx, req, index)
	if err := writeJSONArtifact(pc.ArtifactPath(FileComplexity), verdict); err != nil {
		return nil, err
	}
	return &PhaseResult{Phase: p.Name(), Outputs: p.Outputs()}, nil
}

func (p *complexityPhase) ValidateOutputs(specDir string) error {
	return requireJSONFields(specDir+"/"+FileComplexity, "complexity", "confidence", "reasoning")
}

// NewResearchPhase validates external dependency facts.
func NewResearchPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseResearch,
		outputs: []string{FileResearch},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Research the external dependencies this task touches: confirm library
names, current APIs, and known gotchas. Write JSON to %s with fields
integrations_researched (array of {name, findings[]}), research_skipped
(bool, optional), reason (optional), created_at.
%s`, pc.ArtifactPath(FileResearch), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			return requireJSONFields(specDir+"/"+FileResearch, "integrations_researched")
		},
	}
}

// NewContextPhase locates files to modify and reference.
func NewContextPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseNameContext,
		outputs: []string{FileContext},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Locate the code this task will touch in %s. Write JSON to %s with
fields: task_description, scoped_services (optional), files_to_modify,
files_to_reference, created_at.
%s`, pc.ProjectDir, pc.ArtifactPath(FileContext), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			return requireJSONFields(specDir+"/"+FileContext, "task_description")
		},
	}
}

// NewSpecWritingPhase authors the spec document.
func NewSpecWritingPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseSpecWriting,
		outputs: []string{FileSpec},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Write the specification for this task to %s as markdown. It must contain
the sections "# Overview", "# Architecture", and "# Implementation", and be
grounded in context.json and research.json in the same directory.
%s`, pc.ArtifactPath(FileSpec), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			return validateSpecDoc(specDir + "/" + FileSpec)
		},
	}
}

// NewSelfCritiquePhase reviews and edits the spec.
func NewSelfCritiquePhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhaseSelfCritique,
		outputs: []string{FileCritique},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Critically review %s: look for gaps, contradictions, and missing edge
cases. Fix what you can directly in the spec, then write JSON to %s with
fields issues_found (array), issues_fixed (optional array),
no_issues_found (optional bool), critique_summary, created_at.
%s`, pc.ArtifactPath(FileSpec), pc.ArtifactPath(FileCritique), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			return requireJSONFields(specDir+"/"+FileCritique, "issues_found", "critique_summary")
		},
	}
}

// NewPlanningPhase produces the implementation plan.
func NewPlanningPhase(inv *Invoker) Phase {
	return &promptPhase{
		name:    PhasePlanning,
		outputs: []string{FilePlan},
		invoker: inv,
		prompt: func(pc *PhaseContext) string {
			return fmt.Sprintf(`Produce the implementation plan for the spec at %s and write it as JSON
to %s. Shape: {spec_name, workflow_type, total_phases,
recommended_workers, phases: [{phase|id, name, depends_on[], subtasks:
[{id, description, service, status: "pending", files_to_create[],
files_to_modify[], verification: {type, run?}}]}], metadata:
{created_at}}. Dependencies may only reference earlier phases.
%s`, pc.ArtifactPath(FileSpec), pc.ArtifactPath(FilePlan), pc.ContextBlock())
		},
		validate: func(specDir string) error {
			_, err := LoadPlan(specDir + "/" + FilePlan)
			return err
		},
	}
}

// validationPhase schema-checks every artifact the run produced. No agent.
type validationPhase struct {
	registry *Registry
}

var _ Phase = (*validationPhase)(nil)

// NewValidationPhase creates the final validation phase.
func NewValidationPhase(registry *Registry) Phase {
	return &validationPhase{registry: registry}
}

func (p *validationPhase) Name() string      { return PhaseValidation }
func (p *validationPhase) Outputs() []string { return nil }

func (p *validationPhase) Run(_ context.Context, pc *PhaseContext) (*PhaseResult, error) {
	var failures []string
	for _, name := range p.registry.Names() {
		phase, _ := p.registry.Get(name)
		if phase.Name() == PhaseValidation || len(phase.Outputs()) == 0 {
			continue
		}
		// Only validate phases that actually ran.
		if outputsExist(pc.SpecDir, phase.Outputs()) != nil {
			continue
		}
		if err := phase.ValidateOutputs(pc.SpecDir); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("artifact validation failed: %s", strings.Join(failures, "; "))
	}
	return &PhaseResult{Phase: p.Name()}, nil
}

func (p *validationPhase) ValidateOutputs(string) error { return nil }

// writeJSONArtifact writes v as indented JSON via an atomic rename.
func writeJSONArtifact(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return lockfile.AtomicWrite(path, append(data, '\n'), 0o644)
}
