package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autoclaude/autoclaude/internal/errors"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// maxPhaseAttempts is the per-phase retry budget.
const maxPhaseAttempts = 3

// Executor runs an ordered phase set against one spec directory.
type Executor struct {
	registry  *Registry
	compactor *Compactor
	recovery  *Invoker // sub-agent for malformed-output repair; may be nil
	logger    *slog.Logger
}

// NewExecutor creates a pipeline executor.
func NewExecutor(registry *Registry, compactor *Compactor, recovery *Invoker) *Executor {
	return &Executor{
		registry:  registry,
		compactor: compactor,
		recovery:  recovery,
		logger:    slog.Default(),
	}
}

// RunOptions configures one pipeline run.
type RunOptions struct {
	SpecDir      string
	ProjectDir   string
	Phases       []string
	Requirements *Requirements
	// Extras adds per-run prompt context.
	Extras map[string]string
}

// RunReport is the outcome of a pipeline run.
type RunReport struct {
	Completed bool          `json:"completed"`
	Results   []PhaseResult `json:"results"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run executes the phases in order. A phase succeeds when its outputs exist
// and validate; each phase gets maxPhaseAttempts tries, with malformed-output
// recovery in between. Persistent malformed output degrades to a minimal
// stub; any other terminal failure aborts the run.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	start := time.Now()
	summaries, order := LoadSummaries(opts.SpecDir)
	pc := &PhaseContext{
		SpecDir:      opts.SpecDir,
		ProjectDir:   opts.ProjectDir,
		Requirements: opts.Requirements,
		Summaries:    summaries,
		SummaryOrder: order,
		Extras:       opts.Extras,
	}

	report := &RunReport{}
	for _, name := range opts.Phases {
		phase, ok := e.registry.Get(name)
		if !ok {
			return report, fmt.Errorf("unknown phase %q", name)
		}

		result, err := e.runPhase(ctx, phase, pc)
		report.Results = append(report.Results, *result)
		if err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}

		if summary := e.compactor.Compact(ctx, opts.SpecDir, name, phase.Outputs()); summary != "" {
			pc.Summaries[name] = summary
			pc.SummaryOrder = append(pc.SummaryOrder, name)
		}

		// Later phases see requirements produced mid-run.
		if name == PhaseRequirements || name == PhaseQuickSpec {
			pc.Requirements = loadRequirements(opts.SpecDir, pc.Requirements)
		}
	}

	report.Completed = true
	report.Elapsed = time.Since(start)
	return report, nil
}

// runPhase drives one phase through its retry budget.
func (e *Executor) runPhase(ctx context.Context, phase Phase, pc *PhaseContext) (*PhaseResult, error) {
	result := &PhaseResult{Phase: phase.Name(), Outputs: phase.Outputs()}
	var lastMalformed bool

	for attempt := 1; attempt <= maxPhaseAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempts = attempt
		e.logger.Info("running phase", "phase", phase.Name(), "attempt", attempt)

		_, runErr := phase.Run(ctx, pc)
		if runErr != nil {
			result.Errors = append(result.Errors, runErr.Error())
			lastMalformed = false
			continue
		}

		valErr := phase.ValidateOutputs(pc.SpecDir)
		if valErr == nil {
			e.logger.Info("phase complete", "phase", phase.Name(), "attempts", attempt)
			return result, nil
		}
		result.Errors = append(result.Errors, valErr.Error())
		lastMalformed = true

		// Give a recovery sub-agent one shot at repairing the artifacts
		// before burning the next full attempt.
		if e.recovery != nil {
			if err := e.recoverOutputs(ctx, phase, pc, valErr); err == nil {
				if phase.ValidateOutputs(pc.SpecDir) == nil {
					e.logger.Info("phase recovered after repair", "phase", phase.Name())
					return result, nil
				}
			}
		}
	}

	// Malformed output degrades to a stub; procedural invariants hold even
	// if quality drops. Everything else aborts.
	if lastMalformed && e.writeStubs(pc, phase) {
		result.Degraded = true
		result.Reason = fmt.Sprintf("output malformed after %d attempts; minimal stub written", maxPhaseAttempts)
		e.logger.Warn("phase degraded to stub output",
			"phase", phase.Name(), "errors", strings.Join(result.Errors, "; "))
		return result, nil
	}
	return result, errors.ErrPhaseFailed(phase.Name(), maxPhaseAttempts).
		WithCause(fmt.Errorf("%s", strings.Join(result.Errors, "; ")))
}

// recoverOutputs asks the recovery sub-agent to repair malformed artifacts
// in place, giving it the malformed content and the expected shape.
func (e *Executor) recoverOutputs(ctx context.Context, phase Phase, pc *PhaseContext, valErr error) error {
	var b strings.Builder
	fmt.Fprintf(&b, `A pipeline phase produced malformed output. Repair the files in place so
they match their expected shape. Validation error: %v
`, valErr)
	for _, name := range phase.Outputs() {
		path := pc.ArtifactPath(name)
		content, _ := os.ReadFile(path)
		fmt.Fprintf(&b, "\nFile: %s\nExpected shape: %s\nCurrent content:\n%s\n",
			path, schemaHint(name), clip(string(content), maxSourceBytes))
	}
	return e.recovery.RunPrompt(ctx, pc, b.String())
}

// writeStubs writes a minimal valid artifact for each missing or malformed
// output. Returns false when some output has no stub form.
func (e *Executor) writeStubs(pc *PhaseContext, phase Phase) bool {
	for _, name := range phase.Outputs() {
		stub, ok := stubFor(name, pc)
		if !ok {
			return false
		}
		if err := writeArtifactBytes(pc.ArtifactPath(name), stub); err != nil {
			e.logger.Warn("failed to write stub artifact", "file", name, "error", err)
			return false
		}
	}
	return phase.ValidateOutputs(pc.SpecDir) == nil
}

// stubFor returns the minimal valid content for an artifact.
func stubFor(name string, pc *PhaseContext) ([]byte, bool) {
	now := time.Now().UTC()
	task := ""
	workflow := WorkflowFeature
	if pc.Requirements != nil {
		task = pc.Requirements.Task
		if ValidWorkflow(pc.Requirements.WorkflowType) {
			workflow = pc.Requirements.WorkflowType
		}
	}

	switch name {
	case FileProjectIndex:
		return []byte("{}\n"), true
	case FileGraphHints:
		return mustJSON(GraphHints{Reason: "stubbed after malformed output", Hints: []string{}, CreatedAt: now}), true
	case FileRequirements:
		return mustJSON(Requirements{Task: task, WorkflowType: workflow, CreatedAt: now}), true
	case FileComplexity:
		return mustJSON(ComplexityAssessment{
			Complexity: TierStandard, Confidence: 0,
			Reasoning:            "stubbed after malformed output",
			ExternalIntegrations: []string{}, CreatedAt: now,
		}), true
	case FileResearch:
		return mustJSON(Research{
			IntegrationsResearched: []ResearchedIntegration{},
			ResearchSkipped:        true,
			Reason:                 "stubbed after malformed output",
			CreatedAt:              now,
		}), true
	case FileContext:
		return mustJSON(ContextRecord{TaskDescription: task, CreatedAt: now}), true
	case FileCritique:
		return mustJSON(CritiqueReport{
			IssuesFound:     []string{},
			NoIssuesFound:   true,
			CritiqueSummary: "stubbed after malformed output",
			CreatedAt:       now,
		}), true
	case FileSpec:
		doc := fmt.Sprintf("# Overview\n\n%s\n\n# Architecture\n\nTo be determined.\n\n# Implementation\n\nTo be determined.\n", task)
		return []byte(doc), true
	case FilePlan:
		return mustJSON(SyntheticPlan(filepath.Base(pc.SpecDir), workflow)), true
	}
	return nil, false
}

// schemaHint describes an artifact's expected shape for the recovery agent.
func schemaHint(name string) string {
	switch name {
	case FileRequirements:
		return `JSON {task, workflow_type ∈ feature|bugfix|refactor|docs|test, services?, context?, created_at}`
	case FileComplexity:
		return `JSON {complexity ∈ simple|standard|complex, confidence, reasoning, estimated_files, estimated_services, external_integrations[], infrastructure_changes, phases_to_run?, needs_research, needs_self_critique, created_at}`
	case FileResearch:
		return `JSON {integrations_researched: [{name, findings[]}], research_skipped?, reason?, created_at}`
	case FileContext:
		return `JSON {task_description, scoped_services?, files_to_modify[], files_to_reference[], created_at}`
	case FileCritique:
		return `JSON {issues_found[], issues_fixed?, no_issues_found?, critique_summary, created_at}`
	case FilePlan:
		return `JSON {spec_name, workflow_type, total_phases, recommended_workers, phases: [{phase|id, name, depends_on[], subtasks: [{id, description, service?, status, verification}]}], metadata}`
	case FileSpec:
		return `markdown with sections "# Overview", "# Architecture", "# Implementation"`
	case FileGraphHints:
		return `JSON {enabled, reason?, hints[], created_at}`
	default:
		return "valid JSON"
	}
}

func loadRequirements(specDir string, fallback *Requirements) *Requirements {
	data, err := os.ReadFile(filepath.Join(specDir, FileRequirements))
	if err != nil {
		return fallback
	}
	var req Requirements
	if err := json.Unmarshal(data, &req); err != nil || req.Task == "" {
		return fallback
	}
	return &req
}

func mustJSON(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// Stub types marshal unconditionally; this cannot happen at runtime.
		panic(err)
	}
	return append(data, '\n')
}

func writeArtifactBytes(path string, data []byte) error {
	return lockfile.AtomicWrite(path, data, 0o644)
}
