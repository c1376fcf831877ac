// Package pipeline generates a task's spec bundle: an ordered, complexity-
// adaptive sequence of agent-driven phases with per-phase retry, recovery,
// and inter-phase compaction.
package pipeline

import "time"

// Artifact filenames inside a spec directory.
const (
	FileRequirements = "requirements.json"
	FileProjectIndex = "project_index.json"
	FileGraphHints   = "graph_hints.json"
	FileComplexity   = "complexity_assessment.json"
	FileResearch     = "research.json"
	FileContext      = "context.json"
	FileSpec         = "spec.md"
	FileCritique     = "critique_report.json"
	FilePlan         = "implementation_plan.json"
	FileHumanInput   = "HUMAN_INPUT.md"
	FileFollowup     = "FOLLOWUP_REQUEST.md"
	FileCommitMsg    = "suggested_commit_message.txt"

	// CompactionDir holds per-phase summaries inside the spec dir.
	CompactionDir = "compaction"
)

// WorkflowType classifies what kind of change a task is.
type WorkflowType string

const (
	WorkflowFeature  WorkflowType = "feature"
	WorkflowBugfix   WorkflowType = "bugfix"
	WorkflowRefactor WorkflowType = "refactor"
	WorkflowDocs     WorkflowType = "docs"
	WorkflowTest     WorkflowType = "test"
)

// ValidWorkflow reports whether w is a known workflow type.
func ValidWorkflow(w WorkflowType) bool {
	switch w {
	case WorkflowFeature, WorkflowBugfix, WorkflowRefactor, WorkflowDocs, WorkflowTest:
		return true
	}
	return false
}

// Requirements is the structured task statement.
type Requirements struct {
	Task         string       `json:"task"`
	WorkflowType WorkflowType `json:"workflow_type"`
	Services     []string     `json:"services,omitempty"`
	Context      string       `json:"context,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ContextRecord locates the code a task will touch.
type ContextRecord struct {
	TaskDescription  string    `json:"task_description"`
	ScopedServices   []string  `json:"scoped_services,omitempty"`
	FilesToModify    []string  `json:"files_to_modify,omitempty"`
	FilesToReference []string  `json:"files_to_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Research records validated facts about external dependencies.
type Research struct {
	IntegrationsResearched []ResearchedIntegration `json:"integrations_researched"`
	ResearchSkipped        bool                    `json:"research_skipped,omitempty"`
	Reason                 string                  `json:"reason,omitempty"`
	CreatedAt              time.Time               `json:"created_at"`
}

// ResearchedIntegration is one external dependency's validated facts.
type ResearchedIntegration struct {
	Name     string   `json:"name"`
	Findings []string `json:"findings,omitempty"`
}

// GraphHints carries insights from the optional memory service.
type GraphHints struct {
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	Hints     []string  `json:"hints"`
	CreatedAt time.Time `json:"created_at"`
}

// CritiqueReport is the self-critique phase's output.
type CritiqueReport struct {
	IssuesFound     []string  `json:"issues_found"`
	IssuesFixed     []string  `json:"issues_fixed,omitempty"`
	NoIssuesFound   bool      `json:"no_issues_found,omitempty"`
	CritiqueSummary string    `json:"critique_summary"`
	CreatedAt       time.Time `json:"created_at"`
}

// Tier is a task's assessed complexity.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
)

// ComplexityAssessment is the verdict that selects the phase set.
type ComplexityAssessment struct {
	Complexity            Tier      `json:"complexity"`
	Confidence            float64   `json:"confidence"`
	Reasoning             string    `json:"reasoning"`
	Signals               []string  `json:"signals,omitempty"`
	EstimatedFiles        int       `json:"estimated_files"`
	EstimatedServices     int       `json:"estimated_services"`
	ExternalIntegrations  []string  `json:"external_integrations"`
	InfrastructureChanges bool      `json:"infrastructure_changes"`
	PhasesToRun           []string  `json:"phases_to_run,omitempty"`
	NeedsResearch         bool      `json:"needs_research"`
	NeedsSelfCritique     bool      `json:"needs_self_critique"`
	CreatedAt             time.Time `json:"created_at"`
}
