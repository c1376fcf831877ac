package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/autoclaude/autoclaude/internal/agent"
)

// Keyword classes for the heuristic classifier. Matching is case-insensitive
// on word boundaries.
var (
	simpleKeywords = []string{
		"typo", "rename", "comment", "readme", "docs", "wording", "label",
		"spacing", "color", "colour", "tweak", "bump", "copy change",
	}
	complexKeywords = []string{
		"migration", "migrate", "refactor", "architecture", "redesign",
		"concurrency", "concurrent", "distributed", "authentication",
		"authorization", "caching", "protocol", "scheduler", "encryption",
		"real-time", "realtime", "transaction", "backfill",
	}
	multiServiceKeywords = []string{
		"across services", "all services", "every service", "cross-service",
		"end-to-end", "multiple services",
	}
)

// integrationPatterns detect external integrations in a task statement.
var integrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(stripe|paypal|braintree)\b`),
	regexp.MustCompile(`(?i)\boauth2?\b`),
	regexp.MustCompile(`(?i)\bwebhooks?\b`),
	regexp.MustCompile(`(?i)\b(aws|s3|sqs|sns|dynamodb|lambda)\b`),
	regexp.MustCompile(`(?i)\b(gcp|bigquery|pubsub|gcs)\b`),
	regexp.MustCompile(`(?i)\b(kafka|rabbitmq|nats)\b`),
	regexp.MustCompile(`(?i)\b(redis|memcached)\b`),
	regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb)\b`),
	regexp.MustCompile(`(?i)\b(graphql|grpc)\b`),
	regexp.MustCompile(`(?i)\b(elasticsearch|opensearch)\b`),
	regexp.MustCompile(`(?i)\b(twilio|sendgrid|mailgun)\b`),
	regexp.MustCompile(`(?i)\b(slack|discord) (api|bot|integration)\b`),
	regexp.MustCompile(`(?i)\bthird.party api\b`),
}

// infraPatterns detect infrastructure-change signals.
var infraPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(docker|dockerfile|container)\b`),
	regexp.MustCompile(`(?i)\b(kubernetes|k8s|helm)\b`),
	regexp.MustCompile(`(?i)\b(terraform|cloudformation|pulumi)\b`),
	regexp.MustCompile(`(?i)\bci\b.{0,20}\b(pipeline|workflow)\b`),
	regexp.MustCompile(`(?i)\b(deploy|deployment|infrastructure)\b`),
	regexp.MustCompile(`(?i)\b(nginx|load balancer|ingress)\b`),
}

var filePathPattern = regexp.MustCompile(`[\w./-]+/[\w.-]+\.\w{1,5}|\b[\w-]+\.\w{1,5}\b`)

// Assessor picks a tier and phase set for a task. The AI path is preferred;
// the heuristic is both its fallback and an independent classifier.
type Assessor struct {
	client agent.Client
	model  string
	logger *slog.Logger
}

// NewAssessor creates a complexity assessor. A nil client forces the
// heuristic path.
func NewAssessor(client agent.Client, model string) *Assessor {
	return &Assessor{client: client, model: model, logger: slog.Default()}
}

// Assess produces the complexity verdict for a requirements record, given the
// raw project index JSON (may be empty).
func (a *Assessor) Assess(ctx context.Context, req *Requirements, projectIndex []byte) *ComplexityAssessment {
	if a.client != nil {
		if verdict, err := a.assessAI(ctx, req, projectIndex); err == nil {
			return verdict
		} else {
			a.logger.Warn("AI complexity assessment failed, using heuristic", "error", err)
		}
	}
	return HeuristicAssessment(req)
}

// assessAI asks the agent for a JSON verdict.
func (a *Assessor) assessAI(ctx context.Context, req *Requirements, projectIndex []byte) (*ComplexityAssessment, error) {
	prompt := fmt.Sprintf(`Classify the complexity of this task as one of: simple, standard, complex.

Task: %s
Workflow: %s
Services: %s
Extra context: %s

Project index (may be empty):
%s

Respond with only a JSON object:
{"complexity": "...", "confidence": 0.0-1.0, "reasoning": "...",
 "signals": [...], "estimated_files": n, "estimated_services": n,
 "external_integrations": [...], "infrastructure_changes": bool,
 "phases_to_run": [...], "needs_research": bool, "needs_self_critique": bool}`,
		req.Task, req.WorkflowType, strings.Join(req.Services, ", "), req.Context,
		clip(string(projectIndex), 8*1024))

	res, err := a.client.Invoke(ctx, agent.Request{Prompt: prompt, Model: a.model, MaxTurns: 1})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("agent error: %s", res.ErrorText)
	}

	var verdict ComplexityAssessment
	if err := json.Unmarshal([]byte(extractJSON(res.Content)), &verdict); err != nil {
		return nil, fmt.Errorf("malformed verdict: %w", err)
	}
	switch verdict.Complexity {
	case TierSimple, TierStandard, TierComplex:
	default:
		return nil, fmt.Errorf("unknown tier %q", verdict.Complexity)
	}
	verdict.CreatedAt = time.Now().UTC()
	return &verdict, nil
}

// HeuristicAssessment classifies without an agent.
//
// simple requires: ≤2 files, 1 service, no integrations, no infra change, at
// least one simple keyword and no complex keywords. complex requires any of:
// ≥2 integrations, infra change, ≥3 services, ≥10 files, ≥3 complex keywords.
// Everything else is standard.
func HeuristicAssessment(req *Requirements) *ComplexityAssessment {
	text := strings.ToLower(req.Task + " " + req.Context)

	simpleHits := countKeywords(text, simpleKeywords)
	complexHits := countKeywords(text, complexKeywords)

	var integrations []string
	for _, p := range integrationPatterns {
		if m := p.FindString(text); m != "" {
			integrations = append(integrations, strings.ToLower(m))
		}
	}

	infra := false
	var signals []string
	for _, p := range infraPatterns {
		if m := p.FindString(text); m != "" {
			infra = true
			signals = append(signals, "infra:"+strings.ToLower(m))
		}
	}

	files := estimateFiles(text, complexHits)
	services := estimateServices(req, text)

	verdict := &ComplexityAssessment{
		Confidence:            0.6, // heuristics are advisory
		EstimatedFiles:        files,
		EstimatedServices:     services,
		ExternalIntegrations:  integrations,
		InfrastructureChanges: infra,
		Signals:               signals,
		CreatedAt:             time.Now().UTC(),
	}

	switch {
	case len(integrations) >= 2 || infra || services >= 3 || files >= 10 || complexHits >= 3:
		verdict.Complexity = TierComplex
		verdict.Reasoning = fmt.Sprintf(
			"heuristic: %d integrations, infra=%t, %d services, ~%d files, %d complex keywords",
			len(integrations), infra, services, files, complexHits)
	case files <= 2 && services == 1 && len(integrations) == 0 && !infra &&
		simpleHits > 0 && complexHits == 0:
		verdict.Complexity = TierSimple
		verdict.Reasoning = fmt.Sprintf("heuristic: small scoped change (%d simple keywords)", simpleHits)
	default:
		verdict.Complexity = TierStandard
		verdict.Reasoning = "heuristic: no strong simple or complex signals"
	}

	verdict.NeedsResearch = len(integrations) > 0
	verdict.NeedsSelfCritique = verdict.Complexity == TierComplex
	return verdict
}

// PhasesForTier returns the default phase order when the assessment did not
// name an explicit set.
func PhasesForTier(verdict *ComplexityAssessment) []string {
	if len(verdict.PhasesToRun) > 0 {
		return verdict.PhasesToRun
	}
	switch verdict.Complexity {
	case TierSimple:
		return []string{PhaseDiscovery, PhaseHistoricalContext, PhaseQuickSpec, PhaseValidation}
	case TierComplex:
		return []string{
			PhaseDiscovery, PhaseHistoricalContext, PhaseRequirements,
			PhaseComplexityAssessment, PhaseResearch, PhaseNameContext,
			PhaseSpecWriting, PhaseSelfCritique, PhasePlanning, PhaseValidation,
		}
	default:
		phases := []string{PhaseDiscovery, PhaseHistoricalContext, PhaseRequirements}
		if verdict.NeedsResearch {
			phases = append(phases, PhaseResearch)
		}
		return append(phases,
			PhaseNameContext, PhaseSpecWriting, PhasePlanning, PhaseValidation)
	}
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// estimateFiles counts distinct path-like tokens, padded when complexity
// keywords suggest broad changes.
func estimateFiles(text string, complexHits int) int {
	paths := make(map[string]bool)
	for _, m := range filePathPattern.FindAllString(text, -1) {
		if strings.Contains(m, ".") {
			paths[m] = true
		}
	}
	n := len(paths)
	if n == 0 {
		n = 1
	}
	return n + 3*complexHits
}

func estimateServices(req *Requirements, text string) int {
	if len(req.Services) > 0 {
		return len(req.Services)
	}
	if countKeywords(text, multiServiceKeywords) > 0 {
		return 3
	}
	return 1
}

// extractJSON pulls the first top-level JSON object out of agent prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}

// clip truncates s to at most n bytes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n…[truncated]"
}
