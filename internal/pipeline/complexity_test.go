package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/agent"
)

func TestHeuristic_SimpleTier(t *testing.T) {
	verdict := HeuristicAssessment(&Requirements{
		Task: "Fix typo in README.md",
	})
	assert.Equal(t, TierSimple, verdict.Complexity)
	assert.False(t, verdict.NeedsResearch)
	assert.False(t, verdict.NeedsSelfCritique)
}

func TestHeuristic_ComplexTier(t *testing.T) {
	t.Run("two integrations", func(t *testing.T) {
		verdict := HeuristicAssessment(&Requirements{
			Task: "Add stripe billing with webhook callbacks",
		})
		assert.Equal(t, TierComplex, verdict.Complexity)
		assert.Len(t, verdict.ExternalIntegrations, 2)
		assert.True(t, verdict.NeedsResearch)
	})

	t.Run("infrastructure change", func(t *testing.T) {
		verdict := HeuristicAssessment(&Requirements{
			Task: "Move the build to docker",
		})
		assert.Equal(t, TierComplex, verdict.Complexity)
		assert.True(t, verdict.InfrastructureChanges)
	})

	t.Run("three services", func(t *testing.T) {
		verdict := HeuristicAssessment(&Requirements{
			Task:     "Update logging format",
			Services: []string{"api", "worker", "billing"},
		})
		assert.Equal(t, TierComplex, verdict.Complexity)
	})

	t.Run("three complex keywords", func(t *testing.T) {
		verdict := HeuristicAssessment(&Requirements{
			Task: "Refactor the authentication layer and its caching during the migration",
		})
		assert.Equal(t, TierComplex, verdict.Complexity)
		assert.True(t, verdict.NeedsSelfCritique)
	})
}

func TestHeuristic_StandardTier(t *testing.T) {
	verdict := HeuristicAssessment(&Requirements{
		Task: "Add pagination to the users endpoint",
	})
	assert.Equal(t, TierStandard, verdict.Complexity)
}

func TestPhasesForTier(t *testing.T) {
	t.Run("explicit set wins", func(t *testing.T) {
		phases := PhasesForTier(&ComplexityAssessment{
			Complexity:  TierComplex,
			PhasesToRun: []string{PhaseNameContext, PhasePlanning},
		})
		assert.Equal(t, []string{PhaseNameContext, PhasePlanning}, phases)
	})

	t.Run("simple uses quick spec", func(t *testing.T) {
		phases := PhasesForTier(&ComplexityAssessment{Complexity: TierSimple})
		assert.Contains(t, phases, PhaseQuickSpec)
		assert.NotContains(t, phases, PhaseSpecWriting)
		assert.NotContains(t, phases, PhasePlanning)
	})

	t.Run("standard includes research only when needed", func(t *testing.T) {
		without := PhasesForTier(&ComplexityAssessment{Complexity: TierStandard})
		assert.NotContains(t, without, PhaseResearch)

		with := PhasesForTier(&ComplexityAssessment{Complexity: TierStandard, NeedsResearch: true})
		assert.Contains(t, with, PhaseResearch)
	})

	t.Run("complex runs everything", func(t *testing.T) {
		phases := PhasesForTier(&ComplexityAssessment{Complexity: TierComplex})
		assert.Contains(t, phases, PhaseResearch)
		assert.Contains(t, phases, PhaseSelfCritique)
	})
}

func TestAssess_AIPathWithHeuristicFallback(t *testing.T) {
	req := &Requirements{Task: "Add pagination to the users endpoint"}

	t.Run("valid AI verdict wins", func(t *testing.T) {
		stub := &stubAgent{content: `Here is my verdict:
{"complexity":"complex","confidence":0.9,"reasoning":"touches storage engine",
 "estimated_files":12,"estimated_services":1,"external_integrations":[],
 "infrastructure_changes":false,"needs_research":true,"needs_self_critique":true}`}
		verdict := NewAssessor(stub, "sonnet").Assess(context.Background(), req, nil)
		assert.Equal(t, TierComplex, verdict.Complexity)
		assert.InDelta(t, 0.9, verdict.Confidence, 1e-9)
	})

	t.Run("agent failure falls back", func(t *testing.T) {
		verdict := NewAssessor(&stubAgent{err: errors.New("down")}, "sonnet").
			Assess(context.Background(), req, nil)
		assert.Equal(t, TierStandard, verdict.Complexity)
	})

	t.Run("malformed verdict falls back", func(t *testing.T) {
		verdict := NewAssessor(&stubAgent{content: "not json"}, "sonnet").
			Assess(context.Background(), req, nil)
		assert.Equal(t, TierStandard, verdict.Complexity)
	})

	t.Run("unknown tier falls back", func(t *testing.T) {
		verdict := NewAssessor(&stubAgent{content: `{"complexity":"enormous","confidence":1,"reasoning":"x"}`}, "sonnet").
			Assess(context.Background(), req, nil)
		assert.Equal(t, TierStandard, verdict.Complexity)
	})

	t.Run("nil client is pure heuristic", func(t *testing.T) {
		verdict := NewAssessor(nil, "").Assess(context.Background(), req, nil)
		require.NotNil(t, verdict)
		assert.Equal(t, TierStandard, verdict.Complexity)
	})
}

// stubAgent returns a scripted response for every invocation.
type stubAgent struct {
	content string
	err     error
	calls   []agent.Request
}

func (s *stubAgent) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &agent.Result{Content: s.content}, nil
}
