package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/errors"
)

// scriptedAgent runs a scripted step per invocation; steps usually write
// artifacts the way the real agent would.
type scriptedAgent struct {
	steps []func(req agent.Request) error
	calls int
}

func (s *scriptedAgent) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.steps) {
		if err := s.steps[idx](req); err != nil {
			return nil, err
		}
	}
	return &agent.Result{Content: "done"}, nil
}

// writeFile returns a step that writes one artifact, ignoring the request.
func writeFile(path, content string) func(agent.Request) error {
	return func(agent.Request) error {
		return os.WriteFile(path, []byte(content), 0o644)
	}
}

func newTestExecutor(client agent.Client) (*Executor, *Registry) {
	inv := NewInvoker(client, "sonnet", 0)
	registry := DefaultRegistry(inv, NewAssessor(nil, ""), nil)
	return NewExecutor(registry, NewCompactor(nil), nil), registry
}

func specDirs(t *testing.T) (specDir, projectDir string) {
	t.Helper()
	root := t.TempDir()
	specDir = filepath.Join(root, "specs", "001-task")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	return specDir, root
}

func TestRun_PhaseSucceedsFirstAttempt(t *testing.T) {
	specDir, projectDir := specDirs(t)
	client := &scriptedAgent{steps: []func(agent.Request) error{
		writeFile(filepath.Join(specDir, FileResearch),
			`{"integrations_researched":[],"research_skipped":true,"reason":"none","created_at":"2026-08-24T00:00:00Z"}`),
	}}
	exec, _ := newTestExecutor(client)

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseResearch},
	})
	require.NoError(t, err)
	assert.True(t, report.Completed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 1, report.Results[0].Attempts)
	assert.False(t, report.Results[0].Degraded)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	specDir, projectDir := specDirs(t)
	fail := func(agent.Request) error { return fmt.Errorf("agent crashed") }
	client := &scriptedAgent{steps: []func(agent.Request) error{
		fail,
		writeFile(filepath.Join(specDir, FileResearch),
			`{"integrations_researched":[],"created_at":"2026-08-24T00:00:00Z"}`),
	}}
	exec, _ := newTestExecutor(client)

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseResearch},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Results[0].Attempts)
	assert.Len(t, report.Results[0].Errors, 1)
}

func TestRun_MalformedOutputDegradesToStub(t *testing.T) {
	specDir, projectDir := specDirs(t)
	malformed := writeFile(filepath.Join(specDir, FileResearch), `{broken json`)
	client := &scriptedAgent{steps: []func(agent.Request) error{malformed, malformed, malformed}}
	exec, _ := newTestExecutor(client)

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseResearch},
	})
	require.NoError(t, err, "malformed output must degrade, not abort")
	result := report.Results[0]
	assert.True(t, result.Degraded)
	assert.Contains(t, result.Reason, "stub")

	var research Research
	data, readErr := os.ReadFile(filepath.Join(specDir, FileResearch))
	require.NoError(t, readErr)
	require.NoError(t, json.Unmarshal(data, &research))
	assert.True(t, research.ResearchSkipped)
}

func TestRun_AgentFailureAborts(t *testing.T) {
	specDir, projectDir := specDirs(t)
	fail := func(agent.Request) error { return fmt.Errorf("rate limited") }
	client := &scriptedAgent{steps: []func(agent.Request) error{fail, fail, fail}}
	exec, _ := newTestExecutor(client)

	_, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseResearch},
	})
	require.Error(t, err)
	coreErr := errors.AsCoreError(err)
	require.NotNil(t, coreErr)
	assert.Equal(t, errors.CodePhaseFailed, coreErr.Code)
}

func TestRun_RecoveryRepairsMalformedOutput(t *testing.T) {
	specDir, projectDir := specDirs(t)
	researchPath := filepath.Join(specDir, FileResearch)

	client := &scriptedAgent{steps: []func(agent.Request) error{
		writeFile(researchPath, `{broken`),
	}}
	recoveryAgent := &scriptedAgent{steps: []func(agent.Request) error{
		func(req agent.Request) error {
			if !strings.Contains(req.Prompt, "integrations_researched") {
				return fmt.Errorf("recovery prompt missing schema hint")
			}
			return os.WriteFile(researchPath,
				[]byte(`{"integrations_researched":[],"created_at":"2026-08-24T00:00:00Z"}`), 0o644)
		},
	}}

	inv := NewInvoker(client, "sonnet", 0)
	registry := DefaultRegistry(inv, NewAssessor(nil, ""), nil)
	exec := NewExecutor(registry, NewCompactor(nil), NewInvoker(recoveryAgent, "haiku", 0))

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseResearch},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[0].Attempts)
	assert.False(t, report.Results[0].Degraded)
	assert.Equal(t, 1, recoveryAgent.calls)
}

func TestRun_CompactionFeedsForward(t *testing.T) {
	specDir, projectDir := specDirs(t)
	var secondPrompt string
	client := &scriptedAgent{steps: []func(agent.Request) error{
		writeFile(filepath.Join(specDir, FileResearch),
			`{"integrations_researched":[{"name":"stripe","findings":["uses api v3"]}],"created_at":"2026-08-24T00:00:00Z"}`),
		func(req agent.Request) error {
			secondPrompt = req.Prompt
			return os.WriteFile(filepath.Join(specDir, FileContext),
				[]byte(`{"task_description":"x","created_at":"2026-08-24T00:00:00Z"}`), 0o644)
		},
	}}
	exec, _ := newTestExecutor(client)

	_, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir,
		Phases: []string{PhaseResearch, PhaseNameContext},
	})
	require.NoError(t, err)

	assert.Contains(t, secondPrompt, "Prior phase summaries")
	assert.Contains(t, secondPrompt, "stripe")
	assert.FileExists(t, filepath.Join(specDir, CompactionDir, PhaseResearch+".md"))
}

func TestQuickSpec_SynthesizesPlanWhenAgentOmitsIt(t *testing.T) {
	specDir, projectDir := specDirs(t)
	client := &scriptedAgent{steps: []func(agent.Request) error{
		writeFile(filepath.Join(specDir, FileSpec),
			"# Overview\nsmall fix\n\n# Architecture\nnone\n\n# Implementation\nedit one file\n"),
	}}
	exec, _ := newTestExecutor(client)

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir,
		Phases:       []string{PhaseQuickSpec},
		Requirements: &Requirements{Task: "small fix", WorkflowType: WorkflowBugfix},
	})
	require.NoError(t, err)
	assert.Contains(t, report.Results[0].Reason, "synthetic")

	plan, err := LoadPlan(filepath.Join(specDir, FilePlan))
	require.NoError(t, err)
	assert.Equal(t, WorkflowBugfix, plan.WorkflowType)
	assert.Equal(t, 1, plan.TotalPhases)
}

func TestRemainingPhases(t *testing.T) {
	rest := remainingPhases([]string{
		PhaseDiscovery, PhaseHistoricalContext, PhaseQuickSpec, PhaseValidation,
	})
	assert.Equal(t, []string{PhaseQuickSpec, PhaseValidation}, rest)
}

func TestHistoricalContext_DegradesWithoutMemory(t *testing.T) {
	specDir, projectDir := specDirs(t)
	exec, _ := newTestExecutor(&scriptedAgent{})

	report, err := exec.Run(context.Background(), RunOptions{
		SpecDir: specDir, ProjectDir: projectDir, Phases: []string{PhaseHistoricalContext},
	})
	require.NoError(t, err)
	assert.False(t, report.Results[0].Degraded)

	var hints GraphHints
	data, readErr := os.ReadFile(filepath.Join(specDir, FileGraphHints))
	require.NoError(t, readErr)
	require.NoError(t, json.Unmarshal(data, &hints))
	assert.False(t, hints.Enabled)
	assert.Empty(t, hints.Hints)
	assert.NotEmpty(t, hints.Reason)
}
