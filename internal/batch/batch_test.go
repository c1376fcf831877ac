package batch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/hosting"
)

// scriptedAgent answers grouping prompts from group and validation prompts
// from validate.
type scriptedAgent struct {
	group    func(prompt string) (string, error)
	validate func(prompt string) (string, error)
	calls    []string
}

func (s *scriptedAgent) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	s.calls = append(s.calls, req.Prompt)
	var fn func(string) (string, error)
	if strings.HasPrefix(req.Prompt, "Validate") {
		fn = s.validate
	} else {
		fn = s.group
	}
	if fn == nil {
		return nil, fmt.Errorf("unexpected prompt")
	}
	content, err := fn(req.Prompt)
	if err != nil {
		return nil, err
	}
	return &agent.Result{Content: content}, nil
}

func labeled(number int, title string, labels ...string) hosting.Issue {
	return hosting.Issue{Number: number, Title: title, State: "open", Labels: labels}
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, "label:bug", bucketFor(&hosting.Issue{Number: 1, Labels: []string{"Bug", "ui"}}))
	assert.Equal(t, "label:bug", bucketFor(&hosting.Issue{Number: 2, Labels: []string{"security", "bug"}}),
		"label set order wins over label order on the issue")
	assert.Equal(t, "label:security", bucketFor(&hosting.Issue{Number: 5, Labels: []string{"security"}}))
	assert.Equal(t, "keyword:auth", bucketFor(&hosting.Issue{Number: 3, Title: "OAuth login broken"}))
	assert.Equal(t, "singleton:4", bucketFor(&hosting.Issue{Number: 4, Title: "something odd"}))
}

func TestGroupIssues_SingletonsSkipModel(t *testing.T) {
	a := &scriptedAgent{}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "weird behavior"),
		labeled(2, "another odd thing"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Empty(t, a.calls, "singleton buckets never reach the model")
	for _, p := range got {
		assert.Len(t, p.IssueNumbers, 1)
	}
}

func TestGroupIssues_ModelPartitionsBucket(t *testing.T) {
	a := &scriptedAgent{
		group: func(string) (string, error) {
			return `{"batches": [
				{"theme": "login crashes", "reasoning": "same stack", "confidence": 0.9, "issue_numbers": [1, 2]},
				{"theme": "token refresh", "reasoning": "distinct", "confidence": 0.8, "issue_numbers": [3]}
			]}`, nil
		},
		validate: func(string) (string, error) {
			return `{"is_valid": true, "confidence": 0.95, "reasoning": "ok", "common_theme": "login crash cluster"}`, nil
		},
	}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "login crash", "bug"),
		labeled(2, "crash on login", "bug"),
		labeled(3, "token refresh fails", "bug"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int{1, 2}, got[0].IssueNumbers)
	assert.Equal(t, "login crash cluster", got[0].Theme)
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9)
	assert.Equal(t, []int{3}, got[1].IssueNumbers)
}

func TestGroupIssues_InvalidBatchUsesSuggestedSplits(t *testing.T) {
	a := &scriptedAgent{
		group: func(string) (string, error) {
			return `{"batches": [{"theme": "everything", "reasoning": "", "confidence": 0.5, "issue_numbers": [1, 2, 3, 4]}]}`, nil
		},
		validate: func(string) (string, error) {
			return `{"is_valid": false, "confidence": 0.7, "reasoning": "two themes", "suggested_splits": [[1, 2], [3, 4]]}`, nil
		},
	}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "a", "bug"), labeled(2, "b", "bug"),
		labeled(3, "c", "bug"), labeled(4, "d", "bug"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int{1, 2}, got[0].IssueNumbers)
	assert.Equal(t, []int{3, 4}, got[1].IssueNumbers)
}

func TestGroupIssues_InvalidWithoutSplitsGoesSingleton(t *testing.T) {
	a := &scriptedAgent{
		group: func(string) (string, error) {
			return `{"batches": [{"theme": "mixed", "reasoning": "", "confidence": 0.4, "issue_numbers": [1, 2]}]}`, nil
		},
		validate: func(string) (string, error) {
			return `{"is_valid": false, "confidence": 0.6, "reasoning": "unrelated", "suggested_splits": []}`, nil
		},
	}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "a", "bug"), labeled(2, "b", "bug"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestGroupIssues_AgentFailureDegradesToSingletons(t *testing.T) {
	a := &scriptedAgent{
		group: func(string) (string, error) { return "", fmt.Errorf("model unavailable") },
	}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "a", "bug"), labeled(2, "b", "bug"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Contains(t, p.Reasoning, "degraded")
	}
}

func TestGroupIssues_DroppedIssuesBecomeSingletons(t *testing.T) {
	a := &scriptedAgent{
		group: func(string) (string, error) {
			// Model forgets #3 and invents #99.
			return `{"batches": [{"theme": "t", "reasoning": "", "confidence": 0.9, "issue_numbers": [1, 2, 99]}]}`, nil
		},
		validate: func(string) (string, error) {
			return `{"is_valid": true, "confidence": 0.9, "reasoning": "ok"}`, nil
		},
	}
	g := NewGrouper(a, "test-model")

	got, err := g.GroupIssues(context.Background(), []hosting.Issue{
		labeled(1, "a", "bug"), labeled(2, "b", "bug"), labeled(3, "c", "bug"),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int{1, 2}, got[0].IssueNumbers)
	assert.Equal(t, []int{3}, got[1].IssueNumbers)
}

func TestStore_CreateEnforcesExclusivity(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Create([]*Batch{
		{Theme: "first", IssueNumbers: []int{1, 2}},
	}))

	err := s.Create([]*Batch{{Theme: "second", IssueNumbers: []int{2, 3}}})
	require.ErrorContains(t, err, "already in batch")

	// Nothing from the failed create landed in the index.
	owner, err := s.BatchFor(3)
	require.NoError(t, err)
	assert.Empty(t, owner)

	owner, err = s.BatchFor(2)
	require.NoError(t, err)
	assert.NotEmpty(t, owner)
}

func TestStore_CreateRejectsInternalOverlap(t *testing.T) {
	s := NewStore(t.TempDir())
	err := s.Create([]*Batch{
		{Theme: "a", IssueNumbers: []int{1}},
		{Theme: "b", IssueNumbers: []int{1}},
	})
	assert.ErrorContains(t, err, "claimed by both")
}

func TestStore_TransitionFollowsLifecycle(t *testing.T) {
	s := NewStore(t.TempDir())
	b := &Batch{Theme: "t", IssueNumbers: []int{1}}
	require.NoError(t, s.Create([]*Batch{b}))

	_, err := s.Transition(b.ID, StatusAnalyzing, nil)
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusCreatingSpec, nil)
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusBuilding, func(b *Batch) { b.SpecName = "001-fix" })
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusQAReview, nil)
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusPRCreated, func(b *Batch) { b.PRNumber = 42 })
	require.NoError(t, err)
	got, err := s.Transition(b.ID, StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, "001-fix", got.SpecName)
	assert.Equal(t, 42, got.PRNumber)

	// Terminal states are write-once.
	_, err = s.Transition(b.ID, StatusFailed, nil)
	assert.ErrorContains(t, err, "illegal transition")
}

func TestStore_TransitionRejectsStageSkipsMidLifecycle(t *testing.T) {
	s := NewStore(t.TempDir())
	b := &Batch{Theme: "t", IssueNumbers: []int{1}}
	require.NoError(t, s.Create([]*Batch{b}))

	_, err := s.Transition(b.ID, StatusAnalyzing, nil)
	require.NoError(t, err)

	// analyzing cannot jump over creating_spec, and building cannot jump
	// over qa_review.
	_, err = s.Transition(b.ID, StatusBuilding, nil)
	assert.ErrorContains(t, err, "illegal transition")

	_, err = s.Transition(b.ID, StatusCreatingSpec, nil)
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusBuilding, nil)
	require.NoError(t, err)
	_, err = s.Transition(b.ID, StatusPRCreated, nil)
	assert.ErrorContains(t, err, "illegal transition")
}

func TestStore_TransitionRejectsSkips(t *testing.T) {
	s := NewStore(t.TempDir())
	b := &Batch{Theme: "t", IssueNumbers: []int{1}}
	require.NoError(t, s.Create([]*Batch{b}))

	_, err := s.Transition(b.ID, StatusPRCreated, nil)
	assert.ErrorContains(t, err, "illegal transition")

	// Failed is reachable from any non-terminal state.
	got, err := s.Transition(b.ID, StatusFailed, func(b *Batch) { b.Error = "boom" })
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.Status.Terminal())
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Get("nope")
	assert.ErrorContains(t, err, "not found")
}
