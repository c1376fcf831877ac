package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, opts Options) *Logger {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	l, err := NewLogger(opts)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendAndQuery(t *testing.T) {
	l := newTestLogger(t, Options{})

	l.Append(Entry{
		Action:    "pr_review",
		ActorType: ActorAutomation,
		Repo:      "acme/widgets",
		PRNumber:  42,
		Result:    ResultSuccess,
	})
	l.Append(Entry{
		Action:      "grace_period_start",
		ActorType:   ActorUser,
		Repo:        "acme/widgets",
		IssueNumber: 101,
		Result:      ResultStarted,
	})

	got, err := l.Query(Filter{Repo: "acme/widgets"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = l.Query(Filter{PRNumber: 42})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pr_review", got[0].Action)
	assert.Equal(t, ActorAutomation, got[0].ActorType)
}

func TestOperation_OrderAndCorrelation(t *testing.T) {
	l := newTestLogger(t, Options{})

	op := l.StartOperation("autofix_trigger", WithRepo("acme/widgets"), WithIssue(7),
		WithActor(ActorUser, "maintainer"))
	op.Event("grace_period_check", ResultGranted, map[string]any{"remaining": "12m"})
	op.Success(map[string]any{"spec": "004-fix-oauth"})

	got, err := l.Query(Filter{CorrelationID: op.CorrelationID()})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ResultStarted, got[0].Result)
	assert.Equal(t, ResultGranted, got[1].Result)
	assert.Equal(t, ResultSuccess, got[2].Result)
	assert.Equal(t, "maintainer", got[2].Actor)
	assert.GreaterOrEqual(t, got[2].DurationMS, int64(0))
}

func TestWithOperation_FailureStillTerminal(t *testing.T) {
	l := newTestLogger(t, Options{})

	boom := errors.New("push rejected")
	err := l.WithOperation("push_branch", func(op *Operation) error {
		return boom
	}, WithRepo("acme/widgets"))
	assert.ErrorIs(t, err, boom)

	got, err := l.Query(Filter{Action: "push_branch"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ResultFailure, got[1].Result)
	assert.Equal(t, "push rejected", got[1].Error)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{Dir: dir, MaxFileBytes: 200})

	for i := 0; i < 20; i++ {
		l.Append(Entry{Action: fmt.Sprintf("a%d", i), Result: ResultSuccess, ActorType: ActorSystem})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "expected at least one rotated file")
	for _, de := range entries {
		assert.True(t, isAuditFile(de.Name()), "unexpected file %s", de.Name())
	}

	// Query still sees everything across rotated siblings.
	got, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestSweepRetention(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, Options{Dir: dir, Retention: 24 * time.Hour})

	old := filepath.Join(dir, "audit_2020-01-01.jsonl")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	l.Append(Entry{Action: "keep", Result: ResultSuccess, ActorType: ActorSystem})

	removed, err := l.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
}

func TestQuery_TimeWindow(t *testing.T) {
	l := newTestLogger(t, Options{})

	now := time.Now().UTC()
	l.Append(Entry{Action: "old", Timestamp: now.Add(-2 * time.Hour), Result: ResultSuccess, ActorType: ActorSystem})
	l.Append(Entry{Action: "new", Timestamp: now, Result: ResultSuccess, ActorType: ActorSystem})

	got, err := l.Query(Filter{Since: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Action)
}
