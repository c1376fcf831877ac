package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(t.TempDir(), "acme/widgets")
	tr.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return tr
}

func TestRecord_StartsUnresolved(t *testing.T) {
	tr := newTracker(t)
	rec, err := tr.Record(Outcome{Type: PredReviewApprove, PRNumber: 7, Confidence: 0.8})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "acme/widgets", rec.Repo)
	assert.False(t, rec.Resolved())
	assert.Nil(t, rec.WasCorrect)

	pending, err := tr.Pending(Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestWasCorrect_Rules(t *testing.T) {
	tests := []struct {
		typ    PredictionType
		actual string
		want   bool
	}{
		{PredReviewApprove, ActualMerged, true},
		{PredReviewApprove, ActualConfirmed, true},
		{PredReviewApprove, ActualClosed, false},
		{PredReviewRequestChanges, ActualModified, true},
		{PredReviewRequestChanges, ActualConfirmed, true},
		{PredReviewRequestChanges, ActualMerged, false},
		{PredTriageSpam, ActualClosed, true},
		{PredTriageDuplicate, ActualClosed, true},
		{PredTriageDuplicate, ActualMerged, false},
		{PredAutofixWillWork, ActualMerged, true},
		{PredTriageBug, ActualConfirmed, true},
		{PredTriageBug, ActualClosed, false},
		// Overridden means wrong, regardless of type.
		{PredReviewApprove, ActualOverridden, false},
		{PredTriageSpam, ActualOverridden, false},
		{PredLabelApplied, ActualOverridden, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wasCorrect(tt.typ, tt.actual), "%s/%s", tt.typ, tt.actual)
	}
}

func TestResolve_DerivesCorrectnessAndTimeToMerge(t *testing.T) {
	tr := newTracker(t)
	base := tr.now()
	rec, err := tr.Record(Outcome{Type: PredReviewApprove, PRNumber: 7})
	require.NoError(t, err)

	tr.now = func() time.Time { return base.Add(3 * time.Hour) }
	resolved, err := tr.Resolve(rec.ID, ActualMerged)
	require.NoError(t, err)
	require.NotNil(t, resolved.WasCorrect)
	assert.True(t, *resolved.WasCorrect)
	assert.Equal(t, 3*time.Hour, resolved.TimeToMerge)
}

func TestResolve_OnlyOnce(t *testing.T) {
	tr := newTracker(t)
	rec, err := tr.Record(Outcome{Type: PredTriageSpam, IssueNumber: 5})
	require.NoError(t, err)

	_, err = tr.Resolve(rec.ID, ActualClosed)
	require.NoError(t, err)
	_, err = tr.Resolve(rec.ID, ActualOverridden)
	assert.ErrorContains(t, err, "already resolved")
}

func TestResolve_Missing(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.Resolve("nope", ActualMerged)
	assert.ErrorContains(t, err, "not found")
}

func TestAccuracy_FiltersAndBreakdown(t *testing.T) {
	tr := newTracker(t)
	approve, err := tr.Record(Outcome{Type: PredReviewApprove, PRNumber: 1})
	require.NoError(t, err)
	spam, err := tr.Record(Outcome{Type: PredTriageSpam, IssueNumber: 2})
	require.NoError(t, err)
	_, err = tr.Record(Outcome{Type: PredReviewApprove, PRNumber: 3})
	require.NoError(t, err)

	_, err = tr.Resolve(approve.ID, ActualMerged)
	require.NoError(t, err)
	_, err = tr.Resolve(spam.ID, ActualOverridden)
	require.NoError(t, err)

	report, err := tr.Accuracy(Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Correct)
	assert.Equal(t, 1, report.Incorrect)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, TypeStats{Total: 2, Correct: 1, Pending: 1}, report.ByType[PredReviewApprove])
	assert.Equal(t, TypeStats{Total: 1, Incorrect: 1}, report.ByType[PredTriageSpam])

	byType, err := tr.Accuracy(Filter{Type: PredTriageSpam})
	require.NoError(t, err)
	assert.Equal(t, 1, byType.Total)

	windowed, err := tr.Accuracy(Filter{Since: tr.now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, windowed.Total)
}

func TestPatterns_RequireSampleThreshold(t *testing.T) {
	tr := newTracker(t)
	for i := 0; i < 25; i++ {
		rec, err := tr.Record(Outcome{
			Type:       PredReviewApprove,
			PRNumber:   i + 1,
			FileType:   "go",
			Category:   "bugfix",
			ChangeSize: "small",
		})
		require.NoError(t, err)
		actual := ActualMerged
		if i%5 == 0 {
			actual = ActualOverridden
		}
		_, err = tr.Resolve(rec.ID, actual)
		require.NoError(t, err)
	}
	// A sparse group below the threshold.
	rec, err := tr.Record(Outcome{Type: PredReviewApprove, PRNumber: 99, FileType: "rs"})
	require.NoError(t, err)
	_, err = tr.Resolve(rec.ID, ActualMerged)
	require.NoError(t, err)

	patterns, err := tr.Patterns(20)
	require.NoError(t, err)
	require.Len(t, patterns, 3)
	for _, p := range patterns {
		assert.Equal(t, 25, p.Samples)
		assert.InDelta(t, 0.8, p.Accuracy, 1e-9)
		assert.NotEqual(t, "rs", p.Value)
	}
}

func TestPatterns_EmptyLedger(t *testing.T) {
	tr := newTracker(t)
	patterns, err := tr.Patterns(0)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}
