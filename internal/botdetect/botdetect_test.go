package botdetect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/hosting/hostingtest"
)

func newDetector(t *testing.T, fake *hostingtest.FakeProvider) *Detector {
	t.Helper()
	d := New(fake, t.TempDir(), DefaultOptions())
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func openPR(number int, author, headSHA string) *hosting.PR {
	return &hosting.PR{
		Number:  number,
		State:   "open",
		Author:  hosting.User{Login: author},
		HeadSHA: headSHA,
	}
}

func TestShouldSkip_OwnPR(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)

	dec, err := d.ShouldSkipPRReview(context.Background(), openPR(7, "auto-claude[bot]", "abc"))
	require.NoError(t, err)
	assert.True(t, dec.Skip)
	assert.Contains(t, dec.Reason, "authored by the automation")
}

func TestShouldSkip_OwnPRAllowedByOption(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	opts := DefaultOptions()
	opts.ReviewOwnPRs = true
	d := New(fake, t.TempDir(), opts)

	dec, err := d.ShouldSkipPRReview(context.Background(), openPR(7, "auto-claude[bot]", "abc"))
	require.NoError(t, err)
	assert.False(t, dec.Skip)
}

func TestShouldSkip_LatestCommitIsOwnFix(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	fake.Commits[7] = []hosting.Commit{
		{SHA: "111", Author: hosting.User{Login: "alice"}},
		{SHA: "222", Author: hosting.User{Login: "auto-claude[bot]"}},
	}
	d := newDetector(t, fake)

	dec, err := d.ShouldSkipPRReview(context.Background(), openPR(7, "alice", "222"))
	require.NoError(t, err)
	assert.True(t, dec.Skip)
	assert.Contains(t, dec.Reason, "own fix")
}

func TestShouldSkip_CoolingOffThenPasses(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)
	base := d.now()

	require.NoError(t, d.RecordReview(7, "aaa"))

	// 30s later: inside the window.
	d.now = func() time.Time { return base.Add(30 * time.Second) }
	dec, err := d.ShouldSkipPRReview(context.Background(), openPR(7, "alice", "bbb"))
	require.NoError(t, err)
	assert.True(t, dec.Skip)
	assert.Contains(t, dec.Reason, "cooling off")

	// Past the window, new head SHA: review proceeds.
	d.now = func() time.Time { return base.Add(2 * time.Minute) }
	dec, err = d.ShouldSkipPRReview(context.Background(), openPR(7, "alice", "bbb"))
	require.NoError(t, err)
	assert.False(t, dec.Skip)
}

func TestShouldSkip_HeadAlreadyReviewed(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)
	base := d.now()

	require.NoError(t, d.RecordReview(7, "aaa"))
	d.now = func() time.Time { return base.Add(time.Hour) }

	dec, err := d.ShouldSkipPRReview(context.Background(), openPR(7, "alice", "aaa"))
	require.NoError(t, err)
	assert.True(t, dec.Skip)
	assert.Equal(t, "head commit already reviewed", dec.Reason)
}

func TestRecordReview_PersistsAcrossDetectors(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	root := t.TempDir()
	first := New(fake, root, DefaultOptions())
	require.NoError(t, first.RecordReview(7, "aaa"))
	require.NoError(t, first.RecordReview(7, "aaa")) // dedup
	require.NoError(t, first.RecordReview(7, "bbb"))

	second := New(fake, root, DefaultOptions())
	state, err := second.load()
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, state.ReviewedCommits["7"])
	assert.False(t, state.LastReviewTimes["7"].IsZero())
}

func TestPrune_DropsStaleEntries(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)
	base := d.now()

	d.now = func() time.Time { return base.Add(-40 * 24 * time.Hour) }
	require.NoError(t, d.RecordReview(1, "old"))
	d.now = func() time.Time { return base }
	require.NoError(t, d.RecordReview(2, "fresh"))

	removed, err := d.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	state, err := d.load()
	require.NoError(t, err)
	assert.NotContains(t, state.ReviewedCommits, "1")
	assert.Contains(t, state.ReviewedCommits, "2")
}

func TestPrune_EmptyStateIsNoop(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)
	removed, err := d.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIdentity_CachedAfterFirstFetch(t *testing.T) {
	fake := hostingtest.NewFakeProvider("auto-claude[bot]")
	d := newDetector(t, fake)

	_, err := d.Identity(context.Background())
	require.NoError(t, err)
	_, err = d.Identity(context.Background())
	require.NoError(t, err)

	calls := 0
	for _, c := range fake.Calls {
		if c == "AuthenticatedUser" {
			calls++
		}
	}
	assert.Equal(t, 1, calls)
}
