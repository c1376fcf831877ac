package override

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(t.TempDir(), nil, DefaultOptions())
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestGracePeriod_Lifecycle(t *testing.T) {
	m := newManager(t)
	base := m.now()

	entry, err := m.StartGracePeriod(101, "auto-fix", "alice")
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Minute), entry.ExpiresAt)
	assert.True(t, entry.Valid(base.Add(3*time.Minute)))

	ok, reason, err := m.CanProceed(101)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "active until")

	// Past expiry without cancellation: automation may run.
	m.now = func() time.Time { return base.Add(16 * time.Minute) }
	ok, reason, err = m.CanProceed(101)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, reason, "expired without cancellation")
}

func TestGracePeriod_CancelIsIrrevocable(t *testing.T) {
	m := newManager(t)
	base := m.now()

	_, err := m.StartGracePeriod(101, "auto-fix", "alice")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(3 * time.Minute) }
	cancelled, err := m.CancelGracePeriod(101, "bob")
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, "bob", cancelled.CancelledBy)

	// Even after expiry the cancellation stands.
	m.now = func() time.Time { return base.Add(16 * time.Minute) }
	ok, reason, err := m.CanProceed(101)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "cancelled by bob")

	// Re-triggering inside the original window does not revive it.
	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	entry, err := m.StartGracePeriod(101, "auto-fix", "alice")
	require.NoError(t, err)
	assert.True(t, entry.Cancelled)
}

func TestGracePeriod_FreshWindowAfterExpiry(t *testing.T) {
	m := newManager(t)
	base := m.now()
	_, err := m.StartGracePeriod(101, "auto-fix", "alice")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Hour) }
	entry, err := m.StartGracePeriod(101, "auto-fix", "carol")
	require.NoError(t, err)
	assert.False(t, entry.Cancelled)
	assert.Equal(t, base.Add(time.Hour), entry.TriggeredAt)
}

func TestCancelGracePeriod_MissingOrExpired(t *testing.T) {
	m := newManager(t)
	_, err := m.CancelGracePeriod(7, "alice")
	assert.ErrorContains(t, err, "no grace period")

	base := m.now()
	_, err = m.StartGracePeriod(7, "auto-fix", "alice")
	require.NoError(t, err)
	m.now = func() time.Time { return base.Add(time.Hour) }
	_, err = m.CancelGracePeriod(7, "alice")
	assert.ErrorContains(t, err, "expired")
}

func TestRecordOverride_CapDropsOldestFirst(t *testing.T) {
	m := newManager(t)
	m.opts.HistoryCap = 3

	for i := 1; i <= 5; i++ {
		_, err := m.RecordOverride(Record{Type: TypeNotSpam, Actor: "alice", IssueNumber: i})
		require.NoError(t, err)
	}

	records, err := m.History(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 3, records[0].IssueNumber)
	assert.Equal(t, 5, records[2].IssueNumber)
}

func TestUndoLast_SwapsStatesAndLinks(t *testing.T) {
	m := newManager(t)
	orig, err := m.RecordOverride(Record{
		Type:          TypeNotSpam,
		Actor:         "alice",
		IssueNumber:   9,
		OriginalState: "spam",
		NewState:      "not_spam",
	})
	require.NoError(t, err)

	undo, err := m.UndoLast(9, 0, "bob")
	require.NoError(t, err)
	assert.Equal(t, TypeUndoLast, undo.Type)
	assert.Equal(t, orig.ID, undo.UndoesID)
	assert.Equal(t, "not_spam", undo.OriginalState)
	assert.Equal(t, "spam", undo.NewState)

	// Original entry is untouched; the ledger only grew.
	records, err := m.History(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "not_spam", records[0].NewState)
}

func TestUndoLast_NothingToUndo(t *testing.T) {
	m := newManager(t)
	_, err := m.UndoLast(9, 0, "bob")
	assert.ErrorContains(t, err, "no override to undo")
}

func TestUndoLast_RefusesDoubleUndo(t *testing.T) {
	m := newManager(t)
	_, err := m.RecordOverride(Record{Type: TypeNotSpam, Actor: "alice", IssueNumber: 9})
	require.NoError(t, err)
	_, err = m.UndoLast(9, 0, "bob")
	require.NoError(t, err)
	_, err = m.UndoLast(9, 0, "bob")
	assert.ErrorContains(t, err, "itself an undo")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body string
		kind CommandKind
		args string
		ok   bool
	}{
		{"/cancel-autofix", CmdCancelAutofix, "", true},
		{"  /not-spam  ", CmdNotSpam, "", true},
		{"/undo-last please", CmdUndoLast, "please", true},
		{"/approve\nlooks good to me", CmdApprove, "", true},
		{"/status", CmdStatus, "", true},
		{"please run /force-retry", "", "", false},
		{"/unknown-command", "", "", false},
		{"no command here", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.body)
		assert.Equal(t, tt.ok, ok, "body %q", tt.body)
		if tt.ok {
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.args, cmd.Args)
		}
	}
}

func TestExecute_CancelAutofixTouchesGracePeriod(t *testing.T) {
	m := newManager(t)
	_, err := m.StartGracePeriod(101, "auto-fix", "alice")
	require.NoError(t, err)

	cmd, ok := ParseCommand("/cancel-autofix")
	require.True(t, ok)
	out, err := m.Execute(cmd, CommandContext{Actor: "bob", IssueNumber: 101})
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.Equal(t, TypeCancelAutofix, out.Record.Type)

	entry, err := m.GracePeriodFor(101)
	require.NoError(t, err)
	assert.True(t, entry.Cancelled)
}

func TestExecute_ReclassificationRecordsState(t *testing.T) {
	m := newManager(t)
	cmd, ok := ParseCommand("/not-duplicate")
	require.True(t, ok)

	out, err := m.Execute(cmd, CommandContext{Actor: "alice", IssueNumber: 5, CurrentState: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, TypeNotDuplicate, out.Record.Type)
	assert.Equal(t, "duplicate", out.Record.OriginalState)
	assert.Equal(t, "not_duplicate", out.Record.NewState)
}

func TestExecute_StatusAndHelpAreReadOnly(t *testing.T) {
	m := newManager(t)

	for _, body := range []string{"/status", "/help"} {
		cmd, ok := ParseCommand(body)
		require.True(t, ok)
		out, err := m.Execute(cmd, CommandContext{Actor: "alice", IssueNumber: 5})
		require.NoError(t, err)
		assert.Nil(t, out.Record)
		assert.NotEmpty(t, out.Reply)
	}

	records, err := m.History(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistory_Limit(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 4; i++ {
		_, err := m.RecordOverride(Record{Type: TypeForceRetry, Actor: "a", PRNumber: i})
		require.NoError(t, err)
	}
	records, err := m.History(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].PRNumber)
}
