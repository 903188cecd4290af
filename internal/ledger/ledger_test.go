package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shaded/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func intPtr(v int) *int { return &v }

func TestLedger_AppendAndRecent(t *testing.T) {
	l := newTestLedger(t)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, l.Append(Entry{Kind: KindCommandIssued, Hub: "h", Device: "1", CommandID: 1, Target: intPtr(90), Timestamp: base}))
	require.NoError(t, l.Append(Entry{Kind: KindSettled, Hub: "h", Device: "1", CommandID: 1, Target: intPtr(90), Position: intPtr(88), Timestamp: base.Add(time.Second)}))
	require.NoError(t, l.Append(Entry{Kind: KindCommandIssued, Hub: "h", Device: "2", CommandID: 2, Target: intPtr(0), Timestamp: base.Add(2 * time.Second)}))
	require.NoError(t, l.Append(Entry{Kind: KindFailsafe, Hub: "other", Device: "1", Payload: map[string]any{"cleared": 3}, Timestamp: base}))

	entries, err := l.Recent("h", "1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindSettled, entries[0].Kind)
	assert.Equal(t, 88, *entries[0].Position)
	assert.Equal(t, uint64(1), entries[0].CommandID)
	assert.Equal(t, base.Add(time.Second).UTC(), entries[0].Timestamp)
	assert.Nil(t, entries[1].Position)

	all, err := l.Recent("h", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	other, err := l.Recent("other", "", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, float64(3), other[0].Payload["cleared"])
	assert.Zero(t, other[0].CommandID)
}

func TestLedger_RecentLimit(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Entry{Kind: KindCommandSent, Hub: "h", Device: "1", CommandID: uint64(i + 1)}))
	}

	entries, err := l.Recent("h", "1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(5), entries[0].CommandID)
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Append(Entry{Kind: KindCommandSent, Hub: "h", Device: "1", Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, l.Append(Entry{Kind: KindCommandSent, Hub: "h", Device: "1", Timestamp: now.Add(-time.Hour)}))

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entries, err := l.Recent("h", "1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
