package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shaded/internal/db"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewSnapshotStore(database.DB)
}

func TestSnapshotStore_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	pos := 42
	battery := 3.9

	require.NoError(t, s.Save("living", Snapshot{Device: "1", Name: "Left", Position: &pos, BatteryRaw: &battery, UpdatedAt: time.Unix(100, 0).UTC()}))
	require.NoError(t, s.Save("living", Snapshot{Device: "2", Name: "Right"}))
	require.NoError(t, s.Save("bedroom", Snapshot{Device: "1"}))

	snaps, err := s.Load("living")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	left := snaps["1"]
	assert.Equal(t, "Left", left.Name)
	require.NotNil(t, left.Position)
	assert.Equal(t, 42, *left.Position)
	assert.InDelta(t, 3.9, *left.BatteryRaw, 0.001)
	assert.Nil(t, snaps["2"].Position)
}

func TestSnapshotStore_SaveReplaces(t *testing.T) {
	s := newTestStore(t)
	first, second := 10, 80

	require.NoError(t, s.Save("h", Snapshot{Device: "1", Position: &first}))
	require.NoError(t, s.Save("h", Snapshot{Device: "1", Position: &second}))

	snaps, err := s.Load("h")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 80, *snaps["1"].Position)

	require.NoError(t, s.Delete("h", "1"))
	snaps, err = s.Load("h")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSnapshotStore_Clear(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("living", Snapshot{Device: "1"}))
	require.NoError(t, s.Save("living", Snapshot{Device: "2"}))
	require.NoError(t, s.Save("bedroom", Snapshot{Device: "1"}))

	n, err := s.Clear("living")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	snaps, err := s.Load("bedroom")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	n, err = s.Clear("")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
