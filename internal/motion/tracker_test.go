package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int {
	return &v
}

func assertEffectiveMatchesTarget(t *testing.T, tr *Tracker, id string) {
	t.Helper()
	if !tr.InMotion(id) {
		return
	}
	st, ok := tr.Snapshot(id)
	require.True(t, ok)
	require.NotNil(t, st.PendingTarget, "in motion without a pending target")
	pos, ok := tr.EffectivePosition(id)
	require.True(t, ok)
	assert.Equal(t, *st.PendingTarget, pos)
}

func TestTracker_UnknownDevice(t *testing.T) {
	tr := NewTracker(DefaultTolerance)

	_, ok := tr.EffectivePosition("1")
	assert.False(t, ok)
	assert.False(t, tr.InMotion("1"))
	assert.Empty(t, tr.Pending())
}

func TestTracker_CommandAndSettle(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(50))

	tr.CommandIssued("1", 90)

	assert.True(t, tr.InMotion("1"))
	pos, ok := tr.EffectivePosition("1")
	require.True(t, ok)
	assert.Equal(t, 90, pos)
	assertEffectiveMatchesTarget(t, tr, "1")

	obs := tr.Observe("1", intPtr(88))
	assert.True(t, obs.Settled)
	assert.Equal(t, 90, obs.Target)
	assert.False(t, tr.InMotion("1"))

	pos, ok = tr.EffectivePosition("1")
	require.True(t, ok)
	assert.Equal(t, 88, pos)
}

func TestTracker_IntermediateReadingKeepsMotion(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(0))
	tr.CommandIssued("1", 100)

	obs := tr.Observe("1", intPtr(40))
	assert.False(t, obs.Settled)
	assert.True(t, tr.InMotion("1"))
	assertEffectiveMatchesTarget(t, tr, "1")

	st, _ := tr.Snapshot("1")
	assert.True(t, st.SawMovement)
	assert.Equal(t, 40, *st.LastHubPosition)
}

func TestTracker_NoSettlementWithoutMovement(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(10))
	tr.CommandIssued("1", 90)

	// Stale readings at the old position never count as movement
	for i := 0; i < 3; i++ {
		obs := tr.Observe("1", intPtr(11))
		assert.False(t, obs.Settled)
	}
	st, _ := tr.Snapshot("1")
	assert.False(t, st.SawMovement)
	assert.True(t, tr.InMotion("1"))
}

func TestTracker_MovementWithinToleranceIsNoise(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(50))
	tr.CommandIssued("1", 90)

	tr.Observe("1", intPtr(52))
	st, _ := tr.Snapshot("1")
	assert.False(t, st.SawMovement)

	tr.Observe("1", intPtr(53))
	st, _ = tr.Snapshot("1")
	assert.True(t, st.SawMovement)
}

func TestTracker_ZeroTravelCommandSettlesOnNextReading(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(50))
	tr.CommandIssued("1", 51)

	assert.True(t, tr.InMotion("1"))
	obs := tr.Observe("1", intPtr(50))
	assert.True(t, obs.Settled)
	assert.False(t, tr.InMotion("1"))
}

func TestTracker_NoBaselineSettlesAtTarget(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.CommandIssued("1", 30)

	assert.False(t, tr.Observe("1", intPtr(70)).Settled)
	assert.True(t, tr.Observe("1", intPtr(31)).Settled)
}

func TestTracker_NilReadingIsIgnored(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(20))
	tr.CommandIssued("1", 80)

	obs := tr.Observe("1", nil)
	assert.False(t, obs.Settled)
	pos, _ := tr.HubPosition("1")
	assert.Equal(t, 20, pos)
}

func TestTracker_NewCommandResetsMovement(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(0))
	tr.CommandIssued("1", 100)
	tr.Observe("1", intPtr(60))
	require.True(t, tr.MarkRetry("1"))

	tr.CommandIssued("1", 0)
	st, _ := tr.Snapshot("1")
	assert.Equal(t, 60, *st.StartPosition)
	assert.False(t, st.SawMovement)
	assert.False(t, st.RetryAttempted)
	assert.Equal(t, 0, *st.PendingTarget)
}

func TestTracker_MarkRetryOnce(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.CommandIssued("1", 10)

	assert.True(t, tr.MarkRetry("1"))
	assert.False(t, tr.MarkRetry("1"))
	assert.False(t, tr.MarkRetry("1"))
}

func TestTracker_PendingAndForceSettle(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("2", intPtr(0))
	tr.Observe("1", intPtr(0))
	tr.CommandIssued("2", 50)
	tr.CommandIssued("1", 50)

	assert.Equal(t, []string{"1", "2"}, tr.Pending())

	cleared := tr.ForceSettleAll()
	assert.Equal(t, []string{"1", "2"}, cleared)
	assert.Empty(t, tr.Pending())
	assert.False(t, tr.InMotion("1"))

	pos, ok := tr.EffectivePosition("1")
	require.True(t, ok)
	assert.Equal(t, 0, pos)
}

func TestTracker_PruneSettled(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Observe("1", intPtr(50))
	tr.Observe("2", intPtr(0))

	// A zero-travel command is already at target per the cached reading
	tr.CommandIssued("1", 50)
	tr.CommandIssued("2", 80)

	settled, pending := tr.PruneSettled()
	require.Len(t, settled, 1)
	assert.Equal(t, "1", settled[0].DeviceID)
	assert.Equal(t, 50, settled[0].Target)
	assert.True(t, pending)
	assert.False(t, tr.InMotion("1"))

	// Stale cached reading for device 2 is not enough
	settled, pending = tr.PruneSettled()
	assert.Empty(t, settled)
	assert.True(t, pending)

	tr.Observe("2", intPtr(80))
	settled, pending = tr.PruneSettled()
	assert.Empty(t, settled, "Observe already settled it")
	assert.False(t, pending)
}

func TestTracker_LastCommandAtAndTouch(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	base := time.Unix(1000, 0)
	tr.now = func() time.Time { return base }

	tr.CommandIssued("1", 10)
	assert.Equal(t, base, tr.LastCommandAt())

	later := base.Add(30 * time.Second)
	tr.now = func() time.Time { return later }
	tr.Touch("1")
	assert.Equal(t, later, tr.LastCommandAt())

	tr.Observe("1", intPtr(90))
	obs := tr.Observe("1", intPtr(10))
	assert.True(t, obs.Settled)
	assert.Equal(t, time.Duration(0), obs.Elapsed)
}

func TestTracker_Seed(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	tr.Seed("1", 42)

	pos, ok := tr.EffectivePosition("1")
	require.True(t, ok)
	assert.Equal(t, 42, pos)

	tr.Observe("1", intPtr(10))
	tr.Seed("1", 99)
	pos, _ = tr.EffectivePosition("1")
	assert.Equal(t, 10, pos)
}

func TestTracker_InMotionImpliesEffectiveIsTarget(t *testing.T) {
	tr := NewTracker(DefaultTolerance)
	readings := []int{0, 5, 30, 60, 61, 99, 100}
	targets := []int{100, 20, 60}

	tr.Observe("1", intPtr(0))
	for _, target := range targets {
		tr.CommandIssued("1", target)
		assertEffectiveMatchesTarget(t, tr, "1")
		for _, r := range readings {
			tr.Observe("1", intPtr(r))
			assertEffectiveMatchesTarget(t, tr, "1")
		}
	}
}
