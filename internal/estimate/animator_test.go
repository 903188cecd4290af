package estimate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	pos map[string][]int
}

func newRecorder() *recorder {
	return &recorder{pos: make(map[string][]int)}
}

func (r *recorder) publish(id string, pos int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos[id] = append(r.pos[id], pos)
}

func (r *recorder) get(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pos[id]...)
}

func (r *recorder) last(id string) (int, bool) {
	got := r.get(id)
	if len(got) == 0 {
		return 0, false
	}
	return got[len(got)-1], true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, tickInterval(0))
	assert.Equal(t, 100*time.Millisecond, tickInterval(time.Second))
	assert.Equal(t, 250*time.Millisecond, tickInterval(5*time.Second))
	assert.Equal(t, 500*time.Millisecond, tickInterval(25*time.Second))
}

func TestAnimator_TravelDuration(t *testing.T) {
	a := NewAnimator(20*time.Second, nil)
	assert.Equal(t, 20*time.Second, a.TravelDuration(0, 100))
	assert.Equal(t, 10*time.Second, a.TravelDuration(80, 30))
	assert.Equal(t, time.Duration(0), a.TravelDuration(40, 40))
}

func TestAnimator_InterpolatesLinearly(t *testing.T) {
	a := NewAnimator(10*time.Second, nil)
	base := time.Unix(1000, 0)
	clock := &fakeClock{now: base}
	a.now = clock.Now

	a.Start("1", 0, 100)
	defer a.Stop()

	clock.Set(base.Add(2500 * time.Millisecond))
	pos, ok := a.Position("1")
	require.True(t, ok)
	assert.Equal(t, 25, pos)
	assert.Equal(t, DirectionOpening, a.Direction("1"))

	clock.Set(base.Add(11 * time.Second))
	pos, _ = a.Position("1")
	assert.Equal(t, 100, pos)
	assert.Equal(t, DirectionIdle, a.Direction("1"))
}

func TestAnimator_FinalPublishPinnedToTarget(t *testing.T) {
	rec := newRecorder()
	a := NewAnimator(time.Second, rec.publish)
	defer a.Stop()

	a.Start("1", 60, 20)
	assert.Equal(t, DirectionClosing, a.Direction("1"))

	require.Eventually(t, func() bool {
		last, ok := rec.last("1")
		return ok && last == 20
	}, 2*time.Second, 20*time.Millisecond)

	for _, p := range rec.get("1") {
		assert.GreaterOrEqual(t, p, 20)
		assert.LessOrEqual(t, p, 60)
	}
}

func TestAnimator_NewCommandStartsFromEstimate(t *testing.T) {
	a := NewAnimator(10*time.Second, nil)
	base := time.Unix(1000, 0)
	clock := &fakeClock{now: base}
	a.now = clock.Now
	defer a.Stop()

	a.Start("1", 0, 100)
	clock.Set(base.Add(4 * time.Second))

	start := a.Start("1", 0, 0)
	assert.Equal(t, 40, start)
	assert.Equal(t, DirectionClosing, a.Direction("1"))
	assert.Equal(t, 4*time.Second, a.TravelDuration(start, 0))
}

func TestAnimator_ReplacedAnimationStopsPublishing(t *testing.T) {
	rec := newRecorder()
	a := NewAnimator(time.Second, rec.publish)
	defer a.Stop()

	a.Start("1", 0, 100)
	a.Start("1", 0, 0)

	require.Eventually(t, func() bool {
		last, ok := rec.last("1")
		return ok && last == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Let the first run's schedule pass; it must not publish its target
	time.Sleep(1200 * time.Millisecond)
	assert.NotContains(t, rec.get("1"), 100)
}

func TestAnimator_ZeroTravelPublishesTargetOnce(t *testing.T) {
	rec := newRecorder()
	a := NewAnimator(time.Second, rec.publish)

	a.Start("1", 40, 40)
	require.Eventually(t, func() bool {
		return len(rec.get("1")) > 0
	}, time.Second, 10*time.Millisecond)
	a.Stop()

	assert.Equal(t, []int{40}, rec.get("1"))
	assert.Equal(t, DirectionIdle, a.Direction("1"))
}

func TestAnimator_SettleOverridesEstimate(t *testing.T) {
	rec := newRecorder()
	a := NewAnimator(10*time.Second, rec.publish)

	a.Start("1", 0, 100)
	a.Settle("1", 37)
	a.Stop()

	pos, ok := a.Position("1")
	require.True(t, ok)
	assert.Equal(t, 37, pos)
	assert.Equal(t, DirectionIdle, a.Direction("1"))
	assert.NotContains(t, rec.get("1"), 100)
}

func TestAnimator_UnknownDevice(t *testing.T) {
	a := NewAnimator(0, nil)
	_, ok := a.Position("nope")
	assert.False(t, ok)
	assert.Equal(t, DirectionIdle, a.Direction("nope"))
}
