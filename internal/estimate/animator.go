// Package estimate interpolates shade positions over time so clients polling
// state see smooth movement while the hub only reports the final rest position.
package estimate

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultFullTravel is the assumed time for a 0..100 run.
const DefaultFullTravel = 25 * time.Second

const (
	minTick = 100 * time.Millisecond
	maxTick = 500 * time.Millisecond
	// ticksPerRun is how many intermediate publishes a run gets before clamping.
	ticksPerRun = 20
)

// Direction of an estimated movement.
type Direction string

const (
	DirectionIdle    Direction = "idle"
	DirectionOpening Direction = "opening"
	DirectionClosing Direction = "closing"
)

// PublishFunc receives interpolated positions. It is never called with the
// animator lock held.
type PublishFunc func(deviceID string, position int)

type animation struct {
	start     int
	target    int
	startedAt time.Time
	duration  time.Duration
	cancel    chan struct{}
}

func (an *animation) positionAt(now time.Time) int {
	elapsed := now.Sub(an.startedAt)
	if an.duration <= 0 || elapsed >= an.duration {
		return an.target
	}
	if elapsed < 0 {
		return an.start
	}
	frac := float64(elapsed) / float64(an.duration)
	return int(math.Round(float64(an.start) + float64(an.target-an.start)*frac))
}

func (an *animation) stop() {
	select {
	case <-an.cancel:
	default:
		close(an.cancel)
	}
}

// Animator runs one linear animation per device.
type Animator struct {
	fullTravel time.Duration
	publish    PublishFunc
	now        func() time.Time

	mu    sync.Mutex
	anims map[string]*animation
	wg    sync.WaitGroup
}

// NewAnimator creates an animator. publish may be nil.
func NewAnimator(fullTravel time.Duration, publish PublishFunc) *Animator {
	if fullTravel <= 0 {
		fullTravel = DefaultFullTravel
	}
	if publish == nil {
		publish = func(string, int) {}
	}
	return &Animator{
		fullTravel: fullTravel,
		publish:    publish,
		now:        time.Now,
		anims:      make(map[string]*animation),
	}
}

// TravelDuration returns the assumed time to move between two positions.
func (a *Animator) TravelDuration(from, to int) time.Duration {
	delta := to - from
	if delta < 0 {
		delta = -delta
	}
	return a.fullTravel * time.Duration(delta) / 100
}

// tickInterval is travel/20 clamped to [100ms, 500ms].
func tickInterval(travel time.Duration) time.Duration {
	tick := travel / ticksPerRun
	if tick < minTick {
		return minTick
	}
	if tick > maxTick {
		return maxTick
	}
	return tick
}

// Start begins animating a device toward target and returns the position the
// animation starts from. An in-progress animation is advanced to now and
// replaced; otherwise fallback is used as the starting point.
func (a *Animator) Start(deviceID string, fallback, target int) int {
	now := a.now()

	a.mu.Lock()
	start := fallback
	if prev, ok := a.anims[deviceID]; ok {
		start = prev.positionAt(now)
		prev.stop()
	}

	an := &animation{
		start:     start,
		target:    target,
		startedAt: now,
		duration:  a.TravelDuration(start, target),
		cancel:    make(chan struct{}),
	}
	a.anims[deviceID] = an

	a.wg.Add(1)
	a.mu.Unlock()

	log.Debug().
		Str("device", deviceID).
		Int("from", start).
		Int("target", target).
		Dur("duration", an.duration).
		Msg("Estimating movement")

	go a.run(deviceID, an)
	return start
}

func (a *Animator) run(deviceID string, an *animation) {
	defer a.wg.Done()

	if an.duration > 0 {
		ticker := time.NewTicker(tickInterval(an.duration))
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-an.cancel:
				return
			case <-ticker.C:
				if a.now().Sub(an.startedAt) >= an.duration {
					break loop
				}
				a.publishIfCurrent(deviceID, an, an.positionAt(a.now()))
			}
		}
	}

	// Final publish lands exactly on the target
	a.publishIfCurrent(deviceID, an, an.target)
}

func (a *Animator) publishIfCurrent(deviceID string, an *animation, pos int) {
	a.mu.Lock()
	current := a.anims[deviceID] == an
	a.mu.Unlock()

	select {
	case <-an.cancel:
		return
	default:
	}
	if current {
		a.publish(deviceID, pos)
	}
}

// Position returns the estimated position of a device.
func (a *Animator) Position(deviceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	an, ok := a.anims[deviceID]
	if !ok {
		return 0, false
	}
	return an.positionAt(a.now()), true
}

// Direction reports the estimated direction. It is idle once the estimated
// travel time has elapsed.
func (a *Animator) Direction(deviceID string) Direction {
	a.mu.Lock()
	defer a.mu.Unlock()

	an, ok := a.anims[deviceID]
	if !ok || a.now().Sub(an.startedAt) >= an.duration {
		return DirectionIdle
	}
	switch {
	case an.target > an.start:
		return DirectionOpening
	case an.target < an.start:
		return DirectionClosing
	default:
		return DirectionIdle
	}
}

// Settle pins the estimate to a hub-confirmed position, cancelling any
// running animation.
func (a *Animator) Settle(deviceID string, pos int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.anims[deviceID]; ok {
		prev.stop()
	}
	a.anims[deviceID] = &animation{
		start:     pos,
		target:    pos,
		startedAt: a.now(),
		cancel:    make(chan struct{}),
	}
}

// Stop cancels all animations and waits for their loops to exit.
func (a *Animator) Stop() {
	a.mu.Lock()
	for _, an := range a.anims {
		an.stop()
	}
	a.mu.Unlock()

	a.wg.Wait()
}
