// Package motion tracks per-device command/settlement state for one hub.
package motion

import (
	"sort"
	"sync"
	"time"
)

// DefaultTolerance is the position distance accepted as "at target".
const DefaultTolerance = 2

// State is the motion state of one device.
//
// InMotion implies PendingTarget != nil. A device settles only once
// SawMovement is true and the hub position is within tolerance of the target.
type State struct {
	LastHubPosition *int
	PendingTarget   *int
	InMotion        bool
	StartPosition   *int
	SawMovement     bool
	LastCommandAt   time.Time
	RetryAttempted  bool
}

// Observation is the outcome of feeding one hub reading into the tracker.
type Observation struct {
	DeviceID string
	Position *int
	// Settled is true when this reading ended the device's motion.
	Settled bool
	// Target is the target the device settled on (valid when Settled).
	Target int
	// Elapsed is the time between the command and settlement.
	Elapsed time.Duration
}

// Tracker owns the motion state of every device of one hub.
type Tracker struct {
	tolerance int
	now       func() time.Time

	mu            sync.RWMutex
	devices       map[string]*State
	lastCommandAt time.Time
}

// NewTracker creates a tracker with the given settlement tolerance.
func NewTracker(tolerance int) *Tracker {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Tracker{
		tolerance: tolerance,
		now:       time.Now,
		devices:   make(map[string]*State),
	}
}

// Tolerance returns the settlement tolerance.
func (t *Tracker) Tolerance() int {
	return t.tolerance
}

// state returns the device state, creating it lazily. Must be called with mu held.
func (t *Tracker) state(id string) *State {
	st, ok := t.devices[id]
	if !ok {
		st = &State{}
		t.devices[id] = st
	}
	return st
}

// CommandIssued records a new command for a device.
func (t *Tracker) CommandIssued(id string, target int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := t.state(id)

	st.StartPosition = copyInt(st.LastHubPosition)
	st.PendingTarget = &target
	st.InMotion = true
	st.LastCommandAt = now
	st.RetryAttempted = false

	// Without a baseline, or with a target already within tolerance of it,
	// no movement can be expected; the next reading at target settles.
	st.SawMovement = st.StartPosition == nil || t.within(*st.StartPosition, target)

	t.lastCommandAt = now
}

// Observe feeds one hub reading for a device.
func (t *Tracker) Observe(id string, pos *int) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs := Observation{DeviceID: id, Position: copyInt(pos)}
	st := t.state(id)
	if pos == nil {
		return obs
	}

	st.LastHubPosition = copyInt(pos)
	if st.StartPosition != nil && abs(*pos-*st.StartPosition) > t.tolerance {
		st.SawMovement = true
	}

	if target, ok := t.settles(st); ok {
		obs.Settled = true
		obs.Target = target
		obs.Elapsed = t.now().Sub(st.LastCommandAt)
		t.clear(st)
	}
	return obs
}

// settles checks the settlement rule. Must be called with mu held.
func (t *Tracker) settles(st *State) (int, bool) {
	if !st.InMotion || st.PendingTarget == nil || st.LastHubPosition == nil {
		return 0, false
	}
	if !st.SawMovement {
		return 0, false
	}
	if !t.within(*st.LastHubPosition, *st.PendingTarget) {
		return 0, false
	}
	return *st.PendingTarget, true
}

func (t *Tracker) clear(st *State) {
	st.InMotion = false
	st.PendingTarget = nil
}

// InMotion reports whether a command for the device is still unresolved.
func (t *Tracker) InMotion(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.devices[id]
	return ok && st.InMotion
}

// EffectivePosition returns the pending target while in motion, else the last
// hub position. ok is false when nothing is known yet.
func (t *Tracker) EffectivePosition(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.devices[id]
	if !ok {
		return 0, false
	}
	if st.InMotion && st.PendingTarget != nil {
		return *st.PendingTarget, true
	}
	if st.LastHubPosition != nil {
		return *st.LastHubPosition, true
	}
	return 0, false
}

// HubPosition returns the last hub-reported position.
func (t *Tracker) HubPosition(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.devices[id]
	if !ok || st.LastHubPosition == nil {
		return 0, false
	}
	return *st.LastHubPosition, true
}

// AtTarget reports whether the last hub position is within tolerance of target.
func (t *Tracker) AtTarget(id string, target int) bool {
	pos, ok := t.HubPosition(id)
	return ok && t.within(pos, target)
}

// Pending returns the ids of all devices in motion, sorted.
func (t *Tracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, st := range t.devices {
		if st.InMotion && st.PendingTarget != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PruneSettled re-applies the settlement rule to cached readings and returns
// the devices it settled plus whether anything is still pending.
func (t *Tracker) PruneSettled() (settled []Observation, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, st := range t.devices {
		if target, ok := t.settles(st); ok {
			settled = append(settled, Observation{
				DeviceID: id,
				Position: copyInt(st.LastHubPosition),
				Settled:  true,
				Target:   target,
				Elapsed:  now.Sub(st.LastCommandAt),
			})
			t.clear(st)
		}
	}
	for _, st := range t.devices {
		if st.InMotion {
			pending = true
			break
		}
	}
	return settled, pending
}

// ForceSettleAll clears every in-motion flag and returns the affected ids.
func (t *Tracker) ForceSettleAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, st := range t.devices {
		if st.InMotion {
			t.clear(st)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastCommandAt returns when the most recent command on this hub was issued.
func (t *Tracker) LastCommandAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCommandAt
}

// Touch moves the hub-wide and device command time to now, as a resend does.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.state(id).LastCommandAt = now
	t.lastCommandAt = now
}

// MarkRetry flags the device's current command as retried. It returns false
// if a retry was already attempted.
func (t *Tracker) MarkRetry(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	if st.RetryAttempted {
		return false
	}
	st.RetryAttempted = true
	return true
}

// Seed sets the last known hub position of a device that has no reading yet.
func (t *Tracker) Seed(id string, pos int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	if st.LastHubPosition == nil {
		st.LastHubPosition = &pos
	}
}

// Snapshot returns a copy of the device state.
func (t *Tracker) Snapshot(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.devices[id]
	if !ok {
		return State{}, false
	}
	cp := *st
	cp.LastHubPosition = copyInt(st.LastHubPosition)
	cp.PendingTarget = copyInt(st.PendingTarget)
	cp.StartPosition = copyInt(st.StartPosition)
	return cp, true
}

func (t *Tracker) within(a, b int) bool {
	return abs(a-b) <= t.tolerance
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
