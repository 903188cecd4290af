// Package verify checks that a command reached its target after a delay and
// resends it once when the hub appears to have dropped it.
package verify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDelay is how long after a command its result is verified.
const DefaultDelay = 20 * time.Second

// Host is the hub session the supervisor verifies commands for.
type Host interface {
	// LatestCommandID returns the id of the newest command for the device.
	LatestCommandID(deviceID string) (uint64, bool)
	// AtTarget reports whether the cached hub position is within tolerance.
	AtTarget(deviceID string, target int) bool
	// RefreshNow forces a full status refresh.
	RefreshNow(ctx context.Context) error
	// MarkRetry flags the device's current command as retried, returning
	// false if it already was.
	MarkRetry(deviceID string) bool
	// Resend sends the command again through the pacer.
	Resend(ctx context.Context, deviceID string, commandID uint64, target int) error
	// Unconfirmed records a command whose result could not be confirmed.
	Unconfirmed(deviceID string, commandID uint64, target int)
}

// Outcome is how a verification ended.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeSettled     Outcome = "settled"
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeCancelled   Outcome = "cancelled"
)

// Task is the handle of one scheduled verification.
type Task struct {
	DeviceID  string
	CommandID uint64
	Target    int

	done chan struct{}

	mu      sync.Mutex
	outcome Outcome
	retried bool
}

// Done is closed when the verification has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the final outcome, or OutcomePending while running.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Retried reports whether the command was resent.
func (t *Task) Retried() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retried
}

func (t *Task) finish(outcome Outcome) {
	t.mu.Lock()
	t.outcome = outcome
	t.mu.Unlock()
	close(t.done)
}

// Supervisor runs verification tasks for one hub.
type Supervisor struct {
	hubName string
	host    Host
	wg      sync.WaitGroup
}

// New creates a supervisor.
func New(hubName string, host Host) *Supervisor {
	return &Supervisor{hubName: hubName, host: host}
}

// Schedule starts a verification of commandID after delay. The task exits on
// its own once the command is superseded, confirmed, or retried; ctx only
// covers shutdown.
func (s *Supervisor) Schedule(ctx context.Context, deviceID string, target int, commandID uint64, delay time.Duration) *Task {
	task := &Task{
		DeviceID:  deviceID,
		CommandID: commandID,
		Target:    target,
		done:      make(chan struct{}),
		outcome:   OutcomePending,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task.finish(s.run(ctx, task, delay))
	}()
	return task
}

// Wait blocks until all scheduled tasks have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, task *Task, delay time.Duration) Outcome {
	logger := log.With().
		Str("hub", s.hubName).
		Str("device", task.DeviceID).
		Uint64("command_id", task.CommandID).
		Int("target", task.Target).
		Logger()

	allowRetry := true
	for {
		outcome, retry := s.check(ctx, task, delay, allowRetry)
		if !retry {
			if outcome == OutcomeUnconfirmed {
				logger.Warn().Msg("Command not confirmed at target")
				s.host.Unconfirmed(task.DeviceID, task.CommandID, task.Target)
			}
			return outcome
		}

		logger.Info().Dur("after", delay).Msg("Shade not at target, resending command once")
		task.mu.Lock()
		task.retried = true
		task.mu.Unlock()

		if err := s.host.Resend(ctx, task.DeviceID, task.CommandID, task.Target); err != nil {
			logger.Warn().Err(err).Msg("Retry send failed")
		}
		if err := s.host.RefreshNow(ctx); err != nil {
			logger.Debug().Err(err).Msg("Refresh after retry failed")
		}

		// One follow-up verification which can never retry again
		allowRetry = false
	}
}

// check performs one verification round. retry is true when the command
// should be resent.
func (s *Supervisor) check(ctx context.Context, task *Task, delay time.Duration, allowRetry bool) (outcome Outcome, retry bool) {
	if !s.current(task) {
		return OutcomeSuperseded, false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return OutcomeCancelled, false
	case <-timer.C:
	}

	if !s.current(task) {
		return OutcomeSuperseded, false
	}
	if s.host.AtTarget(task.DeviceID, task.Target) {
		return OutcomeSettled, false
	}

	if err := s.host.RefreshNow(ctx); err != nil {
		log.Debug().Err(err).Str("hub", s.hubName).Str("device", task.DeviceID).Msg("Verification refresh failed")
	}
	if ctx.Err() != nil {
		return OutcomeCancelled, false
	}
	if !s.current(task) {
		return OutcomeSuperseded, false
	}
	if s.host.AtTarget(task.DeviceID, task.Target) {
		return OutcomeSettled, false
	}

	if !allowRetry || !s.host.MarkRetry(task.DeviceID) {
		return OutcomeUnconfirmed, false
	}
	return OutcomePending, true
}

func (s *Supervisor) current(task *Task) bool {
	latest, ok := s.host.LatestCommandID(task.DeviceID)
	return ok && latest == task.CommandID
}
