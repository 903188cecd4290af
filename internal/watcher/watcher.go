// Package watcher holds a hub's notification endpoint open while commands are
// in flight and turns its events into targeted status refreshes.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/hub"
)

// Source is the long-poll side of the hub client.
type Source interface {
	LongPoll(ctx context.Context, watermark int64, hold time.Duration) (string, error)
}

// Host is the hub session the watcher works for.
type Host interface {
	// Pending returns the devices currently in motion.
	Pending() []string
	// PruneSettled settles devices whose cached status already shows them at
	// target and reports whether any device is still pending.
	PruneSettled() bool
	// LastCommandAt is when the latest command was issued on the hub.
	LastCommandAt() time.Time
	// ForceSettleAll clears every in-motion flag.
	ForceSettleAll() []string
	// Refresh re-reads the full status of the hub.
	Refresh(ctx context.Context) error
}

// Observer receives watcher telemetry.
type Observer interface {
	WatcherRunning(hub string, running bool)
	LongPollEvents(hub string, n int)
	MalformedFragments(hub string, n int)
	Failsafe(hub string)
}

type nopObserver struct{}

func (nopObserver) WatcherRunning(string, bool) {}
func (nopObserver) LongPollEvents(string, int) {}
func (nopObserver) MalformedFragments(string, int) {}
func (nopObserver) Failsafe(string) {}

// Config holds the watcher timings.
type Config struct {
	// ArmDelay postpones the first status read so a just-issued command is
	// sent before it.
	ArmDelay time.Duration
	// Hold bounds each long-poll call.
	Hold time.Duration
	// Failsafe is the longest the watcher waits after the last command.
	Failsafe time.Duration
	// Backoff is the pause after a failed long-poll call.
	Backoff time.Duration
}

// DefaultConfig returns the default timings for a pacer spacing.
func DefaultConfig(spacing time.Duration) Config {
	return Config{
		ArmDelay: spacing + 200*time.Millisecond,
		Hold:     2 * time.Second,
		Failsafe: 120 * time.Second,
		Backoff:  time.Second,
	}
}

// Watcher runs at most one long-poll loop per hub at a time.
type Watcher struct {
	hubName  string
	src      Source
	host     Host
	cfg      Config
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	done      chan struct{}
	watermark int64
}

// New creates a dormant watcher.
func New(hubName string, src Source, host Host, cfg Config, observer Observer) *Watcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Watcher{
		hubName:  hubName,
		src:      src,
		host:     host,
		cfg:      cfg,
		observer: observer,
		now:      time.Now,
	}
}

// Ensure starts the loop unless one is already running. It returns true
// when a new loop was started. ctx bounds the loop's lifetime.
func (w *Watcher) Ensure(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return false
	}
	w.running = true
	w.done = make(chan struct{})

	log.Debug().Str("hub", w.hubName).Msg("Starting long-poll watcher")
	w.observer.WatcherRunning(w.hubName, true)

	go w.run(ctx, w.done)
	return true
}

// Running reports whether a loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wait blocks until the current loop, if any, has exited.
func (w *Watcher) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Watermark returns the current notification watermark in unix seconds.
func (w *Watcher) Watermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watermark
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !sleep(ctx, w.cfg.ArmDelay) {
		w.finish("context done")
		return
	}

	for {
		if ctx.Err() != nil {
			w.finish("context done")
			return
		}

		// (a) nothing in motion
		if w.stopIfIdle() {
			log.Info().Str("hub", w.hubName).Msg("All commanded shades settled, stopping watcher")
			return
		}

		// (b) cached status already shows the pending devices settled
		if !w.host.PruneSettled() && w.stopIfIdle() {
			log.Debug().Str("hub", w.hubName).Msg("Pending cleared per cached status, stopping watcher")
			return
		}

		// (c) failsafe against a hub that never reports
		if last := w.host.LastCommandAt(); !last.IsZero() && w.now().Sub(last) > w.cfg.Failsafe {
			cleared := w.host.ForceSettleAll()
			log.Warn().
				Str("hub", w.hubName).
				Strs("devices", cleared).
				Dur("since_command", w.now().Sub(last)).
				Msg("No settlement before failsafe, clearing motion state")
			w.observer.Failsafe(w.hubName)

			if err := w.host.Refresh(ctx); err != nil {
				log.Warn().Err(err).Str("hub", w.hubName).Msg("Status refresh after failsafe failed")
			}
			if w.stopIfIdle() {
				return
			}
			continue
		}

		if !w.poll(ctx) {
			if !sleep(ctx, w.cfg.Backoff) {
				w.finish("context done")
				return
			}
		}
	}
}

// poll performs one long-poll round. It returns false on a transport failure.
func (w *Watcher) poll(ctx context.Context) bool {
	watermark := w.bumpWatermark()

	log.Debug().
		Str("hub", w.hubName).
		Int64("watermark", watermark).
		Dur("hold", w.cfg.Hold).
		Msg("Long-poll hold")

	text, err := w.src.LongPoll(ctx, watermark, w.cfg.Hold)
	if err != nil {
		if errors.Is(err, hub.ErrLongPollTimeout) {
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		log.Warn().Err(err).Str("hub", w.hubName).Msg("Long-poll failed, will retry while shades are pending")
		return false
	}

	events, malformed := ParseEvents(text)
	if len(malformed) > 0 {
		for _, m := range malformed {
			log.Debug().Err(m).Str("hub", w.hubName).Msg("Skipping malformed event fragment")
		}
		w.observer.MalformedFragments(w.hubName, len(malformed))
	}
	if len(events) == 0 {
		return true
	}
	w.observer.LongPollEvents(w.hubName, len(events))
	w.advance(events)

	if w.touchesPending(events) {
		if err := w.host.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("hub", w.hubName).Msg("Event-triggered status refresh failed")
		}
	}
	return true
}

// bumpWatermark keeps the watermark from lagging behind wall time and
// returns the value to poll with.
func (w *Watcher) bumpWatermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().Unix()
	if w.watermark < now-1 {
		w.watermark = now
	}
	return w.watermark
}

// advance moves the watermark forward to the newest event timestamp.
func (w *Watcher) advance(events []Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ev := range events {
		if ev.Timestamp > w.watermark {
			w.watermark = ev.Timestamp
		}
	}
}

func (w *Watcher) touchesPending(events []Event) bool {
	pending := make(map[string]struct{})
	for _, id := range w.host.Pending() {
		pending[id] = struct{}{}
	}
	for _, ev := range events {
		for _, id := range ev.Peripherals {
			if _, ok := pending[id]; ok {
				return true
			}
		}
	}
	return false
}

// stopIfIdle marks the watcher stopped when nothing is pending. The check and
// the flag flip share the lock Ensure takes, so a command registered before
// Ensure is never missed.
func (w *Watcher) stopIfIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.host.Pending()) > 0 {
		return false
	}
	w.running = false
	w.observer.WatcherRunning(w.hubName, false)
	return true
}

func (w *Watcher) finish(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = false
	w.observer.WatcherRunning(w.hubName, false)
	log.Debug().Str("hub", w.hubName).Str("reason", reason).Msg("Long-poll watcher stopped")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
