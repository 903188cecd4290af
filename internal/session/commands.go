package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/hub"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/pacer"
)

// SetPosition commands a device to a target position. It returns once the
// command is registered and queued for the pacer; the send happens later.
func (s *Session) SetPosition(ctx context.Context, id string, target int) (Command, error) {
	if s.ctx.Err() != nil {
		return Command{}, ErrSessionClosed
	}
	target = hub.ClampPosition(target)

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.RLock()
	dev, ok := s.devices[id]
	discovered := s.discovered
	s.mu.RUnlock()
	if !ok {
		if !discovered {
			return Command{}, ErrNotDiscovered
		}
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	// A command that cannot be queued must leave no trace on the device.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return Command{}, ctx.Err()
	case <-s.ctx.Done():
		return Command{}, ErrSessionClosed
	}

	s.mu.Lock()
	s.nextCmd++
	cmd := Command{
		ID:       s.nextCmd,
		DeviceID: id,
		Target:   target,
		IssuedAt: time.Now(),
	}
	dev.command = &cmd
	s.mu.Unlock()

	// Start the estimate from where the device appears to be before the
	// tracker switches its effective position to the new target
	fallback, _ := s.tracker.EffectivePosition(id)
	s.tracker.CommandIssued(id, target)
	from := s.animator.Start(id, fallback, target)

	s.queue <- cmd

	s.watcher.Ensure(s.ctx)
	if s.cfg.VerifyEnabled && s.cfg.VerifyDelay > 0 {
		s.verifier.Schedule(s.ctx, id, target, cmd.ID, s.cfg.VerifyDelay)
	}
	s.triggerBurst()

	s.logger.Info().
		Str("device", id).
		Uint64("command_id", cmd.ID).
		Int("from", from).
		Int("target", target).
		Msg("Command issued")

	s.record(ledger.Entry{
		Kind:      ledger.KindCommandIssued,
		Device:    id,
		CommandID: cmd.ID,
		Target:    &target,
		Payload:   map[string]any{"from": from},
	})
	s.publish(eventbus.EventTypeCommand, id, map[string]any{
		"command_id": cmd.ID,
		"target":     target,
		"from":       from,
	})
	return cmd, nil
}

// Open fully opens a device.
func (s *Session) Open(ctx context.Context, id string) (Command, error) {
	return s.SetPosition(ctx, id, 100)
}

// Close fully closes a device.
func (s *Session) Close(ctx context.Context, id string) (Command, error) {
	return s.SetPosition(ctx, id, 0)
}

// LatestCommandID returns the id of the newest command for a device.
func (s *Session) LatestCommandID(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok || dev.command == nil {
		return 0, false
	}
	return dev.command.ID, true
}

// dispatch sends queued commands through the pacer in issue order.
func (s *Session) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.queue:
			<-s.slots
			if latest, ok := s.LatestCommandID(cmd.DeviceID); ok && latest != cmd.ID {
				s.logger.Debug().
					Str("device", cmd.DeviceID).
					Uint64("command_id", cmd.ID).
					Uint64("latest", latest).
					Msg("Skipping superseded command")
				continue
			}
			s.send(s.ctx, cmd, ledger.KindCommandSent)
		}
	}
}

// send delivers one command through the pacer and records the outcome. A
// command superseded while waiting for the pacer is dropped silently.
func (s *Session) send(ctx context.Context, cmd Command, kind ledger.Kind) error {
	current := func() bool {
		latest, ok := s.LatestCommandID(cmd.DeviceID)
		return ok && latest == cmd.ID
	}
	req, err := s.pacer.SendIf(ctx, cmd.DeviceID, cmd.Target, current)
	target := cmd.Target

	if errors.Is(err, pacer.ErrSuperseded) {
		s.logger.Debug().
			Str("device", cmd.DeviceID).
			Uint64("command_id", cmd.ID).
			Str("kind", string(kind)).
			Msg("Dropping command superseded while paced")
		return err
	}
	if err != nil {
		s.deps.Metrics.CommandFailed(s.name)
		s.record(ledger.Entry{
			Kind:      ledger.KindCommandFailed,
			Device:    cmd.DeviceID,
			CommandID: cmd.ID,
			Target:    &target,
			Payload:   map[string]any{"error": err.Error(), "task_id": req.TaskID},
		})
		return err
	}

	s.deps.Metrics.CommandSent(s.name)
	s.record(ledger.Entry{
		Kind:      kind,
		Device:    cmd.DeviceID,
		CommandID: cmd.ID,
		Target:    &target,
		Payload:   map[string]any{"task_id": req.TaskID, "timestamp": req.Timestamp},
	})
	return nil
}

// Resend sends a command again on behalf of verification. A command that is
// no longer the device's latest is not resent.
func (s *Session) Resend(ctx context.Context, id string, commandID uint64, target int) error {
	if latest, ok := s.LatestCommandID(id); !ok || latest != commandID {
		return nil
	}
	s.tracker.Touch(id)
	s.deps.Metrics.Retry(s.name)
	s.publish(eventbus.EventTypeRetry, id, map[string]any{
		"command_id": commandID,
		"target":     target,
	})

	cmd := Command{ID: commandID, DeviceID: id, Target: target, IssuedAt: time.Now()}
	err := s.send(ctx, cmd, ledger.KindRetrySent)
	if errors.Is(err, pacer.ErrSuperseded) {
		return nil
	}
	s.watcher.Ensure(s.ctx)
	s.triggerBurst()
	return err
}

// Unconfirmed records a command the hub never confirmed.
func (s *Session) Unconfirmed(id string, commandID uint64, target int) {
	s.deps.Metrics.Unconfirmed(s.name)
	s.record(ledger.Entry{
		Kind:      ledger.KindVerifyUnconfirmed,
		Device:    id,
		CommandID: commandID,
		Target:    &target,
	})
}

// AtTarget reports whether the cached hub position is within tolerance of target.
func (s *Session) AtTarget(id string, target int) bool {
	return s.tracker.AtTarget(id, target)
}

// MarkRetry flags the device's current command as retried.
func (s *Session) MarkRetry(id string) bool {
	return s.tracker.MarkRetry(id)
}
