package session

import (
	"context"
	"time"

	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/hub"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/motion"
	"github.com/dokzlo13/shaded/internal/storage"
)

// Refresh polls the full hub status and ingests it. Concurrent callers share
// one in-flight poll, and polls are rate limited per hub.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, shared := s.refreshGroup.Do("status", func() (any, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		statuses, err := s.client.PollStatus(ctx)

		s.mu.Lock()
		s.lastPoll = time.Now()
		s.lastPollErr = err
		s.mu.Unlock()

		if err != nil {
			s.deps.Metrics.PollFailed(s.name)
			return nil, err
		}
		s.Ingest(statuses)
		return nil, nil
	})
	if shared {
		s.logger.Trace().Msg("Joined in-flight status refresh")
	}
	return err
}

// RefreshNow forces a status refresh on behalf of verification.
func (s *Session) RefreshNow(ctx context.Context) error {
	return s.Refresh(ctx)
}

// Ingest merges hub status records and feeds positions to the tracker.
func (s *Session) Ingest(statuses []hub.Status) {
	now := time.Now()
	for _, st := range statuses {
		if st.ID == "" {
			continue
		}

		s.mu.Lock()
		dev, ok := s.devices[st.ID]
		if !ok {
			// Shades paired after discovery still get tracked
			dev = &device{descriptor: hub.Peripheral{ID: st.ID}}
			s.devices[st.ID] = dev
			s.order = s.sortedIDs()
			s.logger.Info().Str("device", st.ID).Msg("Status for undiscovered device, tracking it")
		}
		prev := dev.status
		dev.status = dev.status.Merge(st)
		dev.hasStatus = true
		dev.seeded = false
		dev.statusAt = now
		merged := dev.status
		name := dev.name()
		s.mu.Unlock()

		obs := s.tracker.Observe(st.ID, st.BottomRailPosition)
		if obs.Settled {
			s.settled(obs)
		} else if st.BottomRailPosition != nil && !s.tracker.InMotion(st.ID) {
			// Idle movement, e.g. from a handheld remote
			s.animator.Settle(st.ID, *st.BottomRailPosition)
		}

		if merged.BottomRailPosition != nil {
			s.deps.Metrics.HubPosition(s.name, st.ID, *merged.BottomRailPosition)
		}
		if merged.BatteryLevel != nil {
			if pct, ok := hub.BatteryPercent(*merged.BatteryLevel); ok {
				s.deps.Metrics.BatteryPercent(s.name, st.ID, pct)
			}
		}

		if changed(prev, merged) {
			s.persist(st.ID, name, merged, now)
		}
		if snap, err := s.Device(st.ID); err == nil {
			s.publish(eventbus.EventTypeState, st.ID, map[string]any{"state": snap})
		}
	}
}

func changed(prev, next hub.Status) bool {
	return !intEqual(prev.BottomRailPosition, next.BottomRailPosition) ||
		!floatEqual(prev.BatteryLevel, next.BatteryLevel) ||
		!stringEqual(prev.Name, next.Name)
}

func intEqual(a, b *int) bool {
	return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
}

func floatEqual(a, b *float64) bool {
	return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
}

func stringEqual(a, b *string) bool {
	return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
}

func (s *Session) persist(id, name string, st hub.Status, at time.Time) {
	if s.deps.Snapshots == nil {
		return
	}
	snap := storage.Snapshot{
		Device:     id,
		Name:       name,
		Position:   st.BottomRailPosition,
		BatteryRaw: st.BatteryLevel,
		UpdatedAt:  at,
	}
	if err := s.deps.Snapshots.Save(s.name, snap); err != nil {
		s.logger.Warn().Err(err).Str("device", id).Msg("Failed to persist device snapshot")
	}
}

// settled handles a device whose hub reading confirmed its target.
func (s *Session) settled(obs motion.Observation) {
	pos := obs.Target
	if obs.Position != nil {
		pos = *obs.Position
	}
	s.animator.Settle(obs.DeviceID, pos)

	cmdID, _ := s.LatestCommandID(obs.DeviceID)
	target := obs.Target

	s.logger.Info().
		Str("device", obs.DeviceID).
		Uint64("command_id", cmdID).
		Int("target", target).
		Int("position", pos).
		Dur("elapsed", obs.Elapsed).
		Msg("Shade settled")

	s.deps.Metrics.Settled(s.name, obs.Elapsed)
	s.record(ledger.Entry{
		Kind:      ledger.KindSettled,
		Device:    obs.DeviceID,
		CommandID: cmdID,
		Target:    &target,
		Position:  &pos,
		Payload:   map[string]any{"elapsed_ms": obs.Elapsed.Milliseconds()},
	})
	s.publish(eventbus.EventTypeSettled, obs.DeviceID, map[string]any{
		"command_id": cmdID,
		"target":     target,
		"position":   pos,
		"elapsed_ms": obs.Elapsed.Milliseconds(),
	})
}

// Pending returns the devices in motion.
func (s *Session) Pending() []string {
	return s.tracker.Pending()
}

// PruneSettled settles devices whose cached reading already shows them at
// target and reports whether anything is still pending.
func (s *Session) PruneSettled() bool {
	settled, pending := s.tracker.PruneSettled()
	for _, obs := range settled {
		s.settled(obs)
	}
	return pending
}

// LastCommandAt is when the latest command on this hub was issued or resent.
func (s *Session) LastCommandAt() time.Time {
	return s.tracker.LastCommandAt()
}

// ForceSettleAll clears every in-motion flag after the watcher failsafe.
func (s *Session) ForceSettleAll() []string {
	cleared := s.tracker.ForceSettleAll()
	for _, id := range cleared {
		if pos, ok := s.tracker.HubPosition(id); ok {
			s.animator.Settle(id, pos)
		}
		cmdID, _ := s.LatestCommandID(id)
		s.record(ledger.Entry{
			Kind:      ledger.KindFailsafe,
			Device:    id,
			CommandID: cmdID,
		})
		s.publish(eventbus.EventTypeFailsafe, id, map[string]any{"command_id": cmdID})
	}
	return cleared
}
