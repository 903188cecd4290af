// Package pacer serializes control commands to a hub and keeps them spaced
// far enough apart for the hub to accept every one of them.
package pacer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/hub"
)

// DefaultSpacing is the smallest gap between two commands the hub reliably accepts.
const DefaultSpacing = 750 * time.Millisecond

// ErrSuperseded is returned by SendIf when the guard rejects the command.
var ErrSuperseded = errors.New("command superseded")

// taskIDMask keeps task ids within the positive int32 range.
const taskIDMask = 0x7fffffff

// Sender delivers a stamped control request to the hub.
type Sender interface {
	SendCommand(ctx context.Context, req hub.ControlRequest) error
}

// Pacer serializes commands for one hub.
type Pacer struct {
	sender  Sender
	spacing time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	lastSend   time.Time
	lastStamp  int64
	lastTaskID int64
}

// New creates a pacer for one hub.
func New(sender Sender, spacing time.Duration) *Pacer {
	if spacing < 0 {
		spacing = 0
	}
	return &Pacer{
		sender:  sender,
		spacing: spacing,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Spacing returns the configured minimum gap between sends.
func (p *Pacer) Spacing() time.Duration {
	return p.spacing
}

// Send waits out the spacing window, stamps the command and sends it.
// The spacing window restarts after every attempt, failed or not.
func (p *Pacer) Send(ctx context.Context, deviceID string, target int) (hub.ControlRequest, error) {
	return p.SendIf(ctx, deviceID, target, nil)
}

// SendIf is Send with a guard evaluated after the spacing wait, right before
// the request goes out. A false guard returns ErrSuperseded and leaves the
// spacing window untouched.
func (p *Pacer) SendIf(ctx context.Context, deviceID string, target int, current func() bool) (hub.ControlRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastSend.IsZero() {
		if wait := p.spacing - p.now().Sub(p.lastSend); wait > 0 {
			log.Debug().Str("device", deviceID).Dur("wait", wait).Msg("Pacing command")
			if err := p.sleep(ctx, wait); err != nil {
				return hub.ControlRequest{}, err
			}
		}
	}

	if current != nil && !current() {
		return hub.ControlRequest{}, ErrSuperseded
	}

	req := p.stamp(deviceID, target)
	err := p.sender.SendCommand(ctx, req)
	p.lastSend = p.now()

	if err != nil {
		log.Warn().Err(err).
			Str("device", deviceID).
			Int("target", req.Position).
			Int64("task_id", req.TaskID).
			Msg("Control command failed")
		return req, err
	}

	log.Debug().
		Str("device", deviceID).
		Int("target", req.Position).
		Int64("task_id", req.TaskID).
		Int64("timestamp", req.Timestamp).
		Msg("Control command sent")
	return req, nil
}

// stamp builds the request. Must be called with mu held.
func (p *Pacer) stamp(deviceID string, target int) hub.ControlRequest {
	now := p.now()

	ts := now.Unix()
	if ts <= p.lastStamp {
		ts = p.lastStamp + 1
	}
	p.lastStamp = ts

	taskID := now.UnixMilli() & taskIDMask
	if taskID <= p.lastTaskID && p.lastTaskID-taskID < taskIDMask/2 {
		taskID = (p.lastTaskID + 1) & taskIDMask
	}
	p.lastTaskID = taskID

	return hub.ControlRequest{
		DeviceID:  deviceID,
		Position:  hub.ClampPosition(target),
		TaskID:    taskID,
		Timestamp: ts,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
