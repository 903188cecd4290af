package pacer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/shaded/internal/hub"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []hub.ControlRequest
	times []time.Time
	err   error
}

func (s *recordingSender) SendCommand(_ context.Context, req hub.ControlRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	s.times = append(s.times, time.Now())
	return s.err
}

func TestPacer_EnforcesSpacing(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := p.Send(context.Background(), "1", 50)
		require.NoError(t, err)
	}

	require.Len(t, sender.times, 3)
	for i := 1; i < 3; i++ {
		gap := sender.times[i].Sub(sender.times[i-1])
		assert.GreaterOrEqual(t, gap, 95*time.Millisecond, "gap %d too short", i)
	}
}

func TestPacer_FirstSendIsImmediate(t *testing.T) {
	p := New(&recordingSender{}, time.Hour)

	start := time.Now()
	_, err := p.Send(context.Background(), "1", 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPacer_TimestampsStrictlyIncrease(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 0)
	frozen := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return frozen }

	for i := 0; i < 5; i++ {
		_, err := p.Send(context.Background(), "1", i)
		require.NoError(t, err)
	}

	for i := 1; i < len(sender.sent); i++ {
		assert.Greater(t, sender.sent[i].Timestamp, sender.sent[i-1].Timestamp)
		assert.Greater(t, sender.sent[i].TaskID, sender.sent[i-1].TaskID)
	}
	assert.Equal(t, int64(1_700_000_000), sender.sent[0].Timestamp)
	assert.Equal(t, int64(1_700_000_004), sender.sent[4].Timestamp)
}

func TestPacer_TaskIDIsPositive(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 0)
	p.now = func() time.Time { return time.UnixMilli(0x7fffffff + 10) }

	req, err := p.Send(context.Background(), "1", 10)
	require.NoError(t, err)
	assert.Greater(t, req.TaskID, int64(0))
	assert.LessOrEqual(t, req.TaskID, int64(0x7fffffff))
}

func TestPacer_FailedSendOccupiesWindow(t *testing.T) {
	sender := &recordingSender{err: errors.New("dropped")}
	p := New(sender, 100*time.Millisecond)

	_, err := p.Send(context.Background(), "1", 10)
	require.Error(t, err)

	sender.err = nil
	_, err = p.Send(context.Background(), "1", 20)
	require.NoError(t, err)

	require.Len(t, sender.times, 2)
	assert.GreaterOrEqual(t, sender.times[1].Sub(sender.times[0]), 95*time.Millisecond)
}

func TestPacer_ContextCancelledWhileWaiting(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, time.Hour)

	_, err := p.Send(context.Background(), "1", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Send(ctx, "1", 20)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, sender.sent, 1)
}

func TestPacer_ClampsTarget(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 0)

	req, err := p.Send(context.Background(), "1", 250)
	require.NoError(t, err)
	assert.Equal(t, 100, req.Position)
}

func TestPacer_ConcurrentSendsAreSerialized(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 30*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.Send(context.Background(), "1", i*10)
		}(i)
	}
	wg.Wait()

	require.Len(t, sender.times, 4)
	for i := 1; i < 4; i++ {
		assert.GreaterOrEqual(t, sender.times[i].Sub(sender.times[i-1]), 25*time.Millisecond)
	}
}

func TestPacer_SendIfRejectedGuardSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, 50*time.Millisecond)

	_, err := p.Send(context.Background(), "1", 10)
	require.NoError(t, err)

	// The guard runs after the spacing wait, so a command superseded while
	// waiting never reaches the hub.
	var checkedAfter time.Duration
	start := time.Now()
	_, err = p.SendIf(context.Background(), "1", 20, func() bool {
		checkedAfter = time.Since(start)
		return false
	})
	require.ErrorIs(t, err, ErrSuperseded)
	assert.GreaterOrEqual(t, checkedAfter, 40*time.Millisecond)

	sender.mu.Lock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 10, sender.sent[0].Position)
	sender.mu.Unlock()

	// A rejected command does not restart the spacing window.
	start = time.Now()
	_, err = p.SendIf(context.Background(), "1", 30, func() bool { return true })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}
