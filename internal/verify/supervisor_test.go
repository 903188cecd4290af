package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu          sync.Mutex
	latest      map[string]uint64
	position    map[string]int
	retried     map[string]bool
	refreshes   int
	resends     []int
	unconfirmed []uint64
	// onRefresh can move the shade when the hub is re-read
	onRefresh func(h *fakeHost)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		latest:   make(map[string]uint64),
		position: make(map[string]int),
		retried:  make(map[string]bool),
	}
}

func (h *fakeHost) LatestCommandID(id string) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.latest[id]
	return v, ok
}

func (h *fakeHost) AtTarget(id string, target int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos, ok := h.position[id]
	if !ok {
		return false
	}
	d := pos - target
	return d >= -2 && d <= 2
}

func (h *fakeHost) RefreshNow(context.Context) error {
	h.mu.Lock()
	h.refreshes++
	fn := h.onRefresh
	h.mu.Unlock()
	if fn != nil {
		fn(h)
	}
	return nil
}

func (h *fakeHost) MarkRetry(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retried[id] {
		return false
	}
	h.retried[id] = true
	return true
}

func (h *fakeHost) Resend(_ context.Context, _ string, _ uint64, target int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resends = append(h.resends, target)
	return nil
}

func (h *fakeHost) Unconfirmed(_ string, cmdID uint64, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unconfirmed = append(h.unconfirmed, cmdID)
}

func (h *fakeHost) set(id string, cmdID uint64, pos int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[id] = cmdID
	h.position[id] = pos
}

func (h *fakeHost) resendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resends)
}

func waitTask(t *testing.T, task *Task) Outcome {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("verification did not finish")
	}
	return task.Outcome()
}

func TestSupervisor_SettledNeedsNoRetry(t *testing.T) {
	host := newFakeHost()
	host.set("1", 1, 89)
	s := New("hub", host)

	task := s.Schedule(context.Background(), "1", 90, 1, 5*time.Millisecond)
	assert.Equal(t, OutcomeSettled, waitTask(t, task))
	assert.Zero(t, host.resendCount())
	assert.Zero(t, host.refreshes)
}

func TestSupervisor_RefreshShowsTarget(t *testing.T) {
	host := newFakeHost()
	host.set("1", 1, 0)
	host.onRefresh = func(h *fakeHost) {
		h.mu.Lock()
		h.position["1"] = 100
		h.mu.Unlock()
	}
	s := New("hub", host)

	task := s.Schedule(context.Background(), "1", 100, 1, 5*time.Millisecond)
	assert.Equal(t, OutcomeSettled, waitTask(t, task))
	assert.False(t, task.Retried())
	assert.Zero(t, host.resendCount())
}

func TestSupervisor_RetriesExactlyOnce(t *testing.T) {
	host := newFakeHost()
	host.set("1", 7, 100)
	s := New("hub", host)

	task := s.Schedule(context.Background(), "1", 0, 7, 5*time.Millisecond)
	assert.Equal(t, OutcomeUnconfirmed, waitTask(t, task))
	assert.True(t, task.Retried())

	host.mu.Lock()
	assert.Equal(t, []int{0}, host.resends)
	assert.Equal(t, []uint64{7}, host.unconfirmed)
	host.mu.Unlock()

	// Re-verifying the same command never resends again
	again := s.Schedule(context.Background(), "1", 0, 7, 5*time.Millisecond)
	assert.Equal(t, OutcomeUnconfirmed, waitTask(t, again))
	assert.False(t, again.Retried())
	assert.Equal(t, 1, host.resendCount())
}

func TestSupervisor_RetryThatWorks(t *testing.T) {
	host := newFakeHost()
	host.set("1", 3, 20)
	s := New("hub", host)
	host.onRefresh = func(h *fakeHost) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.resends) > 0 {
			h.position["1"] = 70
		}
	}

	task := s.Schedule(context.Background(), "1", 70, 3, 5*time.Millisecond)
	assert.Equal(t, OutcomeSettled, waitTask(t, task))
	assert.True(t, task.Retried())
	assert.Equal(t, 1, host.resendCount())
}

func TestSupervisor_SupersededBeforeSleep(t *testing.T) {
	host := newFakeHost()
	host.set("1", 2, 0)
	s := New("hub", host)

	task := s.Schedule(context.Background(), "1", 50, 1, time.Hour)
	assert.Equal(t, OutcomeSuperseded, waitTask(t, task))
}

func TestSupervisor_SupersededDuringSleep(t *testing.T) {
	host := newFakeHost()
	host.set("1", 1, 0)
	s := New("hub", host)

	task := s.Schedule(context.Background(), "1", 50, 1, 50*time.Millisecond)
	host.set("1", 2, 0)

	assert.Equal(t, OutcomeSuperseded, waitTask(t, task))
	assert.Zero(t, host.resendCount())
	assert.Zero(t, host.refreshes)
}

func TestSupervisor_CancelledOnShutdown(t *testing.T) {
	host := newFakeHost()
	host.set("1", 1, 0)
	s := New("hub", host)
	ctx, cancel := context.WithCancel(context.Background())

	task := s.Schedule(ctx, "1", 50, 1, time.Hour)
	cancel()
	s.Wait()

	assert.Equal(t, OutcomeCancelled, task.Outcome())
	require.Zero(t, host.resendCount())
}
