package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RoutesByType(t *testing.T) {
	b := NewWithConfig(2, 10)
	defer b.Close(context.Background())

	var mu sync.Mutex
	var got []Event
	b.Subscribe(EventTypeSettled, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	b.Publish(Event{Type: EventTypeCommand, Hub: "living", Device: "1"})
	b.Publish(Event{Type: EventTypeSettled, Hub: "living", Device: "1", Data: map[string]any{"position": 88}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "living", got[0].Hub)
	assert.Equal(t, 88, got[0].Data["position"])
	assert.False(t, got[0].Time.IsZero())
}

func TestBus_SubscribeAllSeesEveryType(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var mu sync.Mutex
	seen := make(map[EventType]int)
	b.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Type]++
	})

	for _, typ := range []EventType{EventTypePosition, EventTypeState, EventTypeRetry, EventTypeFailsafe} {
		b.Publish(Event{Type: typ, Hub: "h"})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	b := NewWithConfig(1, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	handled := 0
	b.Subscribe(EventTypePosition, func(Event) {
		<-release
		mu.Lock()
		handled++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventTypePosition})
	}
	close(release)
	b.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, handled, 10)
	assert.GreaterOrEqual(t, handled, 1)
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(EventTypeState, func(Event) { called = true })

	b.Close(context.Background())
	b.Close(context.Background())
	b.Publish(Event{Type: EventTypeState})

	assert.False(t, called)
}

func TestBus_HandlerPanicDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 10)
	defer b.Close(context.Background())

	done := make(chan struct{})
	b.Subscribe(EventTypeRetry, func(Event) { panic("boom") })
	b.Subscribe(EventTypeSettled, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypeRetry})
	b.Publish(Event{Type: EventTypeSettled})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive handler panic")
	}
}
