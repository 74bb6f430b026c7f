package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInMemoryBus_SignalsSkippedEvents(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 1)
	defer bus.Close()

	var mu sync.Mutex
	var skips []EventsSkippedPayload
	release := make(chan struct{})

	bus.Subscribe(EventTypeEventsSkipped, func(ctx context.Context, ev Event) {
		if p, ok := ev.Payload().(EventsSkippedPayload); ok {
			mu.Lock()
			skips = append(skips, p)
			mu.Unlock()
		}
	})
	// A slow subscriber holds the single dispatch slot so the buffer
	// backs up and later publishes drop.
	bus.Subscribe(EventTypeStateChange, func(ctx context.Context, ev Event) {
		<-release
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		bus.Publish(ctx, NewEvent(EventTypeStateChange, StateChangePayload{}))
	}
	close(release)

	// The next successful publish flushes the skip notification.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(ctx, NewEvent(EventTypeStateChange, StateChangePayload{}))
		mu.Lock()
		n := len(skips)
		mu.Unlock()
		if n > 0 {
			mu.Lock()
			defer mu.Unlock()
			if skips[0].EventType != EventTypeStateChange || skips[0].Count == 0 {
				t.Errorf("skip payload = %+v", skips[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no skip signal delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
