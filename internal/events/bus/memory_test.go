package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vrabby/vrabby/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("request.started", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("request.started", "orchestrator", map[string]interface{}{"request_id": "1-abc"})
	if err := bus.Publish(ctx, "request.started", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("request.completed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("request.completed", "orchestrator", nil)
	if err := bus.Publish(ctx, "request.completed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for subscriber %d", i)
		}
	}
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("Expected 3 deliveries, got %d", got)
	}
}

func TestMemoryEventBus_OrderedDelivery(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const n = 100
	received := make(chan string, n)

	sub, err := bus.Subscribe("request.>", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < n; i++ {
		eventType := fmt.Sprintf("request.step%03d", i)
		if err := bus.Publish(ctx, eventType, NewEvent(eventType, "test", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			want := fmt.Sprintf("request.step%03d", i)
			if got != want {
				t.Fatalf("Event %d out of order: got %s, want %s", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for event %d", i)
		}
	}
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	tests := []struct {
		name    string
		pattern string
		subject string
		matched bool
	}{
		{"exact match", "request.started", "request.started", true},
		{"exact mismatch", "request.started", "request.completed", false},
		{"single token wildcard", "request.*", "request.started", true},
		{"single token wildcard too deep", "request.*", "request.a.b", false},
		{"multi token wildcard", "request.>", "request.a.b", true},
		{"multi token wildcard single", "request.>", "request.started", true},
		{"wildcard other prefix", "request.>", "orchestrator.started", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan *Event, 1)
			sub, err := bus.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				received <- event
				return nil
			})
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			defer func() {
				_ = sub.Unsubscribe()
			}()

			if err := bus.Publish(ctx, tt.subject, NewEvent(tt.subject, "test", nil)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}

			select {
			case <-received:
				if !tt.matched {
					t.Errorf("Pattern %q unexpectedly matched subject %q", tt.pattern, tt.subject)
				}
			case <-time.After(200 * time.Millisecond):
				if tt.matched {
					t.Errorf("Pattern %q did not match subject %q", tt.pattern, tt.subject)
				}
			}
		})
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var a, b int32
	done := make(chan struct{}, 10)

	subA, err := bus.QueueSubscribe("request.submitted", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&a, 1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe A failed: %v", err)
	}
	defer func() { _ = subA.Unsubscribe() }()

	subB, err := bus.QueueSubscribe("request.submitted", "workers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&b, 1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe B failed: %v", err)
	}
	defer func() { _ = subB.Unsubscribe() }()

	const n = 10
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, "request.submitted", NewEvent("request.submitted", "test", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for delivery %d", i)
		}
	}

	gotA, gotB := atomic.LoadInt32(&a), atomic.LoadInt32(&b)
	if gotA+gotB != n {
		t.Errorf("Expected %d total deliveries, got %d", n, gotA+gotB)
	}
	// Round-robin splits an even count evenly.
	if gotA != n/2 || gotB != n/2 {
		t.Errorf("Expected even split, got a=%d b=%d", gotA, gotB)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 4)

	sub, err := bus.Subscribe("request.started", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	// Double unsubscribe is a no-op.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Second unsubscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "request.started", NewEvent("request.started", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Error("Received event after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	_, err := bus.Subscribe("request.started", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "request.started", NewEvent("request.started", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("request.started", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}

	// Double close is safe.
	bus.Close()
}

func TestMemoryEventBus_SlowSubscriberDrops(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	gate := make(chan struct{})
	var count int32

	sub, err := bus.Subscribe("request.started", func(ctx context.Context, event *Event) error {
		<-gate
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Flood well past the buffer while the handler is blocked.
	for i := 0; i < subscriptionBuffer+50; i++ {
		if err := bus.Publish(ctx, "request.started", NewEvent("request.started", "test", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	close(gate)

	deadline := time.After(2 * time.Second)
	for {
		got := atomic.LoadInt32(&count)
		if got >= subscriptionBuffer {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timeout draining, delivered %d", got)
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	got := atomic.LoadInt32(&count)
	if got > subscriptionBuffer+1 {
		t.Errorf("Expected at most %d deliveries, got %d", subscriptionBuffer+1, got)
	}
}
