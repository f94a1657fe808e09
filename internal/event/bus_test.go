package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(TurnStarted, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	event := Event{Type: TurnStarted, Data: "s1"}
	bus.Publish(event)

	// Wait for async delivery
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != TurnStarted {
			t.Errorf("Expected TurnStarted, got %v", received.Type)
		}
		if received.Data != "s1" {
			t.Errorf("Expected 's1', got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	// Publish different event types
	bus.Publish(Event{Type: TurnStarted, Data: nil})
	bus.Publish(Event{Type: TurnFailed, Data: nil})
	bus.Publish(Event{Type: ArtifactCached, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("Expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(TurnStarted, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	// Publish once
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event before unsub, got %d", count)
	}

	// Unsubscribe
	unsub()

	// Publish again - should not be received
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_UnsubscribeGlobal(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	// Publish once
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event before unsub, got %d", count)
	}

	// Unsubscribe
	unsub()

	// Publish again
	bus.PublishSync(Event{Type: TurnFailed, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_PublishSync(t *testing.T) {
	bus := NewBus()

	var received []EventType
	var mu sync.Mutex

	bus.Subscribe(TurnStarted, func(e Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	})
	bus.Subscribe(TurnCompleted, func(e Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	})

	// PublishSync should complete before returning
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	bus.PublishSync(Event{Type: TurnCompleted, Data: nil})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("Expected 2 events, got %d", len(received))
	}
	mu.Unlock()
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		bus.Subscribe(TurnStarted, func(e Event) {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	bus.Publish(Event{Type: TurnStarted, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("Expected 3 subscribers to receive event, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()

	// Should not panic with no subscribers
	bus.Publish(Event{Type: TurnStarted, Data: nil})
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
}

func TestBus_EventTypeFiltering(t *testing.T) {
	bus := NewBus()

	var sessionCount, messageCount int32

	bus.Subscribe(TurnStarted, func(e Event) {
		atomic.AddInt32(&sessionCount, 1)
	})
	bus.Subscribe(TurnFailed, func(e Event) {
		atomic.AddInt32(&messageCount, 1)
	})

	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	bus.PublishSync(Event{Type: TurnStarted, Data: nil})
	bus.PublishSync(Event{Type: TurnFailed, Data: nil})

	if atomic.LoadInt32(&sessionCount) != 2 {
		t.Errorf("Expected 2 turn.started events, got %d", sessionCount)
	}
	if atomic.LoadInt32(&messageCount) != 1 {
		t.Errorf("Expected 1 message event, got %d", messageCount)
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup

	// Start publishers and subscribers concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(TurnStarted, func(e Event) {
				atomic.AddInt32(&count, 1)
			})
			defer unsub()

			for j := 0; j < 10; j++ {
				bus.Publish(Event{Type: TurnStarted, Data: nil})
			}
		}()
	}

	wg.Wait()
	// Give time for async events to be delivered
	time.Sleep(100 * time.Millisecond)

	// Just verify no panic/deadlock occurred
	if atomic.LoadInt32(&count) == 0 {
		t.Log("Warning: no events received, but no panic occurred")
	}
}

func TestBus_MirrorsToMessages(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Messages(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := TurnData{SessionID: "s1", TurnNumber: 2, PromptKind: "modification", Content: "<mxfile/>"}
	bus.Publish(Event{Type: TurnCompleted, Data: sent})

	select {
	case msg := <-msgs:
		msg.Ack()
		if got := msg.Metadata.Get(MetadataType); got != string(TurnCompleted) {
			t.Errorf("Expected metadata %q, got %q", TurnCompleted, got)
		}
		ev, err := Decode(msg.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		data, ok := ev.Data.(TurnData)
		if !ok {
			t.Fatalf("Expected TurnData, got %T", ev.Data)
		}
		if data.SessionID != "s1" || data.TurnNumber != 2 || data.Content != "<mxfile/>" {
			t.Errorf("Unexpected payload %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for mirrored message")
	}
}

func TestBus_ClosedIgnoresPublish(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bus.PublishSync(Event{Type: TurnStarted})
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected no delivery after close, got %d", count)
	}
	select {
	case <-bus.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"custom","data":{"k":"v"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "custom" {
		t.Errorf("Expected type custom, got %q", ev.Type)
	}
	if m, ok := ev.Data.(map[string]any); !ok || m["k"] != "v" {
		t.Errorf("Unexpected data %#v", ev.Data)
	}
}
