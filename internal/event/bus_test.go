package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(NodeFinalized, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: NodeFinalized, Data: NodeFinalizedData{SessionID: "s1", NodeID: "n1"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != NodeFinalized {
			t.Errorf("Expected NodeFinalized, got %v", received.Type)
		}
		data, ok := received.Data.(NodeFinalizedData)
		if !ok || data.NodeID != "n1" {
			t.Errorf("Expected n1 finalized data, got %v", received.Data)
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

	bus.Publish(Event{Type: SessionCreated, Data: nil})
	bus.Publish(Event{Type: NodeCreated, Data: nil})
	bus.Publish(Event{Type: ActionSubmitted, Data: nil})

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
	unsub := bus.Subscribe(NodeUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: NodeUpdated})
	unsub()
	bus.PublishSync(Event{Type: NodeUpdated})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestBus_PublishSync(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(SessionAborted, func(e Event) {
		order = append(order, "subscriber")
	})

	bus.PublishSync(Event{Type: SessionAborted})
	order = append(order, "after")

	if len(order) != 2 || order[0] != "subscriber" {
		t.Errorf("PublishSync should deliver before returning, got %v", order)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(NodeCreated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	bus.PublishSync(Event{Type: NodeCreated})
	if atomic.LoadInt32(&count) != 0 {
		t.Error("Closed bus should not deliver events")
	}

	// Subscribing after close is a no-op.
	unsub := bus.Subscribe(NodeCreated, func(e Event) {})
	unsub()
}
