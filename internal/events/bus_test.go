package events

import (
	"testing"
	"time"

	"steward/internal/domain"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	event := TaskTransitionedEvent{
		ID:        "task-1",
		From:      domain.StatusPending,
		To:        domain.StatusReady,
		Actor:     "scheduler",
		Timestamp: time.Now(),
	}

	bus.Publish(TopicTask, event)

	select {
	case received := <-ch:
		if received.EntityID() != "task-1" {
			t.Errorf("expected entity 'task-1', got '%s'", received.EntityID())
		}
		if received.EventType() != EventTypeTaskTransitioned {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskTransitioned, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicAlert, 10)
	ch2 := bus.Subscribe(TopicAlert, 10)

	event := SLABreachEvent{
		ID:        "task-2",
		Priority:  domain.PriorityHigh,
		Deadline:  time.Now(),
		Timestamp: time.Now(),
	}

	bus.Publish(TopicAlert, event)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.EntityID() != "task-2" {
				t.Errorf("subscriber %d: expected entity 'task-2', got '%s'", i+1, received.EntityID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscribe with buffer size 1
	ch := bus.Subscribe(TopicTask, 1)

	// Publish 10 events - should not deadlock
	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskTransitionedEvent{
				ID:        "task-x",
				From:      domain.StatusReady,
				To:        domain.StatusRunning,
				Actor:     "pool",
				Timestamp: time.Now(),
			})
		}
		done <- true
	}()

	select {
	case <-done:
		// Publisher didn't block
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	received := 0
	for range ch {
		received++
	}

	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicWatcher, 10)

	bus.Close()
	bus.Close() // idempotent

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(TopicWatcher, WatcherStateEvent{
		WatcherID: "mail",
		From:      domain.WatcherHealthy,
		To:        domain.WatcherUnhealthy,
		Timestamp: time.Now(),
	})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
	}
}

// TestMultipleTopics verifies topic isolation.
func TestMultipleTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	alertCh := bus.Subscribe(TopicAlert, 10)

	bus.Publish(TopicTask, TaskTransitionedEvent{
		ID: "task-1", From: domain.StatusPending, To: domain.StatusReady,
		Actor: "scheduler", Timestamp: time.Now(),
	})
	bus.Publish(TopicAlert, ApprovalExpiredEvent{
		ApprovalID: "appr-1", TaskID: "task-1", Timestamp: time.Now(),
	})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskTransitioned {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-alertCh:
		if received.EventType() != EventTypeApprovalExpired {
			t.Errorf("alert channel: expected approval event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("alert channel: timeout waiting for event")
	}

	// No cross-topic leakage in either direction.
	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-alertCh:
		t.Error("alert channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskTransitionedEvent{
		ID: "task-1", From: domain.StatusRunning, To: domain.StatusDone,
		Actor: "pool", Timestamp: time.Now(),
	})
	bus.Publish(TopicAlert, WatcherEscalationEvent{
		WatcherID: "mail", Restarts: 3, LastError: "crash", Timestamp: time.Now(),
	})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskTransitioned] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeWatcherEscalation] {
		t.Error("SubscribeAll did not receive escalation event")
	}

	select {
	case <-allCh:
		t.Error("received unexpected third event")
	case <-time.After(10 * time.Millisecond):
	}
}
