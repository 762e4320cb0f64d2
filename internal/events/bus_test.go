package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(Now(TaskCreated, TaskPayload{TaskID: "T-001", Title: "wire parser"}))

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case evt := <-sub.C:
			if evt.Kind != TaskCreated {
				t.Errorf("subscriber %s: kind = %q, want %q", name, evt.Kind, TaskCreated)
			}
			payload, ok := evt.Payload.(TaskPayload)
			if !ok {
				t.Fatalf("subscriber %s: payload type %T", name, evt.Payload)
			}
			if payload.TaskID != "T-001" {
				t.Errorf("subscriber %s: taskId = %q", name, payload.TaskID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no event", name)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(Now(TaskMoved, TaskPayload{TaskID: "T-002"}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := bus.Dropped(sub.ID); got != 9 {
		t.Errorf("dropped = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(0)
	bus.Unsubscribe(sub.ID)

	select {
	case _, open := <-sub.C:
		if open {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Unknown id is a no-op.
	bus.Unsubscribe("nope")

	bus.Publish(Now(TaskDeleted, TaskPayload{TaskID: "T-003"}))
	if got := bus.Dropped(sub.ID); got != 0 {
		t.Errorf("dropped after unsubscribe = %d, want 0", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)

	bus.Close()
	bus.Publish(Now(ClaimAcquired, ClaimPayload{TaskID: "T-004", SessionID: "s-1"}))

	if _, open := <-sub.C; open {
		t.Fatal("expected closed channel after bus close")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count after close = %d, want 0", got)
	}

	// Subscribing after close hands back an already-closed channel.
	late := bus.Subscribe(1)
	if _, open := <-late.C; open {
		t.Fatal("late subscription should be closed immediately")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(16)
			for j := 0; j < 50; j++ {
				bus.Publish(Now(SessionUpdated, SessionPayload{SessionID: j}))
			}
			bus.Unsubscribe(sub.ID)
		}()
	}
	wg.Wait()

	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}
