package server

import (
	"sync"
	"testing"

	"tasknerd/internal/events"
)

// Concurrent broadcasts and removals must never write to a closed send
// channel: a client leaves the set and has its channel closed in one
// critical section, and only registered clients are written to.
func TestHubBroadcastDuringRemoveDoesNotPanic(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	h := newHub(bus, newMetricSet())

	clients := make([]*wsClient, 100)
	for i := range clients {
		clients[i] = &wsClient{send: make(chan []byte, 1)}
		h.clients[clients[i]] = true
		h.metrics.wsClients.Inc()
	}

	evt := events.Now(events.SessionStarted, map[string]int{"id": 1})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.broadcast(evt)
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			h.remove(c)
		}
	}()
	wg.Wait()

	h.mu.Lock()
	left := len(h.clients)
	h.mu.Unlock()
	if left != 0 {
		t.Errorf("%d clients still registered, want 0", left)
	}
}

// A slow client (full send buffer) is dropped by broadcast itself.
func TestHubDropsSlowClient(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	h := newHub(bus, newMetricSet())

	c := &wsClient{send: make(chan []byte, 1)}
	h.clients[c] = true
	h.metrics.wsClients.Inc()

	evt := events.Now(events.SessionStarted, nil)
	h.broadcast(evt) // fills the buffer
	h.broadcast(evt) // overflows: client is removed and send closed

	h.mu.Lock()
	_, registered := h.clients[c]
	h.mu.Unlock()
	if registered {
		t.Fatal("slow client still registered after overflow")
	}
	if _, ok := <-c.send; !ok {
		t.Fatal("send channel drained before close, want one buffered frame")
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send channel still open after removal")
	}
}
