package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tasknerd/internal/events"
)

// sseTick is the keep-alive snapshot interval.
const sseTick = 3 * time.Second

// snapshotMessage is the full-state SSE frame sent on connect and on every
// tick. Deltas in between are raw bus events.
type snapshotMessage struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (s *Server) snapshot() snapshotMessage {
	payload := gin.H{
		"sessions": s.deps.Registry.GetSummary(),
		"usage":    s.deps.Rates.GetSnapshot(),
	}
	if s.deps.Tracker != nil {
		payload["context"] = s.deps.Tracker.GetSnapshot()
	}
	if s.deps.Coordinator != nil {
		if active, err := s.deps.Coordinator.GetActiveClaims(); err == nil {
			payload["claims"] = active
		}
	}
	return snapshotMessage{Kind: "snapshot", Timestamp: time.Now(), Payload: payload}
}

// handleSSE streams the event bus to one client: a snapshot on connect, a
// delta per bus event, and a fresh snapshot every tick. Any write failure
// drops the client; a client that cannot keep up misses deltas (the bus
// subscription buffer is bounded) and re-syncs from the next snapshot.
func (s *Server) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	sub := s.deps.Bus.Subscribe(0)
	defer s.deps.Bus.Unsubscribe(sub.ID)

	s.metrics.sseClients.Inc()
	defer s.metrics.sseClients.Dec()

	if !writeSSE(c, flusher, s.snapshot()) {
		return
	}

	ticker := time.NewTicker(sseTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, open := <-sub.C:
			if !open {
				return
			}
			s.metrics.eventsOut.WithLabelValues(string(evt.Kind)).Inc()
			if !writeSSE(c, flusher, evt) {
				return
			}
		case <-ticker.C:
			if !writeSSE(c, flusher, s.snapshot()) {
				return
			}
		}
	}
}

// writeSSE emits one message as a single data line. Returns false when the
// client is gone.
func writeSSE(c *gin.Context, flusher http.Flusher, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// curatedKinds are the event kinds forwarded to WebSocket fleet clients.
var curatedKinds = map[events.Kind]bool{
	events.SessionStarted:      true,
	events.SessionUpdated:      true,
	events.SessionCompleted:    true,
	events.DelegationStarted:   true,
	events.DelegationCompleted: true,
	events.DelegationFailed:    true,
	events.TaskCompleted:       true,
	events.AlertWarning:        true,
	events.AlertCritical:       true,
}
