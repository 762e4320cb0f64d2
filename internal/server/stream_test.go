package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasknerd/internal/events"
)

func TestSSESnapshotFirst(t *testing.T) {
	s, _ := newTestServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), "first line %q is not a data frame", line)

	var msg snapshotMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg))
	assert.Equal(t, "snapshot", msg.Kind)
}

func TestSSEDeliversBusEvents(t *testing.T) {
	s, _ := newTestServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readFrame := func() map[string]interface{} {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
			return m
		}
	}

	// Snapshot arrives first; connection is established after that.
	first := readFrame()
	require.Equal(t, "snapshot", first["kind"])

	s.deps.Bus.Publish(events.Now(events.TaskCreated, events.TaskPayload{TaskID: "t-1"}))

	for {
		frame := readFrame()
		if frame["kind"] == "snapshot" {
			continue // tick keep-alive
		}
		assert.Equal(t, string(events.TaskCreated), frame["kind"])
		return
	}
}

func TestWebSocketCuratedFeed(t *testing.T) {
	s, _ := newTestServer(t, false)
	s.hub.Start()
	defer s.hub.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/fleet"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var init initMessage
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, "init", init.Kind)

	// A non-curated kind must not reach fleet clients; the curated one
	// published after it must be the next frame.
	s.deps.Bus.Publish(events.Now(events.TaskCreated, events.TaskPayload{TaskID: "skip-me"}))
	s.deps.Bus.Publish(events.Now(events.SessionStarted, events.SessionPayload{SessionID: 7}))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var evt events.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, events.SessionStarted, evt.Kind)
}
