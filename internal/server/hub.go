package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = wsPingInterval + 10*time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

// hub broadcasts curated bus events to WebSocket fleet clients. Producers
// never block: a client whose send buffer fills is closed.
type hub struct {
	bus      *events.Bus
	metrics  *metricSet
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
	sub     *events.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(bus *events.Bus, metrics *metricSet) *hub {
	return &hub{
		bus:     bus,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logging.Get(logging.CategoryServer),
		clients: make(map[*wsClient]bool),
	}
}

// Start begins forwarding bus events to connected clients.
func (h *hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.sub = h.bus.Subscribe(256)
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	go h.run()
}

// Stop disconnects every client and stops forwarding. Idempotent.
func (h *hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stop, done := h.stopCh, h.doneCh
	h.mu.Unlock()

	close(stop)
	<-done

	h.bus.Unsubscribe(h.sub.ID)

	h.mu.Lock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

func (h *hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.stopCh:
			return
		case evt, ok := <-h.sub.C:
			if !ok {
				return
			}
			if !curatedKinds[evt.Kind] {
				continue
			}
			h.broadcast(evt)
		}
	}
}

// broadcast fans an event out under the lock. Sends never block, so the
// hold is bounded; send channels are only ever closed under this same lock,
// after leaving the client set, so a registered client's channel is always
// open when written.
func (h *hub) broadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Buffer full: the client is too slow to keep.
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.removeLocked(c)
	}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.metrics.wsClients.Dec()
	}
}

// initMessage is the first frame a fleet client receives.
type initMessage struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *hub) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.metrics.wsClients.Inc()

	init, _ := json.Marshal(initMessage{Kind: "init", Timestamp: time.Now()})
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		h.remove(client)
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// writePump drains the client's send channel and pings on an interval. A
// write failure or a channel close ends the connection.
func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump enforces pong liveness. Fleet clients send nothing else; any
// incoming frames are discarded.
func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
