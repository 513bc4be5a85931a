package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mcdaq/internal/control"
	"mcdaq/internal/dlog"
	"mcdaq/internal/polling"
)

// statusSnapshot is the JSON document pushed to every /events subscriber.
type statusSnapshot struct {
	Time   time.Time               `json:"time"`
	System systemResponse          `json:"system"`
	Groups []*polling.GroupStatus  `json:"groups"`
}

// hubClient is one connected websocket subscriber.
type hubClient struct {
	conn *websocket.Conn
	send chan statusSnapshot
}

// Hub pushes status snapshots to websocket subscribers at most once per
// second. Subscribers that cannot keep up have snapshots dropped, never
// buffered unboundedly.
type Hub struct {
	surface *control.Surface

	mu      sync.Mutex
	clients map[*hubClient]bool

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewHub builds a Hub over surface. Run must be called to start pushing.
func NewHub(surface *control.Surface) *Hub {
	return &Hub{
		surface:  surface,
		clients:  make(map[*hubClient]bool),
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run broadcasts a snapshot every interval until Close is called. Snapshots
// are only built while at least one subscriber is connected.
func (h *Hub) Run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

// Close stops the broadcast loop and disconnects every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		h.mu.Lock()
		defer h.mu.Unlock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
	})
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	snap := statusSnapshot{
		Time:   time.Now(),
		System: toSystemResponse(h.surface.SystemStatus()),
		Groups: h.surface.GroupStatusAll(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- snap:
		default:
			dlog.Log("httpapi: subscriber slow, dropping snapshot")
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control surface is same-origin or operator tooling; no cookie
	// auth is involved, so cross-origin upgrades are acceptable here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams snapshots until the client
// disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &hubClient{conn: conn, send: make(chan statusSnapshot, 4)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.readLoop(client)
	h.writeLoop(client)
}

// readLoop discards inbound frames; its only job is to notice the peer
// going away and unregister the client.
func (h *Hub) readLoop(c *hubClient) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for snap := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(snap); err != nil {
			h.unregister(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
