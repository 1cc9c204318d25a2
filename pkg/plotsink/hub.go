package plotsink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"biosync/internal/obsmetrics"
	"biosync/pkg/acq"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub fans decimated plot payloads out to connected WebSocket clients. It
// implements acq.Sink directly, so it can be registered as a plot sink
// queue on the synchronizer the same way any other sink is (§4.1, §6).
//
// Grounded on the teacher's AnalyticsWebSocketHandler
// (pkg/http/analytics_websocket.go): register/unregister/broadcast
// channels drained by a single run loop, per-client buffered send channel,
// drop-and-log on a full client buffer rather than blocking the hub.
type Hub struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	pingInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// plotMessage is the wire shape delivered to browser-side plot clients.
type plotMessage struct {
	Kind     string             `json:"kind"`
	Device   string             `json:"device"`
	TQ       float64            `json:"t_q"`
	K        int64              `json:"k"`
	Channels []acq.ChannelPair  `json:"channels,omitempty"`
	Label    string             `json:"label,omitempty"`
}

// NewHub creates a plot WebSocket hub. Call Run in its own goroutine before
// serving any connections.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:      make(map[*client]bool),
		register:     make(chan *client),
		unregister:   make(chan *client),
		broadcast:    make(chan []byte, 256),
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Run drives client registration, broadcast fan-out and periodic pings
// until Stop is called. Intended to run in its own goroutine.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			obsmetrics.SetPlotClientsConnected(n)

		case c := <-h.unregister:
			h.dropClient(c)

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-ticker.C:
			h.pingAll()

		case <-h.stopCh:
			return
		}
	}
}

// Stop ends the run loop. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Hub) fanOut(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			obsmetrics.RecordPlotBroadcastDropped()
			h.log.WithField("component", "plot_hub").Warn("plot client buffer full, dropping message")
		}
	}
}

func (h *Hub) pingAll() {
	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- nil: // nil signals writePump to send a ping, not data
		default:
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	obsmetrics.SetPlotClientsConnected(n)
}

// ServeHTTP upgrades the connection and starts its read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("plot hub: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		if data == nil {
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// TryPut marshals payload and enqueues it for broadcast. Satisfies
// acq.Sink. A full broadcast channel drops the message and logs rather
// than blocking the synchronizer's consumer goroutine.
func (h *Hub) TryPut(p acq.Payload) bool {
	msg := plotMessage{
		Kind:     p.Kind.String(),
		Device:   p.Device,
		TQ:       p.TQ,
		K:        p.K,
		Channels: p.Channels,
		Label:    p.Label,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("plot hub: failed to marshal payload")
		return false
	}

	select {
	case h.broadcast <- data:
		return true
	default:
		h.log.Warn("plot hub: broadcast channel full, dropping payload")
		return false
	}
}
