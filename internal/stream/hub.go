package stream

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigFastest

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("stream hub closed")

// Hub fans messages out to websocket clients. Every client has a bounded
// queue; a client that falls behind loses frames instead of slowing the
// tracker down.
type Hub struct {
	log          *logrus.Entry
	upgrader     websocket.Upgrader
	queueSize    int
	writeTimeout time.Duration
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-client queue length.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithTimeouts sets the write deadline and keep-alive ping interval.
func WithTimeouts(write, ping time.Duration) Option {
	return func(h *Hub) {
		h.writeTimeout = write
		h.pingInterval = ping
	}
}

// NewHub returns an empty hub.
func NewHub(log *logrus.Entry, opts ...Option) *Hub {
	h := &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		queueSize:    4,
		writeTimeout: 5 * time.Second,
		pingInterval: 30 * time.Second,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, h.queueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr, "clients": n}).Info("Client connected")
	go h.writePump(c)
	go h.readPump(c)
}

// Publish encodes msg once and queues it for every client.
func (h *Hub) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of messages discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client. Later publishes fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// remove unregisters c; it is a no-op if c is already gone.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.WithError(err).WithField("client", c.id).Debug("Write failed")
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.log.WithError(err).WithField("client", c.id).Debug("Ping failed")
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.log.WithField("client", c.id).Info("Client disconnected")
	}()

	c.conn.SetReadLimit(512)
	pongWait := 2 * h.pingInterval
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
