// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ws fans detection alerts out to WebSocket clients.
//
// The hub subscribes once to the realtime alert channel and forwards
// every message to all connected clients. Clients are strictly
// consumers: the only frame a client may send is the text "ping",
// answered with a JSON pong. There is no replay; a client that
// reconnects sees only alerts published after the reconnect.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/nds/internal/logging"
)

const (
	// clientQueue bounds the per-client send queue. A client that falls
	// this far behind is evicted rather than allowed to stall the hub.
	clientQueue = 64

	// writeWait is how long one frame write may take before the client
	// is considered dead.
	writeWait = 2 * time.Second

	// maxClientFrame caps inbound frames. Clients only ever send "ping".
	maxClientFrame = 512

	broadcastQueue = 256
)

var pongMessage = []byte(`{"type":"pong"}`)

// Subscriber is the piece of the pub/sub bus the hub needs. Satisfied
// by *pubsub.Bus.
type Subscriber interface {
	SubscribeAlerts(ctx context.Context, handler func([]byte)) (func(), error)
}

// Hub owns the client set and the fan-out loop. The clients map is
// touched only by run, so it needs no lock.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once

	clients map[*client]struct{}
	count   atomic.Int64
	dropped atomic.Int64
	gauge   func(delta int)

	unsubscribe func()
}

// NewHub returns a hub that is not yet running. Call Start before
// serving connections.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		logger:     logger.With("component", "ws"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastQueue),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the deployment in front of
			// this service, not to the alert stream itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetClientGauge registers a callback invoked with +1/-1 as clients
// connect and disconnect, feeding the client-count metric. Call before
// Start.
func (h *Hub) SetClientGauge(fn func(delta int)) {
	h.gauge = fn
}

// Start launches the fan-out loop and, when sub is non-nil, subscribes
// to the realtime alert channel. A nil sub runs the hub standalone with
// Broadcast as its only feed, which is how the pipeline runs it when
// Redis is down.
func (h *Hub) Start(ctx context.Context, sub Subscriber) error {
	if sub != nil {
		unsub, err := sub.SubscribeAlerts(ctx, h.Broadcast)
		if err != nil {
			return err
		}
		h.unsubscribe = unsub
	}
	go h.run()
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
		close(h.done)
	})
}

// Broadcast queues one message for every connected client. Never
// blocks; when the hub is saturated or stopped the message is dropped.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped returns how many broadcasts were discarded because the hub
// queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// evict removes a client from the set. Only run may call this; closing
// c.closed is what tells the client's pumps to wind down. The send
// queue itself is never closed, so the pong path cannot race a close.
func (h *Hub) evict(c *client) {
	delete(h.clients, c)
	close(c.closed)
	if h.gauge != nil {
		h.gauge(-1)
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			if h.gauge != nil {
				h.gauge(1)
			}
			h.logger.Debug("websocket client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.evict(c)
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.evict(c)
					h.logger.Warn("websocket client evicted, send queue full", "queue", clientQueue)
				}
			}
			h.count.Store(int64(len(h.clients)))

		case <-h.done:
			for c := range h.clients {
				close(c.closed)
				if h.gauge != nil {
					h.gauge(-1)
				}
			}
			h.clients = make(map[*client]struct{})
			h.count.Store(0)
			return
		}
	}
}

// HandleAlerts upgrades the request and attaches the client to the hub.
// Mounted at /ws/alerts.
func (h *Hub) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientQueue),
		closed: make(chan struct{}),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// client is one WebSocket consumer. writePump owns all writes to conn,
// readPump owns all reads; neither touches the other's direction.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

func (c *client) drop() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.drop()
				return
			}
		case <-c.closed:
			// Shutdown or eviction. Say goodbye and hang up.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.drop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientFrame)
	for {
		mt, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// "ping" gets a pong; every other client frame is ignored.
		if mt == websocket.TextMessage && strings.TrimSpace(string(payload)) == "ping" {
			select {
			case c.send <- pongMessage:
			default:
			}
		}
	}
}
