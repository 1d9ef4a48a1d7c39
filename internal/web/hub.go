package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"flux-lora-bridge/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one websocket subscriber of the progress feed
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *ProgressHub
	mu     sync.Mutex
	closed bool
}

// progressMessage is the wire form of an attempt event.
type progressMessage struct {
	Type string `json:"type"`
	models.AttemptEvent
}

// ProgressHub fans orchestrator attempt events out to websocket clients.
type ProgressHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.AttemptEvent
	done       chan struct{}
	count      atomic.Int32
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan models.AttemptEvent, 1000),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "hub"),
	}
}

// Run is the hub's event loop. It closes every client when ctx ends.
func (h *ProgressHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *ProgressHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.count.Store(int32(len(h.clients)))
	h.logger.Info("client connected", "id", client.ID, "total", len(h.clients))

	go client.writePump()
}

func (h *ProgressHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.count.Store(int32(len(h.clients)))
		h.logger.Info("client disconnected", "id", client.ID, "total", len(h.clients))
	}
}

func (h *ProgressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
	h.count.Store(0)
}

func (h *ProgressHub) broadcastEvent(event models.AttemptEvent) {
	data, err := json.Marshal(progressMessage{Type: "attempt", AttemptEvent: event})
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("client send buffer full", "id", client.ID)
		}
	}
}

// join hands a client to the event loop. It reports false once the hub has stopped.
func (h *ProgressHub) join(client *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// leave never blocks after the event loop has returned.
func (h *ProgressHub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// OnAttempt queues an event for broadcast without blocking the orchestrator.
func (h *ProgressHub) OnAttempt(event models.AttemptEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "request_id", event.RequestID)
	}
}

// ClientCount returns the number of connected clients
func (h *ProgressHub) ClientCount() int {
	return int(h.count.Load())
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Debug("write failed", "id", c.ID, "error", err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump drains the connection so pongs and close frames are processed.
func (c *Client) readPump() {
	defer func() {
		c.Hub.leave(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Debug("unexpected close", "id", c.ID, "error", err)
			}
			return
		}
	}
}
