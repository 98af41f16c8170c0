package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/lumid/internal/ble"
	"github.com/chaz8081/lumid/internal/notify"
)

// Message types pushed to WebSocket clients.
const (
	MessageState        = "state"
	MessageCommand      = "command"
	MessageError        = "error"
	MessageNotification = "notification"
)

const (
	clientBuffer = 16
	writeWait    = time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Message is one WebSocket frame.
type Message struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// EventPayload is the payload of state, command and error messages.
type EventPayload struct {
	State   ble.State    `json:"state"`
	Device  string       `json:"device,omitempty"`
	Command *ble.Command `json:"command,omitempty"`
	Error   string       `json:"error,omitempty"`
	Hint    string       `json:"remediation,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans out connection events and notifications to WebSocket clients.
// Each client has one writer goroutine; a client whose buffer fills up is
// dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve registers conn and blocks until it closes.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Message, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames and detects closure.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Debug("[WS] write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues msg for every client. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("[WS] client too slow, dropping")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// HandleEvent broadcasts a connection manager event.
func (h *Hub) HandleEvent(e ble.Event) {
	p := EventPayload{State: e.State, Device: e.Device}
	var typ string
	switch e.Kind {
	case ble.EventState:
		typ = MessageState
	case ble.EventCommand:
		typ = MessageCommand
		cmd := e.Command
		p.Command = &cmd
	case ble.EventError:
		typ = MessageError
		if e.Err != nil {
			p.Error = e.Err.Error()
			p.Hint = ble.Remediation(e.Err)
		}
	default:
		return
	}
	h.Broadcast(Message{Type: typ, At: e.At, Payload: p})
}

// Notify implements notify.Notifier.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	h.Broadcast(Message{Type: MessageNotification, Payload: n})
	return nil
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

var _ notify.Notifier = (*Hub)(nil)
