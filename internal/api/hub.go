package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/discovery"
	"github.com/chaz8081/clocklink/internal/session"
)

// Event is one message sent to websocket clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type statusPayload struct {
	Status string       `json:"status"`
	Kind   session.Kind `json:"kind,omitempty"`
}

type devicePayload struct {
	Device discovery.Device `json:"device"`
	New    bool             `json:"new"`
}

type uploadPayload struct {
	Channel  ble.Channel `json:"channel"`
	Index    int         `json:"index"`
	Total    int         `json:"total"`
	Fraction float64     `json:"fraction"`
}

type notifyPayload struct {
	Channel ble.Channel `json:"channel"`
	Text    string      `json:"text"`
	At      time.Time   `json:"at"`
}

// eventFor converts a session event. ok is false for unknown values.
func eventFor(msg any) (Event, bool) {
	switch m := msg.(type) {
	case session.StateEvent:
		return Event{Type: session.TopicState, Payload: m.Snapshot}, true
	case session.StatusEvent:
		return Event{Type: session.TopicStatus, Payload: statusPayload{Status: m.Status, Kind: m.Kind}}, true
	case session.DeviceEvent:
		return Event{Type: session.TopicDevice, Payload: devicePayload{Device: m.Device, New: m.New}}, true
	case session.UploadProgress:
		return Event{Type: session.TopicUpload, Payload: uploadPayload{
			Channel: m.Channel, Index: m.Index, Total: m.Total, Fraction: m.Fraction,
		}}, true
	case session.Notification:
		return Event{Type: session.TopicNotify, Payload: notifyPayload{Channel: m.Channel, Text: m.Text, At: m.At}}, true
	}
	return Event{}, false
}

// Hub fans events out to websocket clients. Broadcast is only called from
// the Pump goroutine, so each connection has a single writer once added.
type Hub struct {
	logger       *slog.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger,
		writeTimeout: 250 * time.Millisecond,
		clients:      make(map[*websocket.Conn]bool),
	}
}

// Add registers a client. It reports false, closing conn, once the hub is
// closed.
func (h *Hub) Add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return false
	}
	h.clients[conn] = true
	return true
}

// Remove unregisters and closes a client.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends ev to every client in parallel and drops the clients a
// write fails on.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*websocket.Conn
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.WriteJSON(ev); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, c := range failed {
		h.logger.Debug("dropping websocket client", "remote", c.RemoteAddr().String())
		h.Remove(c)
	}
}

// Pump broadcasts session events until sub is closed.
func (h *Hub) Pump(sub session.Subscription) {
	for msg := range sub {
		ev, ok := eventFor(msg)
		if !ok {
			h.logger.Debug("ignoring session event", "type", fmt.Sprintf("%T", msg))
			continue
		}
		h.Broadcast(ev)
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
	}
	clear(h.clients)
}

// HandleEvents upgrades to a websocket, sends the current state, then
// streams session events. Client messages are read and discarded so close
// frames are noticed.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(Event{Type: session.TopicState, Payload: s.deps.Device.State()}); err != nil {
		conn.Close()
		return
	}
	if !s.hub.Add(conn) {
		return
	}

	go func() {
		defer s.hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
