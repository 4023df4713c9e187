// Package chat manages live WebSocket connections between participants, the
// bot relay, and admin observers.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// Connection tuning shared by all sockets.
const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 100
)

// ErrSessionOccupied is returned when a second participant tries to join a
// session that already has a live participant socket.
var ErrSessionOccupied = errors.New("session already has an active participant")

// Event is one frame pushed to connected clients.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EventFromMessage converts a stored message into its wire frame.
func EventFromMessage(msg models.Message) Event {
	return Event{
		Type:      string(msg.Type),
		SessionID: msg.SessionID,
		ClientID:  msg.ClientID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}

// inbound is the frame participants send.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MessageHandler receives participant chat lines read off the socket.
type MessageHandler func(sessionID, clientID, content string)

// PresenceHandler is notified when a participant socket joins or leaves a
// session room.
type PresenceHandler func(sessionID, clientID string, joined bool)

// Hub tracks one room per session: at most one participant socket plus any
// number of read-only admin observers.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	upgrader   websocket.Upgrader
	onMessage  MessageHandler
	onPresence PresenceHandler
}

type room struct {
	participant *connection
	admins      map[*connection]bool
}

type connection struct {
	conn     *websocket.Conn
	clientID string
	send     chan Event
	writeMu  sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub creates an empty connection hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Participants join from researcher-distributed links on
				// arbitrary origins.
				return true
			},
		},
	}
}

// SetMessageHandler registers the callback for participant chat lines. Must
// be called before any participant connects.
func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.onMessage = fn
}

// SetPresenceHandler registers the join/leave callback. Must be called
// before any participant connects.
func (h *Hub) SetPresenceHandler(fn PresenceHandler) {
	h.onPresence = fn
}

// HandleParticipant upgrades a participant's request and binds the socket to
// the session. Only one participant socket per session is allowed; a second
// join attempt is rejected before the upgrade.
func (h *Hub) HandleParticipant(w http.ResponseWriter, r *http.Request, sessionID, clientID string) error {
	h.mu.Lock()
	rm := h.roomLocked(sessionID)
	if rm.participant != nil {
		h.mu.Unlock()
		slog.Warn("Hub.HandleParticipant: session occupied", "session_id", sessionID, "client_id", clientID)
		http.Error(w, "session already has an active participant", http.StatusConflict)
		return ErrSessionOccupied
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub.HandleParticipant: upgrade failed", "error", err, "session_id", sessionID)
		return err
	}
	c := newConnection(conn, clientID)

	h.mu.Lock()
	rm = h.roomLocked(sessionID)
	if rm.participant != nil {
		// Lost the race to another join between check and upgrade.
		h.mu.Unlock()
		c.close()
		return ErrSessionOccupied
	}
	rm.participant = c
	h.mu.Unlock()

	slog.Info("Hub.HandleParticipant: participant connected", "session_id", sessionID, "client_id", clientID)
	go c.writePump()
	go h.readPump(sessionID, c)
	if h.onPresence != nil {
		h.onPresence(sessionID, clientID, true)
	}
	return nil
}

// HandleAdmin upgrades an admin observer request. Admins receive every event
// for the session but their inbound frames are discarded.
func (h *Hub) HandleAdmin(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub.HandleAdmin: upgrade failed", "error", err, "session_id", sessionID)
		return err
	}
	c := newConnection(conn, "admin")

	h.mu.Lock()
	h.roomLocked(sessionID).admins[c] = true
	h.mu.Unlock()

	slog.Info("Hub.HandleAdmin: observer connected", "session_id", sessionID)
	go c.writePump()
	go h.drainPump(sessionID, c)
	return nil
}

// Broadcast pushes an event to the session's participant and all observers.
// Sockets with full send buffers are skipped, not blocked on.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	h.mu.RLock()
	rm, ok := h.rooms[sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*connection, 0, len(rm.admins)+1)
	if rm.participant != nil {
		targets = append(targets, rm.participant)
	}
	for c := range rm.admins {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			slog.Warn("Hub.Broadcast: send buffer full, dropping frame",
				"session_id", sessionID, "client_id", c.clientID, "type", ev.Type)
		}
	}
}

// ParticipantConnected reports whether a live participant socket exists.
func (h *Hub) ParticipantConnected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rm, ok := h.rooms[sessionID]
	return ok && rm.participant != nil
}

// CloseSession tears down every socket in a session's room. Used when a
// session ends or is abandoned.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	rm, ok := h.rooms[sessionID]
	if ok {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if rm.participant != nil {
		rm.participant.close()
	}
	for c := range rm.admins {
		c.close()
	}
	slog.Info("Hub.CloseSession: room closed", "session_id", sessionID)
}

// roomLocked returns the session's room, creating it if needed. Caller holds
// h.mu.
func (h *Hub) roomLocked(sessionID string) *room {
	rm, ok := h.rooms[sessionID]
	if !ok {
		rm = &room{admins: make(map[*connection]bool)}
		h.rooms[sessionID] = rm
	}
	return rm
}

// readPump consumes participant frames and forwards chat lines to the
// registered handler.
func (h *Hub) readPump(sessionID string, c *connection) {
	defer func() {
		h.removeParticipant(sessionID, c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("Hub.readPump: read error", "error", err, "session_id", sessionID)
			}
			return
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(sessionID, c.clientID, msg.Content)
		}
	}
}

// drainPump keeps an observer socket's read side alive without acting on its
// frames.
func (h *Hub) drainPump(sessionID string, c *connection) {
	defer func() {
		h.removeAdmin(sessionID, c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) removeParticipant(sessionID string, c *connection) {
	h.mu.Lock()
	rm, ok := h.rooms[sessionID]
	removed := ok && rm.participant == c
	if removed {
		rm.participant = nil
	}
	h.mu.Unlock()
	if removed {
		slog.Info("Hub.removeParticipant: participant disconnected", "session_id", sessionID, "client_id", c.clientID)
		if h.onPresence != nil {
			h.onPresence(sessionID, c.clientID, false)
		}
	}
}

func (h *Hub) removeAdmin(sessionID string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[sessionID]; ok {
		delete(rm.admins, c)
	}
}

func newConnection(conn *websocket.Conn, clientID string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		conn:     conn,
		clientID: clientID,
		send:     make(chan Event, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// writePump serializes all writes for one socket and keeps it alive with
// pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
	}()

	for {
		select {
		case ev := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteJSON(ev)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) close() {
	c.cancel()
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.conn.Close()
}
