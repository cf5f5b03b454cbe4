package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murdskristians/peercall/internal/signal"
	"github.com/murdskristians/peercall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Hub routes signaling messages between connected sockets. Two socket
// classes exist: room sockets, scoped to one call room, and inbox sockets,
// which receive call invitations addressed to a user regardless of room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{} // roomID -> room sockets
	inboxes map[string]map[*client]struct{} // userID -> inbox sockets
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	roomID string // empty for inbox sockets
	userID string

	mu     sync.Mutex
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		inboxes: make(map[string]map[*client]struct{}),
	}
}

// ServeRoom attaches an upgraded connection as a room socket and runs its
// pumps. Blocks until the read pump exits.
func (h *Hub) ServeRoom(conn *websocket.Conn, roomID, userID string) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, 64), roomID: roomID, userID: userID}
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	h.mu.Unlock()
	metricActiveSockets.Inc()
	util.LogInfo("participant %s connected to room %s", userID, roomID)

	go c.writePump()
	c.readPump()
}

// ServeInbox attaches an upgraded connection as an invitation inbox socket.
func (h *Hub) ServeInbox(conn *websocket.Conn, userID string) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, 64), userID: userID}
	h.mu.Lock()
	if h.inboxes[userID] == nil {
		h.inboxes[userID] = make(map[*client]struct{})
	}
	h.inboxes[userID][c] = struct{}{}
	h.mu.Unlock()
	metricActiveSockets.Inc()
	util.LogInfo("user %s connected to invitation inbox", userID)

	go c.writePump()
	c.readPump()
}

// route delivers one decoded message. Invitations go to the recipient's
// inbox sockets; everything else fans out within the room, either targeted
// or broadcast. Broadcasts include the sender's own sockets so echoes can be
// handled uniformly on the client side.
func (h *Hub) route(msg *signal.Message, raw []byte) {
	metricMessagesRelayed.WithLabelValues(string(msg.Kind)).Inc()

	if msg.Kind == signal.KindInvitation && msg.RecipientID != "" {
		h.mu.RLock()
		targets := collect(h.inboxes[msg.RecipientID], "")
		h.mu.RUnlock()
		deliver(targets, raw)
		return
	}

	h.mu.RLock()
	targets := collect(h.rooms[msg.RoomID], msg.RecipientID)
	h.mu.RUnlock()
	deliver(targets, raw)
}

// collect snapshots the clients to deliver to. With a recipient set, only
// that user's sockets qualify.
func collect(set map[*client]struct{}, recipientID string) []*client {
	out := make([]*client, 0, len(set))
	for c := range set {
		if recipientID != "" && c.userID != recipientID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func deliver(targets []*client, raw []byte) {
	for _, c := range targets {
		if !c.trySend(raw) {
			// Slow consumer; dropping the socket beats blocking the hub.
			util.LogWarning("socket for %s too slow, disconnecting", c.userID)
			c.close()
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if c.roomID != "" {
		if set := h.rooms[c.roomID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, c.roomID)
			}
		}
	} else {
		if set := h.inboxes[c.userID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.inboxes, c.userID)
			}
		}
	}
	h.mu.Unlock()
	metricActiveSockets.Dec()
}

// ---------------------------------------------------------------------------
// client pumps
// ---------------------------------------------------------------------------

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("socket for %s closed unexpectedly: %v", c.userID, err)
			}
			return
		}

		var msg signal.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			util.LogWarning("undecodable message from %s dropped: %v", c.userID, err)
			continue
		}
		// Trust the socket's identity, not the payload's.
		if msg.SenderID != c.userID {
			msg.SenderID = c.userID
			stamped, err := json.Marshal(&msg)
			if err != nil {
				continue
			}
			raw = stamped
		}
		if c.roomID != "" && msg.RoomID == "" {
			msg.RoomID = c.roomID
		}
		c.hub.route(&msg, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

// trySend queues raw for the write pump. Returns false when the socket is
// closed or its buffer is full.
func (c *client) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.hub.remove(c)
	c.conn.Close()
}
