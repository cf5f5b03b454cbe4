package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murdskristians/peercall/internal/util"
)

// RelayClient talks to a relay server: room lifecycle over its REST API,
// signaling over its WebSocket endpoints. One client serves one user.
type RelayClient struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client

	mu    sync.Mutex
	rooms map[string]*relaySocket // roomID -> live room socket
	inbox *relaySocket
}

var _ Transport = (*RelayClient)(nil)
var _ RoomStore = (*RelayClient)(nil)
var _ Directory = (*RelayClient)(nil)

// relaySocket wraps one WebSocket with a serialized writer and a read loop
// feeding a callback.
type relaySocket struct {
	conn *websocket.Conn

	wmu    sync.Mutex
	closed bool
}

// NewRelayClient builds a client for the relay at baseURL (http or https
// scheme), authenticating as userID with the given bearer token.
func NewRelayClient(baseURL, token, userID string) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: 10 * time.Second},
		rooms:   make(map[string]*relaySocket),
	}
}

// ---------------------------------------------------------------------------
// RoomStore / Directory over REST
// ---------------------------------------------------------------------------

func (c *RelayClient) CreateRoom(ctx context.Context, conversationID string, participants []string, isGroup bool) (*Room, error) {
	body := map[string]any{
		"conversationId": conversationID,
		"participants":   participants,
		"isGroup":        isGroup,
	}
	var room Room
	if err := c.doJSON(ctx, http.MethodPost, "/api/rooms", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *RelayClient) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := c.doJSON(ctx, http.MethodGet, "/api/rooms/"+roomID, nil, &room)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (c *RelayClient) MarkRoomEnded(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/rooms/"+roomID+"/end", nil, nil)
}

func (c *RelayClient) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var out struct {
		Participants []string `json:"participants"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/participants", nil, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// SetConversationParticipants registers a conversation's members with the
// relay so other clients can start calls against it.
func (c *RelayClient) SetConversationParticipants(ctx context.Context, conversationID string, participants []string) error {
	body := map[string]any{"participants": participants}
	return c.doJSON(ctx, http.MethodPut, "/api/conversations/"+conversationID+"/participants", body, nil)
}

// ---------------------------------------------------------------------------
// Transport over WebSocket
// ---------------------------------------------------------------------------

// Send writes the message over the live socket for its room. Invitations
// also ride the room socket; the relay reroutes them to the recipient's
// inbox.
func (c *RelayClient) Send(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	sock := c.rooms[msg.RoomID]
	c.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("no relay connection for room %s", msg.RoomID)
	}
	return sock.writeJSON(msg)
}

// SubscribeRoom dials the room's signaling socket and feeds every delivered
// message to fn on a dedicated goroutine.
func (c *RelayClient) SubscribeRoom(roomID, participantID string, fn func(*Message)) (Unsubscribe, error) {
	sock, err := c.dial("/ws/rooms/" + roomID)
	if err != nil {
		return nil, fmt.Errorf("connect to room %s: %w", roomID, err)
	}

	c.mu.Lock()
	if old := c.rooms[roomID]; old != nil {
		old.close()
	}
	c.rooms[roomID] = sock
	c.mu.Unlock()

	go sock.readLoop(fn)

	return func() {
		c.mu.Lock()
		if c.rooms[roomID] == sock {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		sock.close()
	}, nil
}

// SubscribeInvitations dials the per-user inbox socket.
func (c *RelayClient) SubscribeInvitations(userID string, fn func(*Message)) (Unsubscribe, error) {
	sock, err := c.dial("/ws/inbox")
	if err != nil {
		return nil, fmt.Errorf("connect to inbox: %w", err)
	}

	c.mu.Lock()
	if c.inbox != nil {
		c.inbox.close()
	}
	c.inbox = sock
	c.mu.Unlock()

	go sock.readLoop(fn)

	return func() {
		c.mu.Lock()
		if c.inbox == sock {
			c.inbox = nil
		}
		c.mu.Unlock()
		sock.close()
	}, nil
}

// Close tears down every open socket.
func (c *RelayClient) Close() {
	c.mu.Lock()
	socks := make([]*relaySocket, 0, len(c.rooms)+1)
	for _, s := range c.rooms {
		socks = append(socks, s)
	}
	c.rooms = make(map[string]*relaySocket)
	if c.inbox != nil {
		socks = append(socks, c.inbox)
		c.inbox = nil
	}
	c.mu.Unlock()

	for _, s := range socks {
		s.close()
	}
}

// ---------------------------------------------------------------------------
// plumbing
// ---------------------------------------------------------------------------

func (c *RelayClient) dial(path string) (*relaySocket, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + path + "?token=" + c.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &relaySocket{conn: conn}, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	he, ok := err.(*httpError)
	return ok && he.status == http.StatusNotFound
}

func (c *RelayClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (s *relaySocket) writeJSON(msg *Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return fmt.Errorf("relay socket closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *relaySocket) readLoop(fn func(*Message)) {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.wmu.Lock()
			closed := s.closed
			s.wmu.Unlock()
			if !closed {
				util.LogWarning("relay socket read: %v", err)
			}
			return
		}
		fn(&msg)
	}
}

func (s *relaySocket) close() {
	s.wmu.Lock()
	if s.closed {
		s.wmu.Unlock()
		return
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
	s.conn.Close()
}
