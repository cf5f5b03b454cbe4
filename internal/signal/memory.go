package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRelay is an in-process Transport, RoomStore, and Directory. It exists
// so several call participants can be wired together inside one process,
// primarily in tests. Messages are delivered synchronously on the sender's
// goroutine; like the production relay, a room broadcast is echoed back to
// the sender's own subscription, so consumers must filter on SenderID.
type MemoryRelay struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	conversations map[string][]string
	roomSubs      map[string][]*roomSub
	inviteSubs    map[string][]*inviteSub
	nextSub       int
}

type roomSub struct {
	id            int
	participantID string
	fn            func(*Message)
}

type inviteSub struct {
	id     int
	userID string
	fn     func(*Message)
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		rooms:         make(map[string]*Room),
		conversations: make(map[string][]string),
		roomSubs:      make(map[string][]*roomSub),
		inviteSubs:    make(map[string][]*inviteSub),
	}
}

// Compile-time interface checks.
var (
	_ Transport = (*MemoryRelay)(nil)
	_ RoomStore = (*MemoryRelay)(nil)
	_ Directory = (*MemoryRelay)(nil)
)

// SetConversation registers the member set of a conversation.
func (m *MemoryRelay) SetConversation(conversationID string, participants []string) {
	m.mu.Lock()
	m.conversations[conversationID] = append([]string(nil), participants...)
	m.mu.Unlock()
}

// ConversationParticipants implements Directory.
func (m *MemoryRelay) ConversationParticipants(_ context.Context, conversationID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("unknown conversation: %s", conversationID)
	}
	return append([]string(nil), p...), nil
}

// ---------------------------------------------------------------------------
// RoomStore
// ---------------------------------------------------------------------------

func (m *MemoryRelay) CreateRoom(_ context.Context, conversationID string, participants []string, isGroup bool) (*Room, error) {
	room := &Room{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Participants:   append([]string(nil), participants...),
		IsGroup:        isGroup,
		CreatedAt:      time.Now(),
	}
	m.mu.Lock()
	m.rooms[room.ID] = room
	m.mu.Unlock()
	return room.Clone(), nil
}

func (m *MemoryRelay) GetRoom(_ context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID].Clone(), nil
}

func (m *MemoryRelay) MarkRoomEnded(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("unknown room: %s", roomID)
	}
	if room.EndedAt == nil {
		now := time.Now()
		room.EndedAt = &now
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Send delivers msg to every matching subscriber, synchronously. Callbacks
// run on the caller's goroutine with no relay lock held, so a handler may
// itself call Send without deadlocking.
func (m *MemoryRelay) Send(_ context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}

	m.mu.Lock()
	var targets []func(*Message)
	if msg.Kind == KindInvitation && msg.RecipientID != "" {
		for _, s := range m.inviteSubs[msg.RecipientID] {
			targets = append(targets, s.fn)
		}
	}
	for _, s := range m.roomSubs[msg.RoomID] {
		if msg.RecipientID == "" || msg.RecipientID == s.participantID {
			targets = append(targets, s.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range targets {
		fn(msg)
	}
	return nil
}

func (m *MemoryRelay) SubscribeRoom(roomID, participantID string, fn func(*Message)) (Unsubscribe, error) {
	m.mu.Lock()
	m.nextSub++
	sub := &roomSub{id: m.nextSub, participantID: participantID, fn: fn}
	m.roomSubs[roomID] = append(m.roomSubs[roomID], sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.roomSubs[roomID]
		for i, s := range subs {
			if s.id == sub.id {
				m.roomSubs[roomID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

func (m *MemoryRelay) SubscribeInvitations(userID string, fn func(*Message)) (Unsubscribe, error) {
	m.mu.Lock()
	m.nextSub++
	sub := &inviteSub{id: m.nextSub, userID: userID, fn: fn}
	m.inviteSubs[userID] = append(m.inviteSubs[userID], sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.inviteSubs[userID]
		for i, s := range subs {
			if s.id == sub.id {
				m.inviteSubs[userID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}
