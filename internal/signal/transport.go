package signal

import "context"

// Unsubscribe detaches a previously registered subscription. Safe to call
// more than once.
type Unsubscribe func()

// Transport is the relay that persists and delivers signaling messages
// between participants. Implementations guarantee at-least-once delivery
// addressed by room plus optional recipient; they guarantee nothing about
// ordering or duplication.
type Transport interface {
	// Send relays one message. Failures are the caller's to log; this layer
	// performs no retries of its own.
	Send(ctx context.Context, msg *Message) error

	// SubscribeRoom delivers every message for roomID that is either a
	// broadcast or addressed to participantID. The transport may echo the
	// subscriber's own messages back; consumers filter on SenderID.
	SubscribeRoom(roomID, participantID string, fn func(*Message)) (Unsubscribe, error)

	// SubscribeInvitations delivers invitation messages addressed to userID,
	// across all rooms.
	SubscribeInvitations(userID string, fn func(*Message)) (Unsubscribe, error)
}

// RoomStore persists call rooms.
type RoomStore interface {
	CreateRoom(ctx context.Context, conversationID string, participants []string, isGroup bool) (*Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	MarkRoomEnded(ctx context.Context, roomID string) error
}

// Directory resolves the member set of a conversation. It stands in for the
// chat backend that owns conversation membership.
type Directory interface {
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}
