// Package signal defines the call signaling data model and the transport
// contracts it travels over. Delivery is at-least-once and unordered:
// consumers must tolerate duplicated and reordered messages of any kind.
package signal

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the kind of signaling message. The set is closed; dispatch
// switches over it exhaustively and logs anything unknown.
type Kind string

const (
	KindJoin          Kind = "join"
	KindInvitation    Kind = "invitation"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "candidate"
	KindHangUp        Kind = "hangup"
	KindCallEnded     Kind = "call-ended"
	KindMicToggled    Kind = "mic-toggled"
	KindCameraToggled Kind = "camera-toggled"
)

// Message is one immutable, append-only signaling fact. An empty RecipientID
// means broadcast to every participant subscribed to the room.
type Message struct {
	Kind        Kind      `json:"type"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	IsGroup     bool      `json:"isGroup,omitempty"`

	// Kind-specific payloads.
	SDP       string                   `json:"sdp,omitempty"`       // Offer, Answer
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"` // Candidate
	Room      *Room                    `json:"room,omitempty"`      // Invitation
	Enabled   *bool                    `json:"enabled,omitempty"`   // MicToggled, CameraToggled
}

// Room identifies one call. It is created once by the initiating participant
// and is immutable except for EndedAt, which is set exactly once; a room with
// EndedAt set is dead and no further signaling is honored for it.
type Room struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Participants   []string   `json:"participants"`
	IsGroup        bool       `json:"isGroup"`
	CreatedAt      time.Time  `json:"createdAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Ended reports whether the room has been terminated.
func (r *Room) Ended() bool {
	return r != nil && r.EndedAt != nil
}

// HasParticipant reports whether id is a member of the room.
func (r *Room) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hold a Room across mutations of
// the original.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Participants = append([]string(nil), r.Participants...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}
