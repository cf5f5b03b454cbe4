package relay

import (
	"testing"

	"github.com/murdskristians/peercall/internal/signal"
)

// addTestClient registers a client without a real socket; routing only
// touches the send channel.
func addTestClient(h *Hub, roomID, userID string) *client {
	c := &client{hub: h, send: make(chan []byte, 8), roomID: roomID, userID: userID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if roomID != "" {
		if h.rooms[roomID] == nil {
			h.rooms[roomID] = make(map[*client]struct{})
		}
		h.rooms[roomID][c] = struct{}{}
	} else {
		if h.inboxes[userID] == nil {
			h.inboxes[userID] = make(map[*client]struct{})
		}
		h.inboxes[userID][c] = struct{}{}
	}
	return c
}

func pendingFor(c *client) int { return len(c.send) }

func TestRouteBroadcastReachesWholeRoom(t *testing.T) {
	h := NewHub()
	alice := addTestClient(h, "room-1", "alice")
	bob := addTestClient(h, "room-1", "bob")
	outsider := addTestClient(h, "room-2", "carol")

	h.route(&signal.Message{Kind: signal.KindJoin, RoomID: "room-1", SenderID: "alice"}, []byte("join"))

	// Broadcasts include the sender's socket.
	if pendingFor(alice) != 1 || pendingFor(bob) != 1 {
		t.Errorf("broadcast delivery: alice=%d bob=%d, want 1 each", pendingFor(alice), pendingFor(bob))
	}
	if pendingFor(outsider) != 0 {
		t.Error("broadcast leaked into another room")
	}
}

func TestRouteTargetedReachesOnlyRecipient(t *testing.T) {
	h := NewHub()
	alice := addTestClient(h, "room-1", "alice")
	bob := addTestClient(h, "room-1", "bob")
	bobPhone := addTestClient(h, "room-1", "bob") // second device

	h.route(&signal.Message{
		Kind: signal.KindOffer, RoomID: "room-1", SenderID: "alice", RecipientID: "bob",
	}, []byte("offer"))

	if pendingFor(alice) != 0 {
		t.Error("targeted message echoed to sender")
	}
	if pendingFor(bob) != 1 || pendingFor(bobPhone) != 1 {
		t.Errorf("recipient sockets got %d/%d messages, want 1 each", pendingFor(bob), pendingFor(bobPhone))
	}
}

func TestRouteInvitationGoesToInbox(t *testing.T) {
	h := NewHub()
	roomSocket := addTestClient(h, "room-1", "bob")
	inbox := addTestClient(h, "", "bob")
	otherInbox := addTestClient(h, "", "carol")

	h.route(&signal.Message{
		Kind: signal.KindInvitation, RoomID: "room-1", SenderID: "alice", RecipientID: "bob",
	}, []byte("invite"))

	if pendingFor(inbox) != 1 {
		t.Errorf("inbox got %d messages, want 1", pendingFor(inbox))
	}
	if pendingFor(roomSocket) != 0 {
		t.Error("invitation routed to the room instead of the inbox")
	}
	if pendingFor(otherInbox) != 0 {
		t.Error("invitation leaked to another user's inbox")
	}
}

func TestRemoveDropsEmptyRooms(t *testing.T) {
	h := NewHub()
	c := addTestClient(h, "room-1", "alice")

	h.remove(c)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms["room-1"]; ok {
		t.Error("empty room retained after last client left")
	}
}
