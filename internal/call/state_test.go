package call

import (
	"testing"

	"github.com/murdskristians/peercall/internal/signal"
)

func TestCloneIsIndependent(t *testing.T) {
	s := newState()
	s.RoomID = "room-1"
	s.addParticipant("alice")
	s.Connected["alice"] = true
	s.RemoteAudioMuted["alice"] = true
	s.Invitation = &signal.Message{Kind: signal.KindInvitation, SenderID: "alice"}

	c := s.clone()
	c.addParticipant("bob")
	c.Connected["bob"] = true
	c.RemoteAudioMuted["alice"] = false
	c.RoomID = "room-2"

	if len(s.ParticipantIDs) != 1 {
		t.Errorf("mutating the clone grew the original's participants: %v", s.ParticipantIDs)
	}
	if s.Connected["bob"] {
		t.Error("clone's map writes leaked into the original")
	}
	if !s.RemoteAudioMuted["alice"] {
		t.Error("clone's map writes leaked into the original")
	}
	if s.RoomID != "room-1" {
		t.Error("clone shares scalar fields with the original")
	}
}

func TestParticipantOrderingAndRemoval(t *testing.T) {
	s := newState()
	for _, id := range []string{"alice", "bob", "carol", "bob"} {
		s.addParticipant(id)
	}
	want := []string{"alice", "bob", "carol"}
	if len(s.ParticipantIDs) != len(want) {
		t.Fatalf("participants = %v, want %v (duplicates collapsed)", s.ParticipantIDs, want)
	}
	for i, id := range want {
		if s.ParticipantIDs[i] != id {
			t.Fatalf("participants = %v, want %v (insertion order)", s.ParticipantIDs, want)
		}
	}

	s.Connected["bob"] = true
	s.RemoteAudioMuted["bob"] = true
	s.RemoteVideoEnabled["bob"] = true
	s.removeParticipant("bob")

	if s.hasParticipant("bob") {
		t.Error("bob still present after removal")
	}
	if _, ok := s.Connected["bob"]; ok {
		t.Error("removal left an entry in Connected")
	}
	if _, ok := s.RemoteAudioMuted["bob"]; ok {
		t.Error("removal left an entry in RemoteAudioMuted")
	}
	if _, ok := s.RemoteVideoEnabled["bob"]; ok {
		t.Error("removal left an entry in RemoteVideoEnabled")
	}
	if got := []string{s.ParticipantIDs[0], s.ParticipantIDs[1]}; got[0] != "alice" || got[1] != "carol" {
		t.Errorf("participants = %v after removal, want [alice carol]", s.ParticipantIDs)
	}
}
