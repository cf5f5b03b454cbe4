// Package call implements the call orchestrator: the single source of truth
// for call lifecycle. It consumes signaling messages, drives the peer
// connection registry, and publishes immutable state snapshots to observers.
package call

import (
	"github.com/murdskristians/peercall/internal/media"
	"github.com/murdskristians/peercall/internal/signal"
)

// State is the externally observed call snapshot. The Manager is its only
// writer; observers receive a fresh copy per mutation and must treat it as
// read-only.
//
// Invariants: Connected ⊆ ParticipantIDs and the key sets of RemoteStreams,
// RemoteAudioMuted, and RemoteVideoEnabled are subsets of ParticipantIDs.
type State struct {
	RoomID         string
	ConversationID string

	IsConnecting bool
	IsConnected  bool
	IsCalling    bool // incoming invitation is ringing
	IsCaller     bool
	IsGroup      bool

	AudioMuted   bool
	VideoEnabled bool

	LocalStream   *media.Stream
	RemoteStreams map[string]*media.RemoteStream

	// ParticipantIDs is an ordered set: insertion order, no duplicates.
	ParticipantIDs []string
	Connected      map[string]bool

	// Invitation is the pending incoming invitation awaiting accept/decline.
	Invitation *signal.Message

	// Remote mute/camera indicators fed by MicToggled / CameraToggled.
	RemoteAudioMuted   map[string]bool
	RemoteVideoEnabled map[string]bool
}

func newState() *State {
	return &State{
		RemoteStreams:      make(map[string]*media.RemoteStream),
		Connected:          make(map[string]bool),
		RemoteAudioMuted:   make(map[string]bool),
		RemoteVideoEnabled: make(map[string]bool),
	}
}

// clone deep-copies the snapshot's containers so the previous snapshot stays
// valid for observers holding it.
func (s *State) clone() *State {
	out := *s
	out.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	out.RemoteStreams = make(map[string]*media.RemoteStream, len(s.RemoteStreams))
	for k, v := range s.RemoteStreams {
		out.RemoteStreams[k] = v
	}
	out.Connected = make(map[string]bool, len(s.Connected))
	for k, v := range s.Connected {
		out.Connected[k] = v
	}
	out.RemoteAudioMuted = make(map[string]bool, len(s.RemoteAudioMuted))
	for k, v := range s.RemoteAudioMuted {
		out.RemoteAudioMuted[k] = v
	}
	out.RemoteVideoEnabled = make(map[string]bool, len(s.RemoteVideoEnabled))
	for k, v := range s.RemoteVideoEnabled {
		out.RemoteVideoEnabled[k] = v
	}
	return &out
}

// hasParticipant reports membership in the ordered set.
func (s *State) hasParticipant(id string) bool {
	for _, p := range s.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// addParticipant appends id unless already present.
func (s *State) addParticipant(id string) {
	if !s.hasParticipant(id) {
		s.ParticipantIDs = append(s.ParticipantIDs, id)
	}
}

// removeParticipant drops id from the ordered set and every per-participant
// map, preserving the subset invariants.
func (s *State) removeParticipant(id string) {
	for i, p := range s.ParticipantIDs {
		if p == id {
			s.ParticipantIDs = append(s.ParticipantIDs[:i], s.ParticipantIDs[i+1:]...)
			break
		}
	}
	delete(s.RemoteStreams, id)
	delete(s.Connected, id)
	delete(s.RemoteAudioMuted, id)
	delete(s.RemoteVideoEnabled, id)
}
