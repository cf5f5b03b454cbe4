// Package media models local and remote media streams for a call.
//
// A local Stream is acquired once per call from a Provider and its tracks are
// attached to outgoing peer connections. A RemoteStream is built lazily as
// tracks arrive from a remote participant; tracks are de-duplicated by ID
// because the signaling layer can replay negotiation.
package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Provider acquires local capture devices. It stands in for the browser
// getUserMedia capability.
type Provider interface {
	// AcquireLocalStream opens the microphone, and the camera when wantsVideo
	// is set. Fails with *AccessError when a required device is unavailable.
	AcquireLocalStream(ctx context.Context, wantsVideo bool) (*Stream, error)
}

// AccessError reports that a local capture device could not be opened.
type AccessError struct {
	Reason string
	Err    error
}

func (e *AccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media access: %s", e.Reason)
}

func (e *AccessError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Local tracks
// ---------------------------------------------------------------------------

// Track is one local capture track. The enabled flag mirrors the browser
// track.enabled semantics: a disabled track stays attached to its senders but
// is considered muted.
type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	local   webrtc.TrackLocal
	enabled atomic.Bool

	stopOnce sync.Once
	stop     func()
}

// NewTrack wraps a local RTP track. stop releases the underlying capture
// device and may be nil. The track starts enabled.
func NewTrack(id string, kind webrtc.RTPCodecType, local webrtc.TrackLocal, stop func()) *Track {
	t := &Track{id: id, kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local returns the underlying RTP track attached to peer connections.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool      { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Stop releases the capture device. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

// Stream is a fixed set of local tracks acquired together.
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream groups tracks under one stream ID.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the track list.
func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

// TracksOfKind returns the tracks of the given kind.
func (s *Stream) TracksOfKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Close stops every track in the stream.
func (s *Stream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// ---------------------------------------------------------------------------
// Remote tracks
// ---------------------------------------------------------------------------

// RemoteTrack is the minimal view of an inbound track. *webrtc.TrackRemote
// satisfies it; tests substitute stubs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream accumulates the tracks received from one remote participant.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	order  []string
	tracks map[string]RemoteTrack
}

// NewRemoteStream creates an empty remote stream.
func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id, tracks: make(map[string]RemoteTrack)}
}

func (s *RemoteStream) ID() string { return s.id }

// Add inserts a track, de-duplicating by track ID. Returns false when the
// track was already present.
func (s *RemoteStream) Add(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[t.ID()]; ok {
		return false
	}
	s.tracks[t.ID()] = t
	s.order = append(s.order, t.ID())
	return true
}

// Tracks returns the accumulated tracks in arrival order.
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteTrack, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tracks[id])
	}
	return out
}

// Len returns the number of accumulated tracks.
func (s *RemoteStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
