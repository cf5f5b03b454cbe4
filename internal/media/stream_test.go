package media_test

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/media"
)

type stubRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *stubRemoteTrack) ID() string                { return t.id }
func (t *stubRemoteTrack) StreamID() string          { return "remote" }
func (t *stubRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func TestTrackEnableAndStop(t *testing.T) {
	stops := 0
	track := media.NewTrack("a1", webrtc.RTPCodecTypeAudio, nil, func() { stops++ })

	if !track.Enabled() {
		t.Error("new tracks must start enabled")
	}
	track.SetEnabled(false)
	if track.Enabled() {
		t.Error("SetEnabled(false) had no effect")
	}

	track.Stop()
	track.Stop()
	if stops != 1 {
		t.Errorf("stop callback ran %d times, want 1", stops)
	}
}

func TestStreamTracksOfKind(t *testing.T) {
	stopped := map[string]bool{}
	audio := media.NewTrack("a1", webrtc.RTPCodecTypeAudio, nil, func() { stopped["a1"] = true })
	video := media.NewTrack("v1", webrtc.RTPCodecTypeVideo, nil, func() { stopped["v1"] = true })
	stream := media.NewStream("s1", audio, video)

	if got := len(stream.Tracks()); got != 2 {
		t.Fatalf("stream holds %d tracks, want 2", got)
	}
	vids := stream.TracksOfKind(webrtc.RTPCodecTypeVideo)
	if len(vids) != 1 || vids[0].ID() != "v1" {
		t.Errorf("TracksOfKind(video) = %v", vids)
	}

	stream.Close()
	if !stopped["a1"] || !stopped["v1"] {
		t.Errorf("Close did not stop every track: %v", stopped)
	}
}

func TestRemoteStreamDeduplicates(t *testing.T) {
	s := media.NewRemoteStream("alice")

	a := &stubRemoteTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio}
	v := &stubRemoteTrack{id: "v1", kind: webrtc.RTPCodecTypeVideo}

	if !s.Add(a) {
		t.Error("first add reported duplicate")
	}
	if s.Add(a) {
		t.Error("duplicate add reported new")
	}
	if !s.Add(v) {
		t.Error("distinct track reported duplicate")
	}

	tracks := s.Tracks()
	if len(tracks) != 2 || tracks[0].ID() != "a1" || tracks[1].ID() != "v1" {
		t.Errorf("tracks = %v, want arrival order a1, v1", tracks)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}
