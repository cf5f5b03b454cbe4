package call_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/call"
	"github.com/murdskristians/peercall/internal/media"
	"github.com/murdskristians/peercall/internal/rtc"
	"github.com/murdskristians/peercall/internal/signal"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeLocalTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeLocalTrack) ID() string                            { return t.id }
func (t *fakeLocalTrack) RID() string                           { return "" }
func (t *fakeLocalTrack) StreamID() string                      { return "local" }
func (t *fakeLocalTrack) Kind() webrtc.RTPCodecType             { return t.kind }

// fakeMedia hands out streams built from fake tracks and counts acquisitions.
// With audioOnly set it ignores the video request, mimicking the camera-less
// fallback of the real device layer.
type fakeMedia struct {
	mu           sync.Mutex
	acquisitions int
	fail         bool
	audioOnly    bool
}

func (f *fakeMedia) AcquireLocalStream(_ context.Context, wantsVideo bool) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &media.AccessError{Reason: "device access denied"}
	}
	f.acquisitions++
	id := fmt.Sprintf("local-%d", f.acquisitions)
	tracks := []*media.Track{
		media.NewTrack(id+"-audio", webrtc.RTPCodecTypeAudio,
			&fakeLocalTrack{id: id + "-audio", kind: webrtc.RTPCodecTypeAudio}, nil),
	}
	if wantsVideo && !f.audioOnly {
		tracks = append(tracks, media.NewTrack(id+"-video", webrtc.RTPCodecTypeVideo,
			&fakeLocalTrack{id: id + "-video", kind: webrtc.RTPCodecTypeVideo}, nil))
	}
	return media.NewStream(id, tracks...), nil
}

func (f *fakeMedia) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquisitions
}

type stubTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *stubTrack) ID() string                { return t.id }
func (t *stubTrack) StreamID() string          { return "remote" }
func (t *stubTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakeConn mimics the peer connection signaling state machine.
type fakeConn struct {
	mu         sync.Mutex
	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool
	offerSeq   int

	// When set, CreateAnswer closes answerEntered on entry and then waits
	// for answerGate, letting a test interleave an operation mid-negotiation.
	// Both are consumed on first use.
	answerEntered chan struct{}
	answerGate    chan struct{}

	onICE   func(*webrtc.ICECandidate)
	onTrack func(media.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

var _ rtc.PeerConn = (*fakeConn)(nil)

type fakeSender struct{ current webrtc.TrackLocal }

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error { s.current = t; return nil }

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (rtc.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return &fakeSender{current: t}, nil
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerSeq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offerSeq)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	entered, gate := c.answerEntered, c.answerGate
	c.answerEntered, c.answerGate = nil, nil
	c.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer to answer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + c.remote.SDP}, nil
}

func (c *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &sdp
	if sdp.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &sdp
	if sdp.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate))                { c.onICE = fn }
func (c *fakeConn) OnTrack(fn func(media.RemoteTrack))                          { c.onTrack = fn }
func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// participant bundles one manager with its fakes.
type participant struct {
	id      string
	manager *call.Manager
	media   *fakeMedia

	mu    sync.Mutex
	conns []*fakeConn
	// factoryEntered/factoryGate stall the next factory invocation the same
	// way fakeConn's answer gates stall CreateAnswer. connHook, when set,
	// configures each new connection before it is handed to the registry.
	factoryEntered chan struct{}
	factoryGate    chan struct{}
	connHook       func(*fakeConn)
}

func (p *participant) factory(rtc.Mode) (rtc.PeerConn, error) {
	p.mu.Lock()
	entered, gate := p.factoryEntered, p.factoryGate
	p.factoryEntered, p.factoryGate = nil, nil
	hook := p.connHook
	p.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}

	c := &fakeConn{state: webrtc.SignalingStateStable}
	if hook != nil {
		hook(c)
	}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

func (p *participant) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

func newParticipant(t *testing.T, relay *signal.MemoryRelay, id string) *participant {
	t.Helper()
	p := &participant{id: id, media: &fakeMedia{}}
	p.manager = call.NewManager(call.Config{
		SelfID:    id,
		Transport: relay,
		Rooms:     relay,
		Directory: relay,
		Media:     p.media,
		Factory:   p.factory,
	})
	if err := p.manager.SubscribeIncoming(); err != nil {
		t.Fatalf("%s: subscribe incoming: %v", id, err)
	}
	t.Cleanup(p.manager.Close)
	return p
}

// dialAndAccept runs a full 1:1 exchange: caller dials, callee accepts.
func dialAndAccept(t *testing.T, ctx context.Context, relay *signal.MemoryRelay, caller, callee *participant, conversationID string) {
	t.Helper()
	relay.SetConversation(conversationID, []string{caller.id, callee.id})

	if err := caller.manager.InitializeCall(ctx, "", conversationID, true, false, true); err != nil {
		t.Fatalf("%s: start call: %v", caller.id, err)
	}
	if s := callee.manager.State(); !s.IsCalling || s.Invitation == nil {
		t.Fatalf("%s: expected ringing state after invitation", callee.id)
	}
	if err := callee.manager.Accept(ctx, true); err != nil {
		t.Fatalf("%s: accept: %v", callee.id, err)
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestOneToOneCallFlow(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")

	for _, p := range []*participant{alice, bob} {
		s := p.manager.State()
		if !s.IsConnected || s.IsConnecting || s.IsCalling {
			t.Errorf("%s: state = connected:%v connecting:%v calling:%v, want connected only",
				p.id, s.IsConnected, s.IsConnecting, s.IsCalling)
		}
		if len(s.ParticipantIDs) != 2 {
			t.Errorf("%s: %d participants, want 2", p.id, len(s.ParticipantIDs))
		}
		if p.manager.Registry().Count() != 1 {
			t.Errorf("%s: %d peer connections, want 1", p.id, p.manager.Registry().Count())
		}
	}
	if !alice.manager.State().Connected["bob"] {
		t.Error("alice never marked bob connected")
	}
	if !bob.manager.State().Connected["alice"] {
		t.Error("bob never marked alice connected")
	}

	// Negotiation outcome: alice offered, bob answered.
	aliceConn, bobConn := alice.lastConn(), bob.lastConn()
	if aliceConn.RemoteDescription() == nil || aliceConn.RemoteDescription().Type != webrtc.SDPTypeAnswer {
		t.Error("alice's connection never got bob's answer")
	}
	if bobConn.RemoteDescription() == nil || bobConn.RemoteDescription().Type != webrtc.SDPTypeOffer {
		t.Error("bob's connection never got alice's offer")
	}

	// Trickled candidate crosses over and lands on the remote connection.
	aliceConn.onICE(&webrtc.ICECandidate{Foundation: "f", Port: 1})
	bobConn.mu.Lock()
	applied := len(bobConn.candidates)
	bobConn.mu.Unlock()
	if applied != 1 {
		t.Errorf("bob applied %d candidates, want 1", applied)
	}
}

func TestCallerIgnoresOwnBroadcasts(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	if err := alice.manager.InitializeCall(ctx, "", "conv-1", true, false, true); err != nil {
		t.Fatalf("start call: %v", err)
	}

	// The Join broadcast echoes back; it must not create a self connection.
	if got := alice.manager.Registry().Count(); got != 0 {
		t.Errorf("%d peer connections after own join echo, want 0", got)
	}
	s := alice.manager.State()
	if len(s.ParticipantIDs) != 1 || s.ParticipantIDs[0] != "alice" {
		t.Errorf("participants = %v, want just alice", s.ParticipantIDs)
	}
}

func TestStaleInvitationDropped(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	bob := newParticipant(t, relay, "bob")

	room, err := relay.CreateRoom(ctx, "conv-1", []string{"alice", "bob"}, false)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	err = relay.Send(ctx, &signal.Message{
		Kind:        signal.KindInvitation,
		RoomID:      room.ID,
		SenderID:    "alice",
		RecipientID: "bob",
		Timestamp:   time.Now().Add(-time.Minute),
		Room:        room,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if s := bob.manager.State(); s.IsCalling || s.Invitation != nil {
		t.Error("minute-old invitation should have been dropped as stale")
	}
}

func TestInvitationForEndedRoomDropped(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	bob := newParticipant(t, relay, "bob")

	room, _ := relay.CreateRoom(ctx, "conv-1", []string{"alice", "bob"}, false)
	if err := relay.MarkRoomEnded(ctx, room.ID); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	err := relay.Send(ctx, &signal.Message{
		Kind:        signal.KindInvitation,
		RoomID:      room.ID,
		SenderID:    "alice",
		RecipientID: "bob",
		Timestamp:   time.Now(),
		Room:        room,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if s := bob.manager.State(); s.IsCalling {
		t.Error("invitation for an ended room should have been dropped")
	}
}

func TestInvitationSuppressedDuringCall(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")
	carol := newParticipant(t, relay, "carol")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")

	// Carol rings bob while he is on the line with alice.
	relay.SetConversation("conv-2", []string{"carol", "bob"})
	if err := carol.manager.InitializeCall(ctx, "", "conv-2", true, false, true); err != nil {
		t.Fatalf("carol: start call: %v", err)
	}

	s := bob.manager.State()
	if s.Invitation != nil {
		t.Error("bob should not see carol's invitation while in a call")
	}
	if s.RoomID == "" || !s.IsConnected {
		t.Error("bob's active call was disturbed by a second invitation")
	}
}

func TestDuplicateAnswerAbsorbed(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")
	before := alice.manager.State()

	// Replay bob's answer at alice.
	answer := alice.lastConn().RemoteDescription().SDP
	err := relay.Send(ctx, &signal.Message{
		Kind:        signal.KindAnswer,
		RoomID:      before.RoomID,
		SenderID:    "bob",
		RecipientID: "alice",
		Timestamp:   time.Now(),
		SDP:         answer,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	after := alice.manager.State()
	if !after.IsConnected || len(after.ParticipantIDs) != len(before.ParticipantIDs) {
		t.Error("duplicate answer changed established call state")
	}
}

func TestDuplicateOfferSkipped(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")

	// Remote media arrived for bob, arming the established-connection guard.
	bob.lastConn().onTrack(&stubTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})

	offerSDP := bob.lastConn().RemoteDescription().SDP
	before := bob.manager.Registry().Count()
	err := relay.Send(ctx, &signal.Message{
		Kind:        signal.KindOffer,
		RoomID:      bob.manager.State().RoomID,
		SenderID:    "alice",
		RecipientID: "bob",
		Timestamp:   time.Now(),
		SDP:         offerSDP,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := bob.manager.Registry().Count(); got != before {
		t.Errorf("replayed offer changed connection count: %d -> %d", before, got)
	}
	if got := bob.lastConn().RemoteDescription().SDP; got != offerSDP {
		t.Errorf("replayed offer re-applied: remote SDP now %q", got)
	}
}

func TestICERestartRenegotiation(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")
	bob.lastConn().onTrack(&stubTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})
	firstOffer := bob.lastConn().RemoteDescription().SDP

	// A failed connection state triggers an asynchronous restart offer.
	alice.lastConn().onState(webrtc.PeerConnectionStateFailed)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sdp := bob.lastConn().RemoteDescription().SDP; sdp != firstOffer {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restart offer never reached the remote connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// And the answer makes it back.
	if rd := alice.lastConn().RemoteDescription(); rd == nil || rd.Type != webrtc.SDPTypeAnswer {
		t.Fatal("restart answer never applied on the initiating side")
	}
	if alice.lastConn().SignalingState() != webrtc.SignalingStateStable {
		t.Error("connection not stable after the restart exchange")
	}
}

func TestHangUpEndsOneToOneCall(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")
	roomID := alice.manager.State().RoomID

	bob.manager.End(ctx)

	for _, p := range []*participant{alice, bob} {
		s := p.manager.State()
		if s.RoomID != "" || s.IsConnected || s.LocalStream != nil || len(s.RemoteStreams) != 0 {
			t.Errorf("%s: state not reset after hang-up", p.id)
		}
		if p.manager.Registry().Count() != 0 {
			t.Errorf("%s: peer connections survive hang-up", p.id)
		}
		if !p.lastConn().closed {
			t.Errorf("%s: underlying connection never closed", p.id)
		}
	}

	room, _ := relay.GetRoom(ctx, roomID)
	if !room.Ended() {
		t.Error("room not marked ended after hang-up")
	}
}

func TestLateMessageAfterCleanupIgnored(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")
	roomID := alice.manager.State().RoomID
	bob.manager.End(ctx)

	// A straggler offer for the finished room must not resurrect the call.
	// Cleanup unsubscribed alice from the room stream, so the relay has
	// nowhere to deliver this.
	err := relay.Send(ctx, &signal.Message{
		Kind:        signal.KindOffer,
		RoomID:      roomID,
		SenderID:    "bob",
		RecipientID: "alice",
		Timestamp:   time.Now(),
		SDP:         "late-offer",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if s := alice.manager.State(); s.RoomID != "" || alice.manager.Registry().Count() != 0 {
		t.Error("late offer resurrected a finished call")
	}
}

func TestEndDuringOfferNegotiationKeepsStateIdle(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	bob := newParticipant(t, relay, "bob")
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	if err := bob.manager.InitializeCall(ctx, "", "conv-1", true, false, true); err != nil {
		t.Fatalf("start call: %v", err)
	}
	roomID := bob.manager.State().RoomID

	entered := make(chan struct{})
	release := make(chan struct{})
	bob.mu.Lock()
	bob.factoryEntered = entered
	bob.factoryGate = release
	bob.mu.Unlock()

	// Deliver alice's offer on its own goroutine; it stalls inside the
	// connection factory so End can run mid-negotiation.
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		relay.Send(ctx, &signal.Message{
			Kind:        signal.KindOffer,
			RoomID:      roomID,
			SenderID:    "alice",
			RecipientID: "bob",
			Timestamp:   time.Now(),
			SDP:         "offer-from-alice",
		})
	}()

	<-entered
	bob.manager.End(ctx)
	close(release)
	<-delivered

	s := bob.manager.State()
	if s.RoomID != "" || s.IsConnected || s.IsConnecting {
		t.Errorf("state not idle after End: room=%q connected=%v connecting=%v",
			s.RoomID, s.IsConnected, s.IsConnecting)
	}
	if s.Connected["alice"] {
		t.Error("alice marked connected on idle state")
	}
	if len(s.ParticipantIDs) != 0 {
		t.Errorf("%d participants remain after End, want 0", len(s.ParticipantIDs))
	}
	if got := bob.manager.Registry().Count(); got != 0 {
		t.Errorf("registry holds %d connections after End, want 0", got)
	}
	if conn := bob.lastConn(); conn == nil || !conn.closed {
		t.Error("connection created during teardown was left open")
	}
}

func TestEndDuringAnswerDeliveryKeepsStateIdle(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	bob := newParticipant(t, relay, "bob")
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	if err := bob.manager.InitializeCall(ctx, "", "conv-1", true, false, true); err != nil {
		t.Fatalf("start call: %v", err)
	}
	roomID := bob.manager.State().RoomID

	entered := make(chan struct{})
	release := make(chan struct{})
	bob.mu.Lock()
	bob.connHook = func(c *fakeConn) {
		c.answerEntered = entered
		c.answerGate = release
	}
	bob.mu.Unlock()

	var mu sync.Mutex
	var aliceGot []signal.Kind
	unsub, err := relay.SubscribeRoom(roomID, "alice", func(msg *signal.Message) {
		mu.Lock()
		aliceGot = append(aliceGot, msg.Kind)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe alice: %v", err)
	}
	defer unsub()

	// This time the stall is inside CreateAnswer, after the connection has
	// already been registered.
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		relay.Send(ctx, &signal.Message{
			Kind:        signal.KindOffer,
			RoomID:      roomID,
			SenderID:    "alice",
			RecipientID: "bob",
			Timestamp:   time.Now(),
			SDP:         "offer-from-alice",
		})
	}()

	<-entered
	bob.manager.End(ctx)
	close(release)
	<-delivered

	s := bob.manager.State()
	if s.IsConnected || s.Connected["alice"] {
		t.Error("negotiation result applied after End")
	}
	if got := bob.manager.Registry().Count(); got != 0 {
		t.Errorf("registry holds %d connections after End, want 0", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, k := range aliceGot {
		if k == signal.KindAnswer {
			t.Error("answer sent for a call that already ended")
		}
	}
}

func TestAudioOnlyFallbackDisablesVideo(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	alice.media.audioOnly = true
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	if err := alice.manager.InitializeCall(ctx, "", "conv-1", true, false, true); err != nil {
		t.Fatalf("start call: %v", err)
	}

	s := alice.manager.State()
	if s.VideoEnabled {
		t.Error("VideoEnabled = true with an audio-only local stream")
	}
	if s.LocalStream == nil {
		t.Fatal("no local stream acquired")
	}
	if got := len(s.LocalStream.TracksOfKind(webrtc.RTPCodecTypeVideo)); got != 0 {
		t.Errorf("local stream carries %d video tracks, want 0", got)
	}
}

func TestDeclineLeavesCalleeIdle(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	if err := alice.manager.InitializeCall(ctx, "", "conv-1", true, false, true); err != nil {
		t.Fatalf("alice: start call: %v", err)
	}
	if err := bob.manager.Decline(); err != nil {
		t.Fatalf("bob: decline: %v", err)
	}

	if got := bob.media.count(); got != 0 {
		t.Errorf("declining acquired media %d times, want 0", got)
	}
	if s := bob.manager.State(); s.IsCalling || s.Invitation != nil {
		t.Error("bob still ringing after decline")
	}
	// The targeted hang-up tears down alice's side of the 1:1 call.
	if s := alice.manager.State(); s.RoomID != "" {
		t.Error("alice's call not torn down by the decline")
	}
	if err := bob.manager.Decline(); !errors.Is(err, call.ErrNoInvitation) {
		t.Errorf("second decline: got %v, want ErrNoInvitation", err)
	}
}

func TestGroupCallSurvivesParticipantLeaving(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")
	carol := newParticipant(t, relay, "carol")
	relay.SetConversation("conv-1", []string{"alice", "bob", "carol"})

	if err := alice.manager.InitializeCall(ctx, "", "conv-1", true, true, true); err != nil {
		t.Fatalf("alice: start call: %v", err)
	}
	if err := bob.manager.Accept(ctx, true); err != nil {
		t.Fatalf("bob: accept: %v", err)
	}
	if err := carol.manager.Accept(ctx, true); err != nil {
		t.Fatalf("carol: accept: %v", err)
	}

	if got := len(alice.manager.State().ParticipantIDs); got != 3 {
		t.Fatalf("alice sees %d participants, want 3", got)
	}
	if got := alice.manager.Registry().Count(); got != 2 {
		t.Fatalf("alice has %d peer connections, want 2", got)
	}

	bob.manager.End(ctx)

	s := alice.manager.State()
	if s.RoomID == "" || !s.IsConnected {
		t.Fatal("group call ended when one participant left")
	}
	if len(s.ParticipantIDs) != 2 {
		t.Errorf("alice sees %d participants after bob left, want 2", len(s.ParticipantIDs))
	}
	if s.Connected["bob"] {
		t.Error("bob still marked connected after leaving")
	}
	if got := alice.manager.Registry().Count(); got != 1 {
		t.Errorf("alice has %d peer connections after bob left, want 1", got)
	}
}

func TestToggleRoundTrip(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	bob := newParticipant(t, relay, "bob")

	dialAndAccept(t, ctx, relay, alice, bob, "conv-1")

	if muted := alice.manager.ToggleAudio(); !muted {
		t.Error("first audio toggle should mute")
	}
	s := alice.manager.State()
	if !s.AudioMuted {
		t.Error("state does not reflect the mute")
	}
	for _, track := range s.LocalStream.TracksOfKind(webrtc.RTPCodecTypeAudio) {
		if track.Enabled() {
			t.Error("audio track still enabled after mute")
		}
	}
	if !bob.manager.State().RemoteAudioMuted["alice"] {
		t.Error("bob not told that alice muted")
	}

	if muted := alice.manager.ToggleAudio(); muted {
		t.Error("second audio toggle should unmute")
	}
	if bob.manager.State().RemoteAudioMuted["alice"] {
		t.Error("bob not told that alice unmuted")
	}

	if enabled := alice.manager.ToggleVideo(); enabled {
		t.Error("video started enabled, toggle should disable")
	}
	if bob.manager.State().RemoteVideoEnabled["alice"] {
		t.Error("bob not told that alice disabled video")
	}
}

func TestMediaFailureAbortsCall(t *testing.T) {
	ctx := context.Background()
	relay := signal.NewMemoryRelay()
	alice := newParticipant(t, relay, "alice")
	alice.media.fail = true
	relay.SetConversation("conv-1", []string{"alice", "bob"})

	err := alice.manager.InitializeCall(ctx, "", "conv-1", true, false, true)
	var accessErr *media.AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("got %v, want an AccessError", err)
	}
	if s := alice.manager.State(); s.RoomID != "" || s.IsConnecting {
		t.Error("state not reset after media failure")
	}
}
