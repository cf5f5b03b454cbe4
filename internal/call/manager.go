package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/media"
	"github.com/murdskristians/peercall/internal/rtc"
	"github.com/murdskristians/peercall/internal/signal"
	"github.com/murdskristians/peercall/internal/util"
)

// ErrNoInvitation is returned by Accept and Decline when no invitation is
// pending.
var ErrNoInvitation = errors.New("no pending call invitation")

// defaultStaleAfter is the freshness window for incoming invitations.
// Anything older arrived after the caller most likely gave up and is dropped
// before reaching the observer.
const defaultStaleAfter = 30 * time.Second

// Config wires a Manager to its collaborators. All fields except the
// timeouts are required.
type Config struct {
	SelfID    string
	Transport signal.Transport
	Rooms     signal.RoomStore
	Directory signal.Directory
	Media     media.Provider
	Factory   rtc.Factory

	// StaleAfter overrides the invitation freshness window (default 30s).
	StaleAfter time.Duration
	// RingTimeout, when positive, auto-clears an unanswered incoming
	// invitation after this long. Zero leaves it ringing until the caller
	// hangs up or the invitation is answered.
	RingTimeout time.Duration
	// Now substitutes the clock in tests.
	Now func() time.Time
}

// Manager is the call orchestrator. It owns the call lifecycle from one
// participant's perspective, translates incoming signaling messages into
// registry operations, and publishes State snapshots through a single
// registered callback.
//
// Handlers are written to be idempotent rather than mutually exclusive: the
// transport delivers at-least-once and unordered, and a dispatch may overlap
// an in-flight negotiation for the same participant. Races are absorbed with
// a diagnostic log, never surfaced — the contract is eventually consistent,
// never crash.
type Manager struct {
	selfID    string
	transport signal.Transport
	rooms     signal.RoomStore
	directory signal.Directory
	media     media.Provider
	reg       *rtc.Registry

	staleAfter  time.Duration
	ringTimeout time.Duration
	now         func() time.Time

	mu           sync.Mutex
	state        *State
	onState      func(*State)
	unsubRoom    signal.Unsubscribe
	unsubInvites signal.Unsubscribe
	ringTimer    *time.Timer
}

// NewManager constructs an orchestrator. Instances are independent, so one
// process can host several participants (the usual arrangement in tests).
func NewManager(cfg Config) *Manager {
	m := &Manager{
		selfID:      cfg.SelfID,
		transport:   cfg.Transport,
		rooms:       cfg.Rooms,
		directory:   cfg.Directory,
		media:       cfg.Media,
		staleAfter:  cfg.StaleAfter,
		ringTimeout: cfg.RingTimeout,
		now:         cfg.Now,
		state:       newState(),
	}
	if m.staleAfter <= 0 {
		m.staleAfter = defaultStaleAfter
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.reg = rtc.NewRegistry(cfg.Factory, m.sendRestartOffer)
	return m
}

// SetStateCallback registers the single observer callback. It is invoked
// with a fresh snapshot after every mutation, outside the Manager's lock.
func (m *Manager) SetStateCallback(fn func(*State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns a point-in-time copy of the current call state.
func (m *Manager) State() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Registry exposes the peer connection registry, read-only usage intended.
func (m *Manager) Registry() *rtc.Registry { return m.reg }

// ---------------------------------------------------------------------------
// UI-facing operations
// ---------------------------------------------------------------------------

// InitializeCall starts or joins a call. With an empty roomID the
// conversation's participants are fetched and a new room is created (caller
// side); otherwise the existing room is joined. Local media is acquired
// (audio always, video iff withVideo), the room's signaling stream is
// subscribed, a Join is announced, and — when isCaller — an invitation is
// sent to every other participant.
//
// A media acquisition failure aborts the attempt, runs cleanup, and is
// returned to the caller; nothing else in this flow is fatal.
func (m *Manager) InitializeCall(ctx context.Context, roomID, conversationID string, isCaller, isGroup, withVideo bool) error {
	var room *signal.Room
	var err error
	if roomID == "" {
		participants, derr := m.directory.ConversationParticipants(ctx, conversationID)
		if derr != nil {
			return fmt.Errorf("resolve conversation %s: %w", conversationID, derr)
		}
		room, err = m.rooms.CreateRoom(ctx, conversationID, participants, isGroup)
		if err != nil {
			return fmt.Errorf("create call room: %w", err)
		}
	} else {
		room, err = m.rooms.GetRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("load call room %s: %w", roomID, err)
		}
		if room == nil {
			return fmt.Errorf("call room %s does not exist", roomID)
		}
		if room.Ended() {
			return fmt.Errorf("call room %s already ended", roomID)
		}
	}

	m.mutate(func(s *State) {
		s.RoomID = room.ID
		s.ConversationID = room.ConversationID
		s.IsCaller = isCaller
		s.IsGroup = isGroup
		s.IsConnecting = true
		s.VideoEnabled = withVideo
		s.addParticipant(m.selfID)
	})

	stream, err := m.media.AcquireLocalStream(ctx, withVideo)
	if err != nil {
		m.cleanup()
		return err
	}
	m.reg.SetLocalStream(stream)
	// Acquisition may fall back to audio-only; the video flag follows what
	// the stream actually carries, not what was asked for.
	hasVideo := len(stream.TracksOfKind(webrtc.RTPCodecTypeVideo)) > 0
	m.mutate(func(s *State) {
		s.LocalStream = stream
		s.VideoEnabled = withVideo && hasVideo
	})

	unsub, err := m.transport.SubscribeRoom(room.ID, m.selfID, m.handleMessage)
	if err != nil {
		m.cleanup()
		return fmt.Errorf("subscribe to room %s: %w", room.ID, err)
	}
	m.mu.Lock()
	m.unsubRoom = unsub
	m.mu.Unlock()

	util.Stats.AddCall()
	m.send(&signal.Message{Kind: signal.KindJoin, RoomID: room.ID, IsGroup: isGroup})

	if isCaller {
		for _, p := range room.Participants {
			if p == m.selfID {
				continue
			}
			m.send(&signal.Message{
				Kind:        signal.KindInvitation,
				RoomID:      room.ID,
				RecipientID: p,
				IsGroup:     isGroup,
				Room:        room,
			})
		}
	}
	return nil
}

// Accept answers the pending incoming invitation and joins its room.
func (m *Manager) Accept(ctx context.Context, withVideo bool) error {
	m.mu.Lock()
	inv := m.state.Invitation
	m.mu.Unlock()
	if inv == nil || inv.Room == nil {
		return ErrNoInvitation
	}

	m.stopRingTimer()
	m.mutate(func(s *State) {
		s.IsCalling = false
		s.Invitation = nil
	})
	return m.InitializeCall(ctx, inv.Room.ID, inv.Room.ConversationID, false, inv.IsGroup, withVideo)
}

// Decline rejects the pending invitation with a targeted HangUp to the
// inviter. No media was ever acquired, so no full cleanup is needed.
func (m *Manager) Decline() error {
	m.mu.Lock()
	inv := m.state.Invitation
	m.mu.Unlock()
	if inv == nil {
		return ErrNoInvitation
	}

	m.stopRingTimer()
	m.mutate(func(s *State) {
		s.IsCalling = false
		s.Invitation = nil
	})
	m.send(&signal.Message{
		Kind:        signal.KindHangUp,
		RoomID:      inv.RoomID,
		RecipientID: inv.SenderID,
		IsGroup:     inv.IsGroup,
	})
	return nil
}

// End leaves the call: a HangUp is broadcast, the room is marked ended when
// this participant initiated the call, and local cleanup runs. One-way and
// immediate; there is no cancelling an End.
func (m *Manager) End(ctx context.Context) {
	m.mu.Lock()
	roomID := m.state.RoomID
	isGroup := m.state.IsGroup
	isCaller := m.state.IsCaller
	m.mu.Unlock()
	if roomID == "" {
		return
	}

	m.send(&signal.Message{Kind: signal.KindHangUp, RoomID: roomID, IsGroup: isGroup})
	if isCaller {
		// Room owner terminates the room for everyone.
		m.send(&signal.Message{Kind: signal.KindCallEnded, RoomID: roomID, IsGroup: isGroup})
	}
	if err := m.rooms.MarkRoomEnded(ctx, roomID); err != nil {
		util.LogWarning("mark room %s ended: %v", roomID, err)
	}
	m.cleanup()
}

// ToggleAudio flips the enabled flag of the local audio tracks and announces
// the change. Returns the new muted state (true = muted).
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	muted := !m.state.AudioMuted
	stream := m.state.LocalStream
	roomID := m.state.RoomID
	isGroup := m.state.IsGroup
	m.mu.Unlock()

	if stream != nil {
		for _, t := range stream.TracksOfKind(webrtc.RTPCodecTypeAudio) {
			t.SetEnabled(!muted)
		}
	}
	m.reg.UpdateLocalTracks()
	m.mutate(func(s *State) { s.AudioMuted = muted })

	if roomID != "" {
		enabled := !muted
		m.send(&signal.Message{Kind: signal.KindMicToggled, RoomID: roomID, IsGroup: isGroup, Enabled: &enabled})
	}
	return muted
}

// ToggleVideo flips the enabled flag of the local video tracks and announces
// the change. Returns the new enabled state.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	enabled := !m.state.VideoEnabled
	stream := m.state.LocalStream
	roomID := m.state.RoomID
	isGroup := m.state.IsGroup
	m.mu.Unlock()

	if stream != nil {
		for _, t := range stream.TracksOfKind(webrtc.RTPCodecTypeVideo) {
			t.SetEnabled(enabled)
		}
	}
	m.reg.UpdateLocalTracks()
	m.mutate(func(s *State) { s.VideoEnabled = enabled })

	if roomID != "" {
		e := enabled
		m.send(&signal.Message{Kind: signal.KindCameraToggled, RoomID: roomID, IsGroup: isGroup, Enabled: &e})
	}
	return enabled
}

// SubscribeIncoming starts watching for call invitations addressed to this
// participant. The subscription outlives individual calls; Close detaches it.
func (m *Manager) SubscribeIncoming() error {
	unsub, err := m.transport.SubscribeInvitations(m.selfID, m.handleInvitation)
	if err != nil {
		return fmt.Errorf("subscribe to invitations: %w", err)
	}
	m.mu.Lock()
	m.unsubInvites = unsub
	m.mu.Unlock()
	return nil
}

// Close tears down any active call and detaches the invitation subscription.
func (m *Manager) Close() {
	m.cleanup()
	m.mu.Lock()
	unsub := m.unsubInvites
	m.unsubInvites = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ---------------------------------------------------------------------------
// Incoming invitations
// ---------------------------------------------------------------------------

// handleInvitation filters an incoming invitation before surfacing it:
// self-echo, already in a call, stale by timestamp, or referencing a room
// that has since ended — all dropped. Protects against replayed invitations
// arriving after the caller already hung up.
func (m *Manager) handleInvitation(msg *signal.Message) {
	util.Stats.AddRecv()
	if msg.SenderID == m.selfID || msg.Kind != signal.KindInvitation {
		return
	}

	m.mu.Lock()
	busy := m.state.RoomID != "" || m.state.IsConnecting || m.state.IsConnected || m.state.IsCalling
	m.mu.Unlock()
	if busy {
		util.LogDebug("invitation from %s suppressed: already in a call", msg.SenderID)
		return
	}

	if age := m.now().Sub(msg.Timestamp); age > m.staleAfter {
		util.LogDebug("invitation from %s dropped: stale (%s old)", msg.SenderID, age)
		return
	}

	room, err := m.rooms.GetRoom(context.Background(), msg.RoomID)
	if err != nil || room == nil || room.Ended() {
		util.LogDebug("invitation from %s dropped: room %s unavailable or ended", msg.SenderID, msg.RoomID)
		return
	}

	m.mutate(func(s *State) {
		s.IsCalling = true
		s.IsGroup = msg.IsGroup
		s.Invitation = msg
	})
	m.startRingTimer(msg)
}

func (m *Manager) startRingTimer(inv *signal.Message) {
	if m.ringTimeout <= 0 {
		return
	}
	m.mu.Lock()
	if m.ringTimer != nil {
		m.ringTimer.Stop()
	}
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.mu.Lock()
		expired := m.state.Invitation == inv
		m.mu.Unlock()
		if expired {
			util.LogInfo("incoming call from %s timed out unanswered", inv.SenderID)
			m.mutate(func(s *State) {
				s.IsCalling = false
				s.Invitation = nil
			})
		}
	})
	m.mu.Unlock()
}

func (m *Manager) stopRingTimer() {
	m.mu.Lock()
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Signaling dispatch
// ---------------------------------------------------------------------------

// handleMessage routes one delivered room message. Messages authored by this
// participant are ignored — the transport echoes broadcasts back to their
// sender. Messages for a room other than the active one are dropped, which
// also guards against deliveries that resolve after cleanup.
func (m *Manager) handleMessage(msg *signal.Message) {
	util.Stats.AddRecv()
	if msg.SenderID == m.selfID {
		return
	}

	m.mu.Lock()
	activeRoom := m.state.RoomID
	m.mu.Unlock()
	if activeRoom == "" || msg.RoomID != activeRoom {
		util.LogDebug("dropping %s from %s for inactive room %s", msg.Kind, msg.SenderID, msg.RoomID)
		return
	}

	switch msg.Kind {
	case signal.KindJoin:
		m.handleJoin(msg)
	case signal.KindOffer:
		m.handleOffer(msg)
	case signal.KindAnswer:
		m.handleAnswer(msg)
	case signal.KindCandidate:
		m.handleCandidate(msg)
	case signal.KindHangUp:
		m.handleHangUp(msg)
	case signal.KindCallEnded:
		util.LogInfo("room %s ended by %s", msg.RoomID, msg.SenderID)
		m.cleanup()
	case signal.KindMicToggled:
		if msg.Enabled != nil {
			m.mutateInRoom(msg.RoomID, func(s *State) {
				if s.hasParticipant(msg.SenderID) {
					s.RemoteAudioMuted[msg.SenderID] = !*msg.Enabled
				}
			})
		}
	case signal.KindCameraToggled:
		if msg.Enabled != nil {
			m.mutateInRoom(msg.RoomID, func(s *State) {
				if s.hasParticipant(msg.SenderID) {
					s.RemoteVideoEnabled[msg.SenderID] = *msg.Enabled
				}
			})
		}
	case signal.KindInvitation:
		// Invitations ride the per-user subscription, not the room stream.
	default:
		util.LogWarning("unknown signaling message kind %q from %s", msg.Kind, msg.SenderID)
	}
}

// handleJoin reacts to a new participant: register them and open the
// negotiation by sending an offer. A duplicate Join for a known participant
// is a no-op.
func (m *Manager) handleJoin(msg *signal.Message) {
	sender := msg.SenderID

	m.mu.Lock()
	known := m.state.hasParticipant(sender)
	m.mu.Unlock()
	if known {
		util.LogDebug("duplicate join from %s ignored", sender)
		return
	}

	if !m.mutateInRoom(msg.RoomID, func(s *State) { s.addParticipant(sender) }) {
		return
	}

	if err := m.createPeer(msg, sender); err != nil {
		util.LogError("peer connection for %s: %v", sender, err)
		return
	}
	sdp, err := m.reg.CreateOffer(sender)
	if err != nil {
		util.LogWarning("offer for %s: %v", sender, err)
		return
	}
	m.send(&signal.Message{
		Kind:        signal.KindOffer,
		RoomID:      msg.RoomID,
		RecipientID: sender,
		IsGroup:     msg.IsGroup,
		SDP:         sdp,
	})
}

// handleOffer answers an incoming offer. Idempotency guard: when a
// connection already exists for the sender, tracks have arrived, and the
// offer matches the applied remote description, it is a replay and
// re-processing would tear down working media. An offer with a new SDP on an
// established connection is a renegotiation (ICE restart) and goes through.
func (m *Manager) handleOffer(msg *signal.Message) {
	sender := msg.SenderID
	if m.reg.Has(sender) && m.reg.HasStream(sender) && m.reg.RemoteOfferMatches(sender, msg.SDP) {
		util.LogDebug("duplicate offer from %s ignored: connection established", sender)
		return
	}

	if !m.mutateInRoom(msg.RoomID, func(s *State) { s.addParticipant(sender) }) {
		return
	}

	if err := m.createPeer(msg, sender); err != nil {
		util.LogError("peer connection for %s: %v", sender, err)
		return
	}
	answer, err := m.reg.CreateAnswer(sender, msg.SDP)
	if err != nil {
		// Glare or replay; the exchange self-heals on the next message.
		util.LogWarning("answer for %s: %v", sender, err)
		return
	}
	applied := m.mutateInRoom(msg.RoomID, func(s *State) {
		s.Connected[sender] = true
		s.IsConnected = true
		s.IsConnecting = false
	})
	if !applied {
		util.LogDebug("discarding answer for %s: call ended during negotiation", sender)
		return
	}
	m.send(&signal.Message{
		Kind:        signal.KindAnswer,
		RoomID:      msg.RoomID,
		RecipientID: sender,
		IsGroup:     msg.IsGroup,
		SDP:         answer,
	})
}

// handleAnswer applies the remote answer and marks the sender connected.
func (m *Manager) handleAnswer(msg *signal.Message) {
	sender := msg.SenderID
	if !m.mutateInRoom(msg.RoomID, func(s *State) { s.addParticipant(sender) }) {
		return
	}

	if err := m.reg.SetRemoteAnswer(sender, msg.SDP); err != nil {
		util.LogWarning("remote answer from %s: %v", sender, err)
		return
	}
	if !m.mutateInRoom(msg.RoomID, func(s *State) {
		s.Connected[sender] = true
		s.IsConnected = true
		s.IsConnecting = false
	}) {
		util.LogDebug("answer from %s applied after call ended, state untouched", sender)
	}
}

// handleCandidate forwards a remote ICE candidate to the registry, which
// buffers it when the prerequisite remote description is not set yet.
func (m *Manager) handleCandidate(msg *signal.Message) {
	if msg.Candidate == nil {
		util.LogDebug("candidate message from %s without payload", msg.SenderID)
		return
	}
	if err := m.reg.AddICECandidate(msg.SenderID, *msg.Candidate); err != nil {
		util.LogWarning("ICE candidate from %s: %v", msg.SenderID, err)
	}
}

// handleHangUp removes one participant. A group call survives a participant
// leaving; a 1:1 call is over when its only peer leaves, so full cleanup
// runs.
func (m *Manager) handleHangUp(msg *signal.Message) {
	sender := msg.SenderID
	m.reg.Close(sender)

	m.mu.Lock()
	isGroup := m.state.IsGroup
	m.mu.Unlock()

	if !isGroup {
		util.LogInfo("%s hung up, call over", sender)
		m.cleanup()
		return
	}
	m.mutateInRoom(msg.RoomID, func(s *State) { s.removeParticipant(sender) })
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// createPeer makes a registry connection for sender with the msg-appropriate
// mode, wiring candidate emission back through signaling and remote stream
// accumulation into the state snapshot.
func (m *Manager) createPeer(msg *signal.Message, sender string) error {
	mode := rtc.ModeSend
	if msg.IsGroup {
		mode = rtc.ModeReceive
	}
	roomID := msg.RoomID
	isGroup := msg.IsGroup

	return m.reg.Create(sender, mode,
		func(candidate webrtc.ICECandidateInit) {
			c := candidate
			m.send(&signal.Message{
				Kind:        signal.KindCandidate,
				RoomID:      roomID,
				RecipientID: sender,
				IsGroup:     isGroup,
				Candidate:   &c,
			})
		},
		func(stream *media.RemoteStream) {
			m.mutateInRoom(roomID, func(s *State) {
				// A stream resolving after the participant left must not
				// resurrect state.
				if s.hasParticipant(sender) {
					s.RemoteStreams[sender] = stream
				}
			})
		},
	)
}

// sendRestartOffer re-signals an ICE-restart offer produced by the registry.
func (m *Manager) sendRestartOffer(contactID, sdp string) {
	m.mu.Lock()
	roomID := m.state.RoomID
	isGroup := m.state.IsGroup
	m.mu.Unlock()
	if roomID == "" {
		return
	}
	m.send(&signal.Message{
		Kind:        signal.KindOffer,
		RoomID:      roomID,
		RecipientID: contactID,
		IsGroup:     isGroup,
		SDP:         sdp,
	})
}

// send stamps and relays one message. A transport failure is logged, not
// retried — delivery guarantees are the transport's responsibility, and the
// local state change that motivated the send stands regardless.
func (m *Manager) send(msg *signal.Message) {
	msg.SenderID = m.selfID
	msg.Timestamp = m.now()
	if err := m.transport.Send(context.Background(), msg); err != nil {
		util.LogError("send %s to %q: %v", msg.Kind, msg.RecipientID, err)
		return
	}
	util.Stats.AddSent()
}

// mutate clones the current snapshot, applies fn, publishes the result, and
// notifies the observer outside the lock.
func (m *Manager) mutate(fn func(*State)) {
	m.mu.Lock()
	next := m.state.clone()
	fn(next)
	m.state = next
	onState := m.onState
	snapshot := next.clone()
	m.mu.Unlock()

	if onState != nil {
		onState(snapshot)
	}
}

// mutateInRoom is mutate gated on roomID still being the active room.
// Handlers that await a negotiation step re-validate through this before
// writing their result, so a dispatch that resolves after cleanup (or after a
// new call started) cannot resurrect or corrupt state. Returns whether the
// mutation was applied.
func (m *Manager) mutateInRoom(roomID string, fn func(*State)) bool {
	m.mu.Lock()
	if m.state.RoomID != roomID {
		m.mu.Unlock()
		return false
	}
	next := m.state.clone()
	fn(next)
	m.state = next
	onState := m.onState
	snapshot := next.clone()
	m.mu.Unlock()

	if onState != nil {
		onState(snapshot)
	}
	return true
}

// cleanup stops local media, closes every peer connection, unsubscribes from
// the room stream, and resets the state to idle. Safe to call repeatedly.
func (m *Manager) cleanup() {
	m.stopRingTimer()

	m.mu.Lock()
	hadCall := m.state.RoomID != ""
	stream := m.state.LocalStream
	unsub := m.unsubRoom
	m.unsubRoom = nil
	m.state = newState()
	onState := m.onState
	snapshot := m.state.clone()
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	m.reg.SetLocalStream(nil)
	m.reg.CloseAll()
	if unsub != nil {
		unsub()
	}
	if hadCall {
		util.Stats.AddCallEnded()
	}
	if onState != nil {
		onState(snapshot)
	}
}
