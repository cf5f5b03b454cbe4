package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/media"
	"github.com/murdskristians/peercall/internal/util"
)

// ErrNoConnection is returned by negotiation operations that require an
// existing peer connection for the participant.
var ErrNoConnection = errors.New("no peer connection for participant")

// Registry owns the per-participant peer connections of one call.
//
// Signaling messages can arrive duplicated and out of order, so every
// mutating operation is written to be safe under retry rather than assuming
// a clean happy path: Create is idempotent, SetRemoteAnswer absorbs
// duplicates, and ICE candidates that arrive before the remote description
// queue until it lands.
type Registry struct {
	factory        Factory
	onRestartOffer func(contactID, sdp string)

	mu      sync.Mutex
	local   *media.Stream
	peers   map[string]*peer
	pending map[string][]webrtc.ICECandidateInit
	// gen is bumped by CloseAll so a Create in flight across the teardown
	// cannot insert a connection into the next call's registry.
	gen uint64
}

type senderSlot struct {
	kind   webrtc.RTPCodecType
	sender Sender
}

type peer struct {
	contactID string
	mode      Mode
	conn      PeerConn
	stream    *media.RemoteStream
	senders   []senderSlot
}

// NewRegistry creates an empty registry. onRestartOffer, when non-nil, is
// invoked with a freshly applied ICE-restart offer that must be re-signaled
// to the named participant.
func NewRegistry(factory Factory, onRestartOffer func(contactID, sdp string)) *Registry {
	return &Registry{
		factory:        factory,
		onRestartOffer: onRestartOffer,
		peers:          make(map[string]*peer),
		pending:        make(map[string][]webrtc.ICECandidateInit),
	}
}

// SetLocalStream installs the local capture stream attached to Send-mode
// connections created afterwards.
func (r *Registry) SetLocalStream(s *media.Stream) {
	r.mu.Lock()
	r.local = s
	r.mu.Unlock()
}

// Has reports whether a connection exists for contactID.
func (r *Registry) Has(contactID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[contactID]
	return ok
}

// HasStream reports whether remote tracks have been accumulated for contactID.
func (r *Registry) HasStream(contactID string) bool {
	r.mu.Lock()
	p := r.peers[contactID]
	r.mu.Unlock()
	return p != nil && p.stream.Len() > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Create makes a peer connection for contactID, idempotently. If one already
// exists it is reused, and any already-accumulated remote stream is
// re-delivered to onRemoteStream on the next tick so late subscribers observe
// existing state. In Send mode all local stream tracks are attached.
//
// onICECandidate fires for each gathered local candidate; onRemoteStream
// fires with the accumulated stream every time a new remote track arrives.
func (r *Registry) Create(contactID string, mode Mode, onICECandidate func(webrtc.ICECandidateInit), onRemoteStream func(*media.RemoteStream)) error {
	r.mu.Lock()
	if p, ok := r.peers[contactID]; ok {
		stream := p.stream
		r.mu.Unlock()
		if stream.Len() > 0 && onRemoteStream != nil {
			go onRemoteStream(stream)
		}
		return nil
	}
	local := r.local
	gen := r.gen
	r.mu.Unlock()

	conn, err := r.factory(mode)
	if err != nil {
		return fmt.Errorf("create peer connection for %s: %w", contactID, err)
	}

	p := &peer{
		contactID: contactID,
		mode:      mode,
		conn:      conn,
		stream:    media.NewRemoteStream(contactID),
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		if onICECandidate != nil {
			onICECandidate(c.ToJSON())
		}
	})

	conn.OnTrack(func(t media.RemoteTrack) {
		if p.stream.Add(t) && onRemoteStream != nil {
			onRemoteStream(p.stream)
		}
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer %s connection state: %s", contactID, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			go r.restartICE(contactID)
		}
	})

	if mode == ModeSend && local != nil {
		for _, t := range local.Tracks() {
			lt := t.Local()
			if lt == nil {
				continue
			}
			sender, err := conn.AddTrack(lt)
			if err != nil {
				conn.Close()
				return fmt.Errorf("attach local track to %s: %w", contactID, err)
			}
			p.senders = append(p.senders, senderSlot{kind: t.Kind(), sender: sender})
		}
	}

	r.mu.Lock()
	if r.gen != gen {
		// CloseAll ran while the connection was being built; the call this
		// create belonged to is over.
		r.mu.Unlock()
		conn.Close()
		util.LogDebug("peer %s: discarding connection created across teardown", contactID)
		return nil
	}
	if existing, ok := r.peers[contactID]; ok {
		// Lost a create race; keep the first connection.
		stream := existing.stream
		r.mu.Unlock()
		conn.Close()
		if stream.Len() > 0 && onRemoteStream != nil {
			go onRemoteStream(stream)
		}
		return nil
	}
	r.peers[contactID] = p
	r.mu.Unlock()
	return nil
}

// CreateOffer generates an offer for contactID and applies it as the local
// description.
func (r *Registry) CreateOffer(contactID string) (string, error) {
	p := r.get(contactID)
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrNoConnection, contactID)
	}
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer for %s: %w", contactID, err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply local offer for %s: %w", contactID, err)
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer for contactID, drains any pending ICE
// candidates, then generates and applies a local answer.
func (r *Registry) CreateAnswer(contactID, offerSDP string) (string, error) {
	p := r.get(contactID)
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrNoConnection, contactID)
	}
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("apply remote offer for %s: %w", contactID, err)
	}
	r.drainPending(contactID, p)
	answer, err := p.conn.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("create answer for %s: %w", contactID, err)
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer for %s: %w", contactID, err)
	}
	return answer.SDP, nil
}

// SetRemoteAnswer applies a remote answer when the connection is expecting
// one. A duplicate answer against a stable connection with a matching remote
// description is treated as already applied; any other state mismatch is
// logged and absorbed rather than surfaced, because the peer may simply be
// ahead of us in a replayed exchange.
func (r *Registry) SetRemoteAnswer(contactID, answerSDP string) error {
	p := r.get(contactID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, contactID)
	}

	switch state := p.conn.SignalingState(); state {
	case webrtc.SignalingStateHaveLocalOffer:
		if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  answerSDP,
		}); err != nil {
			return fmt.Errorf("apply remote answer for %s: %w", contactID, err)
		}
		r.drainPending(contactID, p)
		return nil

	case webrtc.SignalingStateStable:
		if rd := p.conn.RemoteDescription(); rd != nil && rd.SDP == answerSDP {
			// Duplicate delivery of an answer we already applied.
			r.drainPending(contactID, p)
			return nil
		}
		util.LogDebug("peer %s: answer in stable state with different SDP, ignoring", contactID)
		return nil

	default:
		util.LogDebug("peer %s: answer in state %s, ignoring", contactID, state)
		return nil
	}
}

// AddICECandidate applies a remote candidate when the connection's remote
// description is set; otherwise it buffers the candidate until the
// description lands. Buffering also covers candidates that outrun the Offer
// that creates the connection.
func (r *Registry) AddICECandidate(contactID string, candidate webrtc.ICECandidateInit) error {
	r.mu.Lock()
	p := r.peers[contactID]
	if p == nil || p.conn.RemoteDescription() == nil {
		r.pending[contactID] = append(r.pending[contactID], candidate)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := p.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate for %s: %w", contactID, err)
	}
	return nil
}

// RemoteOfferMatches reports whether contactID's connection already carries
// sdp as its remote description. Distinguishes a redelivered offer (skip)
// from a renegotiation offer such as an ICE restart (process).
func (r *Registry) RemoteOfferMatches(contactID, sdp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[contactID]
	if p == nil {
		return false
	}
	rd := p.conn.RemoteDescription()
	return rd != nil && rd.SDP == sdp
}

// PendingCandidates returns how many candidates are buffered for contactID.
func (r *Registry) PendingCandidates(contactID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[contactID])
}

// UpdateLocalTracks re-points every Send-mode sender at the current local
// stream's track of the matching kind. Used after toggles that swap the
// underlying track objects.
func (r *Registry) UpdateLocalTracks() {
	r.mu.Lock()
	local := r.local
	var peers []*peer
	for _, p := range r.peers {
		if p.mode == ModeSend {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		for _, slot := range p.senders {
			var replacement webrtc.TrackLocal
			if local != nil {
				if tracks := local.TracksOfKind(slot.kind); len(tracks) > 0 {
					replacement = tracks[0].Local()
				}
			}
			if err := slot.sender.ReplaceTrack(replacement); err != nil {
				util.LogWarning("peer %s: replace %s track: %v", p.contactID, slot.kind, err)
			}
		}
	}
}

// Close tears down the connection for contactID and discards its pending
// candidate queue. No-op when no connection exists.
func (r *Registry) Close(contactID string) {
	r.mu.Lock()
	p := r.peers[contactID]
	delete(r.peers, contactID)
	delete(r.pending, contactID)
	r.mu.Unlock()

	if p != nil {
		if err := p.conn.Close(); err != nil {
			util.LogWarning("close peer connection %s: %v", contactID, err)
		}
	}
}

// CloseAll tears down every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*peer)
	r.pending = make(map[string][]webrtc.ICECandidateInit)
	r.gen++
	r.mu.Unlock()

	for id, p := range peers {
		if err := p.conn.Close(); err != nil {
			util.LogWarning("close peer connection %s: %v", id, err)
		}
	}
}

// RemoteStream returns the accumulated remote stream for contactID, or nil.
func (r *Registry) RemoteStream(contactID string) *media.RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[contactID]; p != nil {
		return p.stream
	}
	return nil
}

// get fetches a peer under the lock.
func (r *Registry) get(contactID string) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[contactID]
}

// drainPending applies the buffered candidate queue for contactID in FIFO
// order. Called immediately after a remote description is applied.
func (r *Registry) drainPending(contactID string, p *peer) {
	r.mu.Lock()
	queue := r.pending[contactID]
	delete(r.pending, contactID)
	r.mu.Unlock()

	for _, candidate := range queue {
		if err := p.conn.AddICECandidate(candidate); err != nil {
			util.LogWarning("peer %s: buffered ICE candidate rejected: %v", contactID, err)
		}
	}
}

// restartICE regenerates a local offer with ICE restart after a failed or
// disconnected transition and hands it to the restart-offer callback for
// re-signaling. Best-effort: the connection may already be gone.
func (r *Registry) restartICE(contactID string) {
	p := r.get(contactID)
	if p == nil {
		return
	}
	offer, err := p.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		util.LogWarning("peer %s: ICE restart offer: %v", contactID, err)
		return
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		util.LogWarning("peer %s: apply ICE restart offer: %v", contactID, err)
		return
	}
	util.LogInfo("peer %s: ICE restart initiated", contactID)
	if r.onRestartOffer != nil {
		r.onRestartOffer(contactID, offer.SDP)
	}
}
