// Package rtc manages the set of native peer connections for a call, one per
// remote participant, and normalizes pion's asynchronous negotiation
// primitives into operations that are safe under duplicated and out-of-order
// signaling.
package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/media"
)

// Mode selects the media direction of a peer connection. A 1:1 call uses
// Send (bidirectional mesh leaf); a group call uses Receive (inbound-only).
type Mode int

const (
	ModeSend Mode = iota
	ModeReceive
)

func (m Mode) String() string {
	if m == ModeSend {
		return "send"
	}
	return "receive"
}

// Sender replaces the outgoing track on an established connection.
// *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// PeerConn is the narrow surface of *webrtc.PeerConnection the registry
// drives. Keeping negotiation behind an interface lets tests exercise the
// state machine without network or devices.
type PeerConn interface {
	AddTrack(webrtc.TrackLocal) (Sender, error)
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(media.RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Factory produces one PeerConn per remote participant.
type Factory func(mode Mode) (PeerConn, error)

// STUN servers for ICE candidate gathering. No TURN — deployments needing
// relayed connectivity supply their own Factory.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPionFactory returns a Factory backed by pion/webrtc with Google STUN
// servers and the default interceptor set. configureEngine populates the
// media engine (typically from the capture provider's codec selector); nil
// registers pion's default codecs.
func NewPionFactory(configureEngine func(*webrtc.MediaEngine) error) Factory {
	return func(mode Mode) (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if configureEngine != nil {
			if err := configureEngine(mediaEngine); err != nil {
				return nil, err
			}
		} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		})
		if err != nil {
			return nil, err
		}

		if mode == ModeReceive {
			// Recvonly transceivers so the SDP carries valid m-lines even
			// though no local tracks are attached.
			for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
				if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
					Direction: webrtc.RTPTransceiverDirectionRecvonly,
				}); err != nil {
					pc.Close()
					return nil, err
				}
			}
		}

		return &pionConn{pc: pc}, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to PeerConn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	return c.pc.AddTrack(t)
}

func (c *pionConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(opts)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

func (c *pionConn) OnTrack(fn func(media.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
