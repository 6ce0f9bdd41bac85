package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

var (
	// ErrBusy is returned when a call is requested while another call is
	// active, connecting or ringing.
	ErrBusy = errors.New("call: busy")

	// ErrNoPendingCall is returned by Accept and Decline without a ring.
	ErrNoPendingCall = errors.New("call: no incoming call")

	// ErrMedia wraps local capture failures.
	ErrMedia = errors.New("call: local media unavailable")

	// ErrInvalidState is returned for arguments or states the operation
	// cannot start from.
	ErrInvalidState = errors.New("call: invalid state")
)

// Sender is the only surface the call package needs from the relay.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// IdentitySource supplies the local identity.
type IdentitySource interface {
	Current() (presence.Identity, bool)
}

// State is the lifecycle state of the call slot.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// IncomingOffer is a ring that has not been accepted or declined yet.
type IncomingOffer struct {
	PeerID     string         `json:"peerId"`
	PeerRole   proto.Role     `json:"peerRole"`
	Kind       proto.CallKind `json:"callType"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Snapshot is a read-only view of the call slot, published to subscribers
// after every change.
type Snapshot struct {
	State       State          `json:"state"`
	PeerID      string         `json:"peerId,omitempty"`
	PeerRole    proto.Role     `json:"peerRole,omitempty"`
	Kind        proto.CallKind `json:"callType,omitempty"`
	Caller      bool           `json:"caller"`
	Muted       bool           `json:"muted"`
	FrontCamera bool           `json:"frontCamera"`
	Incoming    *IncomingOffer `json:"incoming,omitempty"`
	Remote      []TrackStats   `json:"remote,omitempty"`
}

// TrackStats counts RTP traffic on one remote track.
type TrackStats struct {
	Kind         string `json:"kind"`
	SSRC         uint32 `json:"ssrc"`
	Packets      uint64 `json:"packets"`
	Bytes        uint64 `json:"bytes"`
	LastSequence uint16 `json:"lastSequence"`
}

// Peer is the slice of a WebRTC peer connection the state machine drives.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SetAudioMuted(muted bool) error
	ReplaceVideoTrack(webrtc.TrackLocal) error
	Stats() []TrackStats
	Close() error
}

// PeerHooks are invoked from the peer connection's own goroutines. They
// must not block on the Manager.
type PeerHooks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnState     func(webrtc.PeerConnectionState)
}

// PeerFactory builds one peer connection per call.
type PeerFactory interface {
	NewPeer(kind proto.CallKind, media LocalMedia, hooks PeerHooks) (Peer, error)
}
