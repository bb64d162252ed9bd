// Package call is the client half of the signaling protocol: per-remote
// negotiation sessions, the call/room lifecycle controller that owns them,
// and the recovery supervisor that drives renegotiation after transport
// failures. Media capture and the transport internals stay behind the
// MediaSource and Transport capabilities.
package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/avolkov/peercall/internal/protocol"
)

// SendFunc pushes one envelope to the signaling server.
type SendFunc func(protocol.Envelope) error

// TransportState is the connectivity report of a peer transport, reduced to
// what the state machine cares about.
type TransportState int

const (
	TransportStateNew TransportState = iota
	TransportStateConnecting
	TransportStateConnected
	TransportStateDisconnected
	TransportStateFailed
	TransportStateClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportStateNew:
		return "new"
	case TransportStateConnecting:
		return "connecting"
	case TransportStateConnected:
		return "connected"
	case TransportStateDisconnected:
		return "disconnected"
	case TransportStateFailed:
		return "failed"
	case TransportStateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the peer media channel capability. One per negotiation
// session; the session owns it and closes it exactly once.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(TransportState))
	Close()
}

// TransportFactory builds a fresh transport; negotiation needs one per
// attempt (glare loss and recovery both discard the old transport).
type TransportFactory func() (Transport, error)

type Constraints struct {
	Audio bool
	Video bool
}

// MediaHandle is the local capture handle. It is shared across every
// session of this client; sessions attach its tracks but never release it.
type MediaHandle interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(bool)
	Release()
}

// MediaSource acquires local media. Implementations surface
// domain.ErrPermissionDenied, ErrDeviceNotFound or ErrDeviceBusy.
type MediaSource interface {
	Acquire(Constraints) (MediaHandle, error)
}
