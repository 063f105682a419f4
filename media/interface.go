package media

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"telecore/media/stream"
)

// PeerTransport is the peer connection driven by a Coordinator.
// *webrtc.PeerConnection implements it.
type PeerTransport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PeerFactory creates peer transports.
type PeerFactory interface {
	NewPeer() (PeerTransport, error)
}

// LocalStream is a set of captured local tracks.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Devices acquires local media.
//
//go:generate mockgen -destination=mock_media.go -package=media . Devices
type Devices interface {
	GetUserMedia(ctx context.Context, kind Kind) (LocalStream, error)
}

// Handler receives what a Coordinator learns from its peer transport. It is
// always called on the event loop, and never after Teardown.
type Handler interface {
	LocalCandidate(candidate webrtc.ICECandidateInit)
	PeerStateChanged(state webrtc.PeerConnectionState)
	RemoteTrack(info stream.Info, ended bool)
}
