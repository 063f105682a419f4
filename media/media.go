package media

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a call.
type Kind string

// Kind values.
const (
	Video Kind = "video"
	Voice Kind = "voice"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == Video || k == Voice
}

// Below is the Error message for media negotiation.
var (
	ErrMediaAccessDenied    = errors.New("media access denied")
	ErrNegotiation          = errors.New("negotiation failed")
	ErrRemoteDescriptionSet = errors.New("remote description already set")
	ErrTornDown             = errors.New("media torn down")
)

// API creates peer connections that share one media engine, interceptor
// registry and setting engine.
type API struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

// CodecPopulator registers the codecs of a capture pipeline.
type CodecPopulator interface {
	Populate(mediaEngine *webrtc.MediaEngine)
}

// NewAPI creates an API from config. The default codecs are registered unless
// codecs is given.
func NewAPI(config Config, codecs CodecPopulator) (*API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(config.ICEDisconnectedTimeout, config.ICEFailedTimeout, config.ICEKeepalive)
	if err := config.SetPortRange(&settingEngine); err != nil {
		return nil, err
	}

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		configuration: config.webrtcConfiguration(),
	}, nil
}

// NewPeer creates a peer connection.
func (a *API) NewPeer() (PeerTransport, error) {
	pc, err := a.api.NewPeerConnection(a.configuration)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}
