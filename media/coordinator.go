package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"telecore/loop"
	"telecore/media/stream"
	"telecore/metric"
)

// Factory creates one Coordinator per call.
type Factory struct {
	peers   PeerFactory
	devices Devices
	loop    loop.Poster
	metrics *metric.Metrics
	logger  *logrus.Entry
}

// NewFactory creates a Factory.
func NewFactory(
	peers PeerFactory,
	devices Devices,
	poster loop.Poster,
	metrics *metric.Metrics,
	logger *logrus.Entry,
) *Factory {
	return &Factory{
		peers:   peers,
		devices: devices,
		loop:    poster,
		metrics: metrics,
		logger:  logger.WithField("component", "media"),
	}
}

// New creates a Coordinator reporting to handler.
func (f *Factory) New(callID string, handler Handler) (*Coordinator, error) {
	peer, err := f.peers.NewPeer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		peer:    peer,
		devices: f.devices,
		loop:    f.loop,
		handler: handler,
		metrics: f.metrics,
		logger:  f.logger.WithField("call", callID),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		ice := candidate.ToJSON()
		c.loop.Post(func() { c.localCandidate(ice) })
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.loop.Post(func() { c.peerStateChanged(state) })
	})
	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.readRemote(track)
	})

	f.metrics.IncrementWebRTCConnections()
	return c, nil
}

// Coordinator drives the offer/answer exchange of one call. Its methods run
// on the event loop. Blocking work runs on goroutines and reports back
// through the loop, never after Teardown.
type Coordinator struct {
	peer    PeerTransport
	devices Devices
	loop    loop.Poster
	handler Handler
	metrics *metric.Metrics
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	local     LocalStream
	attached  bool
	remoteSet bool
	signaled  bool
	tornDown  bool

	// closed is closed once Teardown has released media and the peer
	closed chan struct{}

	// remote candidates received before the remote description
	remote CandidateQueue
	// local candidates gathered before our description was signaled
	outbound CandidateQueue
}

// AcquireLocalMedia obtains local tracks for kind. done is not called if the
// coordinator is torn down first; the late stream is released instead.
func (c *Coordinator) AcquireLocalMedia(kind Kind, done func(error)) {
	if c.tornDown {
		done(ErrTornDown)
		return
	}
	if c.local != nil {
		done(nil)
		return
	}

	go func() {
		local, err := c.devices.GetUserMedia(c.ctx, kind)
		posted := c.loop.Post(func() {
			if c.tornDown {
				if local != nil {
					go local.Stop()
				}
				return
			}
			if err != nil {
				if !errors.Is(err, ErrMediaAccessDenied) {
					err = fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
				}
				done(err)
				return
			}
			c.local = local
			done(nil)
		})
		if !posted && local != nil {
			local.Stop()
		}
	}()
}

func (c *Coordinator) attachLocal() error {
	if c.attached || c.local == nil {
		return nil
	}
	for _, track := range c.local.Tracks() {
		sender, err := c.peer.AddTrack(track)
		if err != nil {
			return fmt.Errorf("%w: add track %s: %v", ErrNegotiation, track.ID(), err)
		}
		if sender != nil {
			go stream.DrainRTCP(sender)
		}
	}
	c.attached = true
	return nil
}

// CreateOffer attaches local media and produces the local offer.
func (c *Coordinator) CreateOffer(done func(webrtc.SessionDescription, error)) {
	c.describe("offer", func() (webrtc.SessionDescription, error) {
		return c.peer.CreateOffer(nil)
	}, done)
}

// CreateAnswer attaches local media and answers the remote offer.
func (c *Coordinator) CreateAnswer(done func(webrtc.SessionDescription, error)) {
	if !c.tornDown && !c.remoteSet {
		done(webrtc.SessionDescription{}, fmt.Errorf("%w: answer without remote offer", ErrNegotiation))
		return
	}
	c.describe("answer", func() (webrtc.SessionDescription, error) {
		return c.peer.CreateAnswer(nil)
	}, done)
}

func (c *Coordinator) describe(
	what string,
	create func() (webrtc.SessionDescription, error),
	done func(webrtc.SessionDescription, error),
) {
	if c.tornDown {
		done(webrtc.SessionDescription{}, ErrTornDown)
		return
	}
	if err := c.attachLocal(); err != nil {
		done(webrtc.SessionDescription{}, err)
		return
	}

	go func() {
		desc, err := create()
		if err == nil {
			err = c.peer.SetLocalDescription(desc)
		}
		c.loop.Post(func() {
			if c.tornDown {
				return
			}
			if err != nil {
				c.logger.Warnf("create %s: %v", what, err)
				done(webrtc.SessionDescription{}, fmt.Errorf("%w: create %s: %v", ErrNegotiation, what, err))
				return
			}
			done(desc, nil)
		})
	}()
}

// SetRemoteDescription applies the counterpart's description, then every
// remote candidate that arrived before it, in order. It succeeds at most once.
func (c *Coordinator) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if c.tornDown {
		return ErrTornDown
	}
	if c.remoteSet {
		return ErrRemoteDescriptionSet
	}
	if err := c.peer.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	c.remoteSet = true

	n := c.remote.Drain(c.applyCandidate)
	if n > 0 {
		c.logger.Debugf("applied %d buffered candidates", n)
	}
	return nil
}

// AddRemoteCandidate applies candidate, or holds it until the remote
// description is set.
func (c *Coordinator) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	if c.tornDown {
		return ErrTornDown
	}
	if !c.remoteSet {
		c.remote.Push(candidate)
		c.metrics.IncrementBufferedCandidates()
		return nil
	}
	c.applyCandidate(candidate)
	return nil
}

func (c *Coordinator) applyCandidate(candidate webrtc.ICECandidateInit) {
	if err := c.peer.AddICECandidate(candidate); err != nil {
		c.logger.Warnf("add candidate %q: %v", candidate.Candidate, err)
	}
}

// MarkSignaled releases local candidates held until our description was sent.
func (c *Coordinator) MarkSignaled() {
	if c.tornDown || c.signaled {
		return
	}
	c.signaled = true
	c.outbound.Drain(c.handler.LocalCandidate)
}

func (c *Coordinator) localCandidate(candidate webrtc.ICECandidateInit) {
	if c.tornDown {
		return
	}
	if !c.signaled {
		c.outbound.Push(candidate)
		return
	}
	c.handler.LocalCandidate(candidate)
}

func (c *Coordinator) peerStateChanged(state webrtc.PeerConnectionState) {
	if c.tornDown {
		return
	}
	c.logger.Debugf("peer connection state %s", state)
	c.handler.PeerStateChanged(state)
}

func (c *Coordinator) readRemote(track stream.Track) {
	s := stream.New(track, c.peer, c.logger)
	info := s.Info()
	c.loop.Post(func() {
		if !c.tornDown {
			c.handler.RemoteTrack(info, false)
		}
	})

	if err := s.Run(c.ctx); err != nil {
		c.logger.Debugf("remote track %s: %v", info.ID, err)
	}
	c.loop.Post(func() {
		if !c.tornDown {
			c.handler.RemoteTrack(info, true)
		}
	})
}

// Teardown marks the coordinator released and stops local media and the
// peer transport on a separate goroutine, since both wait on their pumps.
// Closed reports when that is done. Later calls do nothing.
func (c *Coordinator) Teardown() {
	if c.tornDown {
		return
	}
	c.tornDown = true
	c.cancel()
	c.remote.Reset()
	c.outbound.Reset()
	c.metrics.DecrementWebRTCConnections()

	local, peer := c.local, c.peer
	c.local = nil
	go func() {
		defer close(c.closed)
		if local != nil {
			local.Stop()
		}
		if err := peer.Close(); err != nil {
			c.logger.Debugf("close peer: %v", err)
		}
	}()
}

// Closed is closed once the media and peer released by Teardown have
// stopped.
func (c *Coordinator) Closed() <-chan struct{} {
	return c.closed
}

// Released reports whether Teardown has run.
func (c *Coordinator) Released() bool {
	return c.tornDown
}

// RemoteDescriptionSet reports whether the remote description was applied.
func (c *Coordinator) RemoteDescriptionSet() bool {
	return c.remoteSet
}
