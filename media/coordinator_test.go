package media_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecore/loop"
	"telecore/media"
	"telecore/media/stream"
	"telecore/pkg/logging"
)

type fakePeer struct {
	mu          sync.Mutex
	tracks      int
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      int
	block       chan struct{}
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) { p.onCandidate = f }

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }

func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type peerFactory struct{ peer *fakePeer }

func (f peerFactory) NewPeer() (media.PeerTransport, error) { return f.peer, nil }

type fakeStream struct{ stops atomic.Int32 }

func (s *fakeStream) Tracks() []webrtc.TrackLocal {
	track, _ := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "s")
	return []webrtc.TrackLocal{track}
}

func (s *fakeStream) Stop() { s.stops.Add(1) }

type recorder struct {
	candidates []webrtc.ICECandidateInit
	states     []webrtc.PeerConnectionState
}

func (r *recorder) LocalCandidate(c webrtc.ICECandidateInit) {
	r.candidates = append(r.candidates, c)
}

func (r *recorder) PeerStateChanged(s webrtc.PeerConnectionState) {
	r.states = append(r.states, s)
}

func (r *recorder) RemoteTrack(stream.Info, bool) {}

type fixture struct {
	loop        *loop.Loop
	peer        *fakePeer
	devices     *media.MockDevices
	handler     *recorder
	coordinator *media.Coordinator
}

func newFixture(t *testing.T) *fixture {
	logger := logging.NewTestLogger(t)
	l := loop.New(logger)
	l.Start()
	t.Cleanup(l.Stop)

	peer := &fakePeer{}
	devices := media.NewMockDevices(gomock.NewController(t))
	handler := &recorder{}
	c, err := media.NewFactory(peerFactory{peer: peer}, devices, l, nil, logger).New("call-1", handler)
	require.NoError(t, err)
	return &fixture{loop: l, peer: peer, devices: devices, handler: handler, coordinator: c}
}

func (f *fixture) do(t *testing.T, fn func()) {
	require.NoError(t, f.loop.Call(context.Background(), fn))
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out")
	}
	var zero T
	return zero
}

func candidate(port uint16) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

func remoteCandidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestRemoteCandidates(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}

	t.Run("given candidates before the remote description when it is set then they are applied in arrival order", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.coordinator.AddRemoteCandidate(remoteCandidate("c1")))
			require.NoError(t, f.coordinator.AddRemoteCandidate(remoteCandidate("c2")))
			assert.Empty(t, f.peer.applied())

			require.NoError(t, f.coordinator.SetRemoteDescription(offer))
			require.NoError(t, f.coordinator.AddRemoteCandidate(remoteCandidate("c3")))
		})
		assert.Equal(t, []webrtc.ICECandidateInit{
			remoteCandidate("c1"), remoteCandidate("c2"), remoteCandidate("c3"),
		}, f.peer.applied())
	})

	t.Run("given a remote description already set when set again then return error", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			require.NoError(t, f.coordinator.SetRemoteDescription(offer))
			assert.ErrorIs(t, f.coordinator.SetRemoteDescription(offer), media.ErrRemoteDescriptionSet)
			assert.True(t, f.coordinator.RemoteDescriptionSet())
		})
		assert.Len(t, f.peer.remote, 1)
	})

	t.Run("given a torn down coordinator when a candidate arrives then return torn down", func(t *testing.T) {
		f := newFixture(t)
		f.do(t, func() {
			f.coordinator.Teardown()
			assert.ErrorIs(t, f.coordinator.AddRemoteCandidate(remoteCandidate("c1")), media.ErrTornDown)
			assert.ErrorIs(t, f.coordinator.SetRemoteDescription(offer), media.ErrTornDown)
		})
	})
}

func TestLocalCandidates(t *testing.T) {
	t.Run("given candidates gathered before signaling when marked signaled then they are released in order", func(t *testing.T) {
		f := newFixture(t)
		f.peer.onCandidate(candidate(5001))
		f.peer.onCandidate(candidate(5002))
		f.peer.onCandidate(nil)

		f.do(t, func() {
			assert.Empty(t, f.handler.candidates)
			f.coordinator.MarkSignaled()
		})
		f.peer.onCandidate(candidate(5003))
		f.do(t, func() {})

		assert.Equal(t, []webrtc.ICECandidateInit{
			candidate(5001).ToJSON(), candidate(5002).ToJSON(), candidate(5003).ToJSON(),
		}, f.handler.candidates)
	})

	t.Run("given a torn down coordinator when the peer changes state then the handler is not called", func(t *testing.T) {
		f := newFixture(t)
		f.peer.onState(webrtc.PeerConnectionStateConnected)
		f.do(t, func() { f.coordinator.Teardown() })
		f.peer.onState(webrtc.PeerConnectionStateClosed)
		f.do(t, func() {})

		assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected}, f.handler.states)
	})
}

func TestNegotiation(t *testing.T) {
	t.Run("given acquired media when creating an offer then tracks are attached and the local description is set", func(t *testing.T) {
		f := newFixture(t)
		local := &fakeStream{}
		f.devices.EXPECT().GetUserMedia(gomock.Any(), media.Voice).Return(local, nil)

		acquired := make(chan error, 1)
		f.do(t, func() {
			f.coordinator.AcquireLocalMedia(media.Voice, func(err error) { acquired <- err })
		})
		require.NoError(t, wait(t, acquired))

		offers := make(chan webrtc.SessionDescription, 1)
		f.do(t, func() {
			f.coordinator.CreateOffer(func(desc webrtc.SessionDescription, err error) {
				require.NoError(t, err)
				offers <- desc
			})
		})
		offer := wait(t, offers)

		assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
		assert.Equal(t, 1, f.peer.tracks)
		assert.Equal(t, []webrtc.SessionDescription{offer}, f.peer.local)
	})

	t.Run("given no remote offer when creating an answer then return negotiation error", func(t *testing.T) {
		f := newFixture(t)
		errs := make(chan error, 1)
		f.do(t, func() {
			f.coordinator.CreateAnswer(func(_ webrtc.SessionDescription, err error) { errs <- err })
		})
		assert.ErrorIs(t, wait(t, errs), media.ErrNegotiation)
	})

	t.Run("given refused devices when acquiring then return media access denied", func(t *testing.T) {
		f := newFixture(t)
		f.devices.EXPECT().GetUserMedia(gomock.Any(), media.Video).Return(nil, errors.New("permission denied"))

		errs := make(chan error, 1)
		f.do(t, func() {
			f.coordinator.AcquireLocalMedia(media.Video, func(err error) { errs <- err })
		})
		assert.ErrorIs(t, wait(t, errs), media.ErrMediaAccessDenied)
	})
}

func TestTeardown(t *testing.T) {
	t.Run("given acquired media when torn down twice then media is released once", func(t *testing.T) {
		f := newFixture(t)
		local := &fakeStream{}
		f.devices.EXPECT().GetUserMedia(gomock.Any(), media.Voice).Return(local, nil)

		acquired := make(chan error, 1)
		f.do(t, func() {
			f.coordinator.AcquireLocalMedia(media.Voice, func(err error) { acquired <- err })
		})
		require.NoError(t, wait(t, acquired))

		f.do(t, func() {
			f.coordinator.Teardown()
			f.coordinator.Teardown()
			assert.True(t, f.coordinator.Released())
		})
		wait(t, f.coordinator.Closed())
		assert.Equal(t, int32(1), local.stops.Load())
		f.peer.mu.Lock()
		defer f.peer.mu.Unlock()
		assert.Equal(t, 1, f.peer.closed)
	})

	t.Run("given a peer slow to close when torn down then the loop keeps running", func(t *testing.T) {
		f := newFixture(t)
		f.peer.block = make(chan struct{})

		f.do(t, f.coordinator.Teardown)
		ran := make(chan struct{})
		require.True(t, f.loop.Post(func() { close(ran) }))
		wait(t, ran)

		select {
		case <-f.coordinator.Closed():
			require.FailNow(t, "closed before the peer returned")
		default:
		}
		close(f.peer.block)
		wait(t, f.coordinator.Closed())
	})

	t.Run("given an acquisition in flight when torn down then the late stream is stopped", func(t *testing.T) {
		f := newFixture(t)
		local := &fakeStream{}
		release := make(chan struct{})
		f.devices.EXPECT().GetUserMedia(gomock.Any(), media.Video).DoAndReturn(
			func(context.Context, media.Kind) (media.LocalStream, error) {
				<-release
				return local, nil
			})

		called := make(chan error, 1)
		f.do(t, func() {
			f.coordinator.AcquireLocalMedia(media.Video, func(err error) { called <- err })
			f.coordinator.Teardown()
		})
		close(release)

		assert.Eventually(t, func() bool { return local.stops.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, called)
	})
}
