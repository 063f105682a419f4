package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	syntheticInterval  = 20 * time.Millisecond
	opusPayloadType    = 111
	vp8PayloadType     = 96
	opusClockRate      = 48000
	vp8ClockRate       = 90000
	syntheticPayloadSz = 160
)

// SyntheticDevices produces silent tracks paced like real capture. It lets a
// headless client take part in calls.
type SyntheticDevices struct {
	// Deny makes every acquisition fail as if the user refused access.
	Deny bool

	logger *logrus.Entry
}

// NewSyntheticDevices creates SyntheticDevices.
func NewSyntheticDevices(logger *logrus.Entry) *SyntheticDevices {
	return &SyntheticDevices{logger: logger.WithField("component", "devices")}
}

// GetUserMedia returns an audio track, plus a video track for Video calls.
func (d *SyntheticDevices) GetUserMedia(ctx context.Context, kind Kind) (LocalStream, error) {
	if d.Deny {
		return nil, fmt.Errorf("%s: %w", kind, ErrMediaAccessDenied)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := shortuuid.New()
	s := &syntheticStream{done: make(chan struct{}), logger: d.logger}

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	s.start(audio, opusPayloadType, opusClockRate)

	if kind == Video {
		video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: vp8ClockRate,
		}, "video", streamID)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.start(video, vp8PayloadType, vp8ClockRate)
	}

	d.logger.Debugf("acquired %s stream %s", kind, streamID)
	return s, nil
}

type syntheticStream struct {
	tracks []webrtc.TrackLocal
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *logrus.Entry
}

func (s *syntheticStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *syntheticStream) Stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *syntheticStream) start(track *webrtc.TrackLocalStaticRTP, payloadType uint8, clockRate uint32) {
	s.tracks = append(s.tracks, track)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(track, payloadType, clockRate)
	}()
}

func (s *syntheticStream) pump(track *webrtc.TrackLocalStaticRTP, payloadType uint8, clockRate uint32) {
	ticker := time.NewTicker(syntheticInterval)
	defer ticker.Stop()

	step := clockRate / uint32(time.Second/syntheticInterval)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: make([]byte, syntheticPayloadSz),
	}

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debugf("write %s: %v", track.ID(), err)
				return
			}
			pkt.SequenceNumber++
			pkt.Timestamp += step
		}
	}
}
