// Package stream reads the remote tracks of a call.
package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Info describes a remote track.
type Info struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

// RTCPWriter sends RTCP feedback to the sender of a track.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// Track is the remote track being read. *webrtc.TrackRemote implements it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	Read(b []byte) (int, interceptor.Attributes, error)
}

// Stream consumes one remote track until it ends.
type Stream struct {
	track   Track
	writer  RTCPWriter
	logger  *logrus.Entry
	packets atomic.Uint64
}

// New creates a Stream.
func New(track Track, writer RTCPWriter, logger *logrus.Entry) *Stream {
	return &Stream{
		track:  track,
		writer: writer,
		logger: logger,
	}
}

// Info returns the description of the track.
func (s *Stream) Info() Info {
	return Info{
		ID:       s.track.ID(),
		StreamID: s.track.StreamID(),
		Kind:     s.track.Kind().String(),
		Codec:    s.track.Codec().MimeType,
	}
}

// Packets returns how many RTP packets were read.
func (s *Stream) Packets() uint64 {
	return s.packets.Load()
}

// Run reads the track until it ends or ctx is done. A video track first asks
// the sender for a key frame.
func (s *Stream) Run(ctx context.Context) error {
	if s.track.Kind() == webrtc.RTPCodecTypeVideo {
		err := s.writer.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(s.track.SSRC())},
		})
		if err != nil {
			s.logger.Debugf("picture loss indication for %s: %v", s.track.ID(), err)
		}
	}

	rtpBuf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, _, err := s.track.Read(rtpBuf); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.packets.Add(1)
	}
}

// DrainRTCP reads RTCP from a sender until it is closed, so that interceptors
// keep running.
func DrainRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}
