//go:build capture

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const captureBitRate = 1_500_000

// CaptureDevices acquires the camera and microphone of the host.
type CaptureDevices struct {
	selector *mediadevices.CodecSelector
	logger   *logrus.Entry
}

// NewCaptureDevices creates CaptureDevices encoding VP8 and Opus.
func NewCaptureDevices(logger *logrus.Entry) (*CaptureDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = captureBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.WithField("component", "devices"),
	}, nil
}

// Populate registers the encoder codecs on mediaEngine.
func (d *CaptureDevices) Populate(mediaEngine *webrtc.MediaEngine) {
	d.selector.Populate(mediaEngine)
}

// GetUserMedia captures the microphone, plus the camera for Video calls. A
// video call falls back to audio only when the camera cannot be opened.
func (d *CaptureDevices) GetUserMedia(ctx context.Context, kind Kind) (LocalStream, error) {
	attempts := []bool{false}
	if kind == Video {
		attempts = []bool{true, false}
	}

	var lastErr error
	for _, video := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.logger.Warnf("capture %s (video=%t): %v", kind, video, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			id := track.ID()
			track.OnEnded(func(err error) {
				if err != nil {
					d.logger.Warnf("local track %s ended: %v", id, err)
				}
			})
		}
		d.logger.Infof("captured %s with %d tracks", kind, len(tracks))
		return &captureStream{tracks: tracks}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, lastErr)
}

type captureStream struct {
	tracks []mediadevices.Track
}

func (s *captureStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *captureStream) Stop() {
	for _, t := range s.tracks {
		_ = t.Close()
	}
}
