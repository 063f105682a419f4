package stream_test

import (
	"context"
	"io"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecore/media/stream"
	"telecore/pkg/logging"
)

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	packets int
}

func (f *fakeTrack) ID() string                { return "track" }
func (f *fakeTrack) StreamID() string          { return "stream" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) SSRC() webrtc.SSRC         { return 42 }

func (f *fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}}
}

func (f *fakeTrack) Read(b []byte) (int, interceptor.Attributes, error) {
	if f.packets == 0 {
		return 0, nil, io.EOF
	}
	f.packets--
	return len(b), nil, nil
}

type fakeWriter struct{ pkts []rtcp.Packet }

func (w *fakeWriter) WriteRTCP(pkts []rtcp.Packet) error {
	w.pkts = append(w.pkts, pkts...)
	return nil
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		kind    webrtc.RTPCodecType
		wantPLI int
	}{
		{name: "given a video track when run then a key frame is requested", kind: webrtc.RTPCodecTypeVideo, wantPLI: 1},
		{name: "given an audio track when run then no feedback is sent", kind: webrtc.RTPCodecTypeAudio, wantPLI: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &fakeWriter{}
			s := stream.New(&fakeTrack{kind: tt.kind, packets: 3}, writer, logging.NewTestLogger(t))

			require.NoError(t, s.Run(context.Background()))
			assert.Equal(t, uint64(3), s.Packets())
			assert.Len(t, writer.pkts, tt.wantPLI)
			if tt.wantPLI > 0 {
				assert.Equal(t, &rtcp.PictureLossIndication{MediaSSRC: 42}, writer.pkts[0])
			}
			assert.Equal(t, stream.Info{ID: "track", StreamID: "stream", Kind: tt.kind.String(), Codec: webrtc.MimeTypeVP8}, s.Info())
		})
	}
}
