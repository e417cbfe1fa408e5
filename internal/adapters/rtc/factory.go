package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/Consult/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFor builds a configuration from ICE server URLs; none falls back to
// DefaultWebRTCConfig.
func ConfigFor(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: iceServers}}}
}

// Factory implements core.CallFactory.
type Factory struct {
	Config webrtc.Configuration
	// StreamID labels the local media stream.
	StreamID string
}

func NewFactory(cfg webrtc.Configuration, streamID string) *Factory {
	return &Factory{Config: cfg, StreamID: streamID}
}

func (f *Factory) NewCall(ctx context.Context) (core.CallConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := newAudioTrack(f.StreamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w: %w", core.ErrMediaUnavailable, err)
	}
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w: %w", core.ErrMediaUnavailable, err)
	}
	log.Info().Str("module", "webrtc").Str("stream", f.StreamID).Msg("local audio ready")
	return newCall(pc, startSilence(track)), nil
}
