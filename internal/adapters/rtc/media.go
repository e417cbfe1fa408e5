package rtc

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	opusPayloadType = 111
	opusClockRate   = 48000
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = opusClockRate / 1000 * 20
)

// opusSilence is a single Opus frame (TOC 0xf8) carrying comfort silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func newAudioTrack(streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		streamID,
	)
}

// silence feeds a local track with Opus silence so a headless participant
// still has media flowing.
type silence struct {
	track  *webrtc.TrackLocalStaticRTP
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startSilence(track *webrtc.TrackLocalStaticRTP) *silence {
	ctx, cancel := context.WithCancel(context.Background())
	s := &silence{track: track, cancel: cancel}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

func (s *silence) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "webrtc").Msg("silence write failed")
			}
			pkt.SequenceNumber++
			pkt.Timestamp += samplesPerFrame
		}
	}
}

func (s *silence) stop() {
	s.cancel()
	s.wg.Wait()
}
