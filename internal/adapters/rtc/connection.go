// Package rtc implements calls on pion peer connections.
package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Call is one peer connection with a local audio track.
type Call struct {
	pc     *webrtc.PeerConnection
	id     string
	logger zerolog.Logger
	media  *silence
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	once    sync.Once
}

func newCall(pc *webrtc.PeerConnection, media *silence) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		pc:     pc,
		id:     uuid.NewString(),
		media:  media,
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = log.With().Str("module", "webrtc").Str("call", c.id).Logger()
	c.bind()
	return c
}

func (c *Call) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drain(c.ctx, track, c.logger)
	})
}

// drain reads the remote track so its RTP counters keep moving; no
// playback here.
func drain(ctx context.Context, track *webrtc.TrackRemote, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
			return
		}
	}
}

func (c *Call) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.logger.Info().Bool("ice_restart", iceRestart).Msg("offer created")
	return offer, nil
}

func (c *Call) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Call) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Call) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Call) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Call) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Stats samples the nominated candidate pair and the inbound RTP streams.
func (c *Call) Stats(ctx context.Context) (core.StatsSample, error) {
	if err := ctx.Err(); err != nil {
		return core.StatsSample{}, err
	}
	return sampleFromReport(c.pc.GetStats(), time.Now()), nil
}

func sampleFromReport(report webrtc.StatsReport, at time.Time) core.StatsSample {
	s := core.StatsSample{At: at}
	addPair := func(p webrtc.ICECandidatePairStats) {
		if p.Nominated && p.CurrentRoundTripTime > 0 {
			s.RoundTripTime = time.Duration(p.CurrentRoundTripTime * float64(time.Second))
		}
	}
	addInbound := func(in webrtc.InboundRTPStreamStats) {
		s.PacketsReceived += uint64(in.PacketsReceived)
		if in.PacketsLost > 0 {
			s.PacketsLost += uint64(in.PacketsLost)
		}
		s.BytesReceived += uint64(in.BytesReceived)
	}
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			addPair(v)
		case *webrtc.ICECandidatePairStats:
			addPair(*v)
		case webrtc.InboundRTPStreamStats:
			addInbound(v)
		case *webrtc.InboundRTPStreamStats:
			addInbound(*v)
		}
	}
	return s
}

// Close stops the local media and the peer connection. Idempotent.
func (c *Call) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		if c.media != nil {
			c.media.stop()
		}
		if err = c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
			return
		}
		c.logger.Info().Msg("closed")
	})
	return err
}
