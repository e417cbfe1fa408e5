package rtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:"); ok {
			return v
		}
	}
	return ""
}

func newTestCall(t *testing.T) *Call {
	t.Helper()
	conn, err := NewFactory(webrtc.Configuration{}, "test").NewCall(context.Background())
	require.NoError(t, err)
	call := conn.(*Call)
	t.Cleanup(func() { _ = call.Close() })
	return call
}

func TestOfferAnswerAndICERestart(t *testing.T) {
	ctx := context.Background()
	a, b := newTestCall(t), newTestCall(t)

	offer, err := a.CreateOffer(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, strings.ToLower(offer.SDP), "opus")

	answer, err := b.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.ApplyAnswer(answer))

	restart, err := a.CreateOffer(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, iceUfrag(offer.SDP))
	assert.NotEqual(t, iceUfrag(offer.SDP), iceUfrag(restart.SDP))
}

func TestCloseIsIdempotent(t *testing.T) {
	call := newTestCall(t)
	require.NoError(t, call.Close())
	require.NoError(t, call.Close())

	_, err := call.Stats(canceled())
	assert.ErrorIs(t, err, context.Canceled)
}

func canceled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestSampleFromReport(t *testing.T) {
	at := time.Now()
	report := webrtc.StatsReport{
		"pair-idle": webrtc.ICECandidatePairStats{Nominated: false, CurrentRoundTripTime: 0.9},
		"pair":      webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.12},
		"in-audio":  webrtc.InboundRTPStreamStats{PacketsReceived: 90, PacketsLost: 10, BytesReceived: 2048},
		"in-video":  webrtc.InboundRTPStreamStats{PacketsReceived: 10, BytesReceived: 1024},
	}
	s := sampleFromReport(report, at)
	assert.Equal(t, at, s.At)
	assert.InDelta(t, 120.0, float64(s.RoundTripTime)/float64(time.Millisecond), 0.01)
	assert.EqualValues(t, 100, s.PacketsReceived)
	assert.EqualValues(t, 10, s.PacketsLost)
	assert.EqualValues(t, 3072, s.BytesReceived)
}

func TestConfigFor(t *testing.T) {
	assert.Equal(t, DefaultWebRTCConfig(), ConfigFor(nil))
	cfg := ConfigFor([]string{"stun:example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers[0].URLs)
}
