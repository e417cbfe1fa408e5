package core

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var ErrMediaUnavailable = errors.New("camera or microphone unavailable")

// StatsSample is a cumulative snapshot of peer-connection statistics.
type StatsSample struct {
	At              time.Time
	RoundTripTime   time.Duration
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
}

// StatsSource is the getStats()-style introspection the monitor samples.
type StatsSource interface {
	Stats(ctx context.Context) (StatsSample, error)
}

type CallConnection interface {
	StatsSource
	// CreateOffer sets and returns the local offer. iceRestart forces new
	// ICE credentials.
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for peer connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

// CallFactory acquires local media and builds a connection around it.
// It fails with ErrMediaUnavailable when media cannot be acquired.
type CallFactory interface {
	NewCall(ctx context.Context) (CallConnection, error)
}
