// Package signaling relays call invitations and WebRTC offer/answer/ICE
// payloads between the two participants of a session over its broadcast
// channel.
package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EventCallInvitation = "call-invitation"
	EventCallDeclined   = "call-declined"
	EventWebRTCSignal   = "webrtc-signal"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

type CallInvitation struct {
	Sender      domain.ParticipantID `json:"sender"`
	DisplayName string               `json:"displayName"`
}

type CallDeclined struct {
	Sender domain.ParticipantID `json:"sender"`
}

type WebRTCSignal struct {
	Sender domain.ParticipantID `json:"sender"`
	Kind   SignalKind           `json:"kind"`
	Data   json.RawMessage      `json:"data"`
}

// Decode unmarshals the opaque signal payload into v.
func (s WebRTCSignal) Decode(v any) error {
	return json.Unmarshal(s.Data, v)
}

type Callbacks struct {
	OnCallInvitation func(CallInvitation)
	OnCallDeclined   func(CallDeclined)
	OnSignal         func(WebRTCSignal)
}

// Service owns one broadcast channel. The zero value is ready to Open.
type Service struct {
	mu      sync.RWMutex
	channel core.BroadcastChannel
	self    domain.ParticipantID
	cb      Callbacks
	logger  zerolog.Logger
}

func New() *Service {
	return &Service{logger: log.With().Str("module", "signaling").Logger()}
}

// Open attaches to the session's broadcast channel. Opening an open
// service replaces the previous channel.
func (s *Service) Open(ctx context.Context, bus core.EventBus, sessionID domain.SessionID, self domain.ParticipantID, cb Callbacks) error {
	s.Dispose()
	logger := log.With().Str("module", "signaling").Str("session", string(sessionID)).Str("participant", string(self)).Logger()

	channel, err := bus.JoinBroadcast(ctx, core.BroadcastTopic(sessionID), func(m core.Message) {
		s.dispatch(m)
	})
	if err != nil {
		logger.Error().Err(err).Msg("open failed")
		return err
	}
	s.mu.Lock()
	s.channel = channel
	s.self = self
	s.cb = cb
	s.logger = logger
	s.mu.Unlock()
	logger.Info().Msg("opened")
	return nil
}

func (s *Service) dispatch(m core.Message) {
	s.mu.RLock()
	self, cb, logger, open := s.self, s.cb, s.logger, s.channel != nil
	s.mu.RUnlock()
	if !open {
		return
	}

	switch m.Event {
	case EventCallInvitation:
		var p CallInvitation
		if err := m.Decode(&p); err != nil {
			logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
			return
		}
		if p.Sender == self || cb.OnCallInvitation == nil {
			return
		}
		cb.OnCallInvitation(p)
	case EventCallDeclined:
		var p CallDeclined
		if err := m.Decode(&p); err != nil {
			logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
			return
		}
		if p.Sender == self || cb.OnCallDeclined == nil {
			return
		}
		cb.OnCallDeclined(p)
	case EventWebRTCSignal:
		var p WebRTCSignal
		if err := m.Decode(&p); err != nil {
			logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
			return
		}
		if p.Sender == self || cb.OnSignal == nil {
			return
		}
		cb.OnSignal(p)
	}
}

// send drops the message when the service is not open.
func (s *Service) send(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	channel, logger := s.channel, s.logger
	s.mu.RUnlock()
	if channel == nil {
		logger.Debug().Str("event", event).Msg("not open, message dropped")
		return nil
	}
	if err := channel.Send(ctx, event, payload); err != nil {
		logger.Error().Err(err).Str("event", event).Msg("send failed")
		return err
	}
	return nil
}

func (s *Service) Self() domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Service) SendCallInvitation(ctx context.Context, displayName string) error {
	return s.send(ctx, EventCallInvitation, CallInvitation{Sender: s.Self(), DisplayName: displayName})
}

func (s *Service) SendCallDeclined(ctx context.Context) error {
	return s.send(ctx, EventCallDeclined, CallDeclined{Sender: s.Self()})
}

func (s *Service) SendWebRTCSignal(ctx context.Context, kind SignalKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.send(ctx, EventWebRTCSignal, WebRTCSignal{Sender: s.Self(), Kind: kind, Data: data})
}

// Dispose detaches the channel. Safe before Open and after Dispose.
func (s *Service) Dispose() {
	s.mu.Lock()
	channel := s.channel
	s.channel = nil
	s.cb = Callbacks{}
	logger := s.logger
	s.mu.Unlock()
	if channel == nil {
		return
	}
	if err := channel.Close(); err != nil {
		logger.Warn().Err(err).Msg("close failed")
	}
	logger.Info().Msg("disposed")
}
