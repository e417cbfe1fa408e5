// Package view wires one participant's session view: the start/join
// notification coordinator, signaling, auto-join, the connection monitor,
// presence and at most one call.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/app/autojoin"
	"github.com/dkeye/Consult/internal/app/monitor"
	"github.com/dkeye/Consult/internal/app/notify"
	"github.com/dkeye/Consult/internal/app/presence"
	"github.com/dkeye/Consult/internal/app/signaling"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotParticipant = errors.New("not a participant of this session")
	ErrNotOpen        = errors.New("session view not open")
	ErrNotPhysician   = errors.New("only the physician starts the consultation")
)

type Timing struct {
	StartDebounce        time.Duration
	AutoJoinDelay        time.Duration
	SampleInterval       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func DefaultTiming() Timing {
	return Timing{
		StartDebounce:        notify.DefaultStartDebounce,
		AutoJoinDelay:        autojoin.DefaultDelay,
		SampleInterval:       monitor.DefaultInterval,
		ReconnectDelay:       monitor.DefaultReconnectDelay,
		MaxReconnectAttempts: monitor.DefaultMaxReconnectAttempts,
	}
}

type Deps struct {
	Store    core.SessionStore
	Bus      core.EventBus
	Calls    core.CallFactory
	Notifier core.Notifier
}

type SessionView struct {
	deps      Deps
	self      domain.Participant
	sessionID domain.SessionID
	logger    zerolog.Logger

	coord    *notify.Coordinator
	signals  *signaling.Service
	join     *autojoin.Manager
	mon      *monitor.Monitor
	presence *presence.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	opened    bool
	closed    bool
	session   domain.ConsultationSession
	call      core.CallConnection
	offerer   bool
	remoteSet bool
	// remote candidates that arrived before the remote description
	pending []webrtc.ICECandidateInit
}

func New(self domain.Participant, sessionID domain.SessionID, deps Deps, timing Timing) *SessionView {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier()
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &SessionView{
		deps:      deps,
		self:      self,
		sessionID: sessionID,
		logger: log.With().
			Str("module", "view").
			Str("session", string(sessionID)).
			Str("participant", string(self.ID)).
			Str("role", string(self.Role)).
			Logger(),
		signals:  signaling.New(),
		presence: presence.New(deps.Bus, self.ID, sessionID),
		ctx:      ctx,
		cancel:   cancel,
	}
	v.coord = notify.New(deps.Store, deps.Bus, notify.Options{
		SessionID:             sessionID,
		ParticipantID:         self.ID,
		Role:                  self.Role,
		StartDebounce:         timing.StartDebounce,
		OnConsultationStarted: v.onConsultationStarted,
		OnPatientJoined:       v.onPatientJoined,
	})
	v.join = autojoin.New(autojoin.Options{
		Role:           self.Role,
		Profile:        self.Profile,
		Delay:          timing.AutoJoinDelay,
		AnnounceJoined: v.coord.AnnouncePatientJoined,
		StartCall:      v.startCall,
		Notifier:       deps.Notifier,
	})
	v.mon = monitor.New(monitor.Options{
		Interval:             timing.SampleInterval,
		ReconnectDelay:       timing.ReconnectDelay,
		MaxReconnectAttempts: timing.MaxReconnectAttempts,
		OnReconnect:          v.onReconnect,
	})
	return v
}

func (v *SessionView) notice(level core.NoticeLevel, msg, action string) {
	v.deps.Notifier.Notify(core.Notice{Level: level, Message: msg, Action: action})
}

// Open loads the session and attaches every channel of the view. Failing
// notification or presence channels degrade the view but do not fail Open.
func (v *SessionView) Open(ctx context.Context) (*domain.ConsultationSession, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrNotOpen
	}
	if v.opened {
		sess := v.session
		v.mu.Unlock()
		return &sess, nil
	}
	v.mu.Unlock()

	sess, err := v.deps.Store.Get(ctx, v.sessionID)
	if err != nil {
		v.logger.Error().Err(err).Msg("load session failed")
		return nil, fmt.Errorf("load session %s: %w", v.sessionID, err)
	}
	if role, ok := sess.RoleOf(v.self.ID); !ok || role != v.self.Role {
		v.logger.Warn().Msg("rejected non-participant")
		return nil, ErrNotParticipant
	}

	if err := v.signals.Open(ctx, v.deps.Bus, v.sessionID, v.self.ID, signaling.Callbacks{
		OnCallInvitation: v.onCallInvitation,
		OnCallDeclined:   v.onCallDeclined,
		OnSignal:         v.onSignal,
	}); err != nil {
		return nil, fmt.Errorf("open signaling: %w", err)
	}
	if err := v.coord.Attach(ctx); err != nil {
		v.notice(core.NoticeWarning, "Live updates are unavailable. Refresh to retry.", "")
	}
	if err := v.presence.Attach(ctx); err != nil {
		v.logger.Warn().Err(err).Msg("presence unavailable")
	}

	v.mu.Lock()
	v.opened = true
	v.session = *sess
	v.mu.Unlock()

	if v.self.IsPatient() && sess.Status == domain.StatusInProgress {
		v.join.EnableManualJoin()
		v.notice(core.NoticeInfo, "The consultation is already in progress.", core.ActionJoin)
	}
	v.logger.Info().Str("status", string(sess.Status)).Msg("opened")
	return sess, nil
}

func (v *SessionView) isOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opened && !v.closed
}

// StartConsultation moves the session from scheduled to in_progress and
// announces it on the broadcast channel.
func (v *SessionView) StartConsultation(ctx context.Context) error {
	if !v.self.IsPhysician() {
		return ErrNotPhysician
	}
	if !v.isOpen() {
		return ErrNotOpen
	}
	next, err := v.deps.Store.TransitionStatus(ctx, v.sessionID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		v.logger.Warn().Err(err).Msg("start consultation failed")
		return fmt.Errorf("start consultation: %w", err)
	}
	v.mu.Lock()
	v.session = *next
	v.mu.Unlock()

	if err := v.coord.AnnounceStarted(ctx, next.UpdatedAt); err != nil {
		// the change feed still carries the start
		v.logger.Warn().Err(err).Msg("start announcement failed")
	}
	v.logger.Info().Msg("consultation started")
	return nil
}

// JoinNow is the manual join action.
func (v *SessionView) JoinNow(ctx context.Context) error {
	if !v.isOpen() {
		return ErrNotOpen
	}
	return v.join.TriggerManualJoin(ctx)
}

func (v *SessionView) onConsultationStarted(domain.SessionID) {
	v.mu.Lock()
	v.session.Status = domain.StatusInProgress
	v.mu.Unlock()
	v.join.TriggerAutoJoin(v.ctx)
}

func (v *SessionView) onPatientJoined(pid domain.ParticipantID) {
	v.logger.Info().Str("patient", string(pid)).Msg("patient joined")
	v.notice(core.NoticeInfo, "The patient joined the consultation.", "")
}

func (v *SessionView) Session() domain.ConsultationSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

func (v *SessionView) JoinState() autojoin.State { return v.join.State() }

func (v *SessionView) ManualJoinAvailable() bool { return v.join.ManualJoinAvailable() }

func (v *SessionView) Quality() domain.ConnectionQuality { return v.mon.Quality() }

func (v *SessionView) Presence() []domain.PresenceRecord { return v.presence.Online() }

// Close tears the whole view down. Idempotent.
func (v *SessionView) Close(ctx context.Context) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.join.Close()
	v.coord.Detach()
	v.signals.Dispose()
	v.endCall()
	v.presence.Detach(ctx)
	v.cancel()
	v.logger.Info().Msg("closed")
}
