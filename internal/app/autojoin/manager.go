// Package autojoin is the patient-side join state machine of a session view.
package autojoin

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultDelay = 1500 * time.Millisecond

var ErrNotPatient = errors.New("only patients join")

type State string

const (
	StateIdle        State = "idle"
	StateJoining     State = "joining"
	StateJoined      State = "joined"
	StateJoinFailed  State = "join_failed"
	StateManualReady State = "manual_ready"
)

// transitions lists the legal targets per state. Reset to idle is always
// allowed and bypasses this table.
var transitions = map[State][]State{
	StateIdle:        {StateJoining, StateJoinFailed, StateManualReady},
	StateJoining:     {StateJoined, StateJoinFailed},
	StateJoined:      {StateJoining},
	StateJoinFailed:  {StateManualReady, StateJoining},
	StateManualReady: {StateJoining},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

type Options struct {
	Role    domain.Role
	Profile domain.Profile
	// Delay between the join notification and the call start.
	Delay time.Duration
	// AnnounceJoined tells the physician side the patient is joining. It is
	// awaited before the call starts.
	AnnounceJoined func(ctx context.Context) error
	StartCall      func(ctx context.Context, displayName string) error
	Notifier       core.Notifier
	OnStateChange  func(State)
}

type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	attempted bool
	gen       uint64
	timer     *time.Timer
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(opts Options) *Manager {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		logger:    log.With().Str("module", "autojoin").Logger(),
		state:     StateIdle,
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempted
}

// ManualJoinAvailable reports whether the manual join affordance is shown.
func (m *Manager) ManualJoinAvailable() bool {
	s := m.State()
	return s == StateManualReady || s == StateJoinFailed
}

func (m *Manager) displayName() string {
	return m.opts.Profile.DisplayName(domain.DefaultDisplayName)
}

// setLocked appends to changed when the transition is legal.
func (m *Manager) setLocked(to State, changed *[]State) bool {
	if m.state == to {
		return true
	}
	if !CanTransition(m.state, to) {
		m.logger.Warn().Str("from", string(m.state)).Str("to", string(to)).Msg("illegal transition ignored")
		return false
	}
	m.state = to
	*changed = append(*changed, to)
	return true
}

func (m *Manager) failLocked(changed *[]State) {
	m.setLocked(StateJoinFailed, changed)
	m.setLocked(StateManualReady, changed)
}

func (m *Manager) emit(changed []State, notices ...core.Notice) {
	for _, s := range changed {
		m.logger.Info().Str("state", string(s)).Msg("state changed")
		if m.opts.OnStateChange != nil {
			m.opts.OnStateChange(s)
		}
	}
	if m.opts.Notifier == nil {
		return
	}
	for _, n := range notices {
		m.opts.Notifier.Notify(n)
	}
}

func joinFailedNotice(err error) core.Notice {
	if errors.Is(err, core.ErrMediaUnavailable) {
		return core.Notice{
			Level:   core.NoticeWarning,
			Message: "Camera or microphone unavailable. Check device permissions, then join manually.",
			Action:  core.ActionJoin,
		}
	}
	return core.Notice{
		Level:   core.NoticeError,
		Message: "Could not join the consultation automatically. Use the join button to try again.",
		Action:  core.ActionJoin,
	}
}

// TriggerAutoJoin runs once per attempt and only for patients. The join
// notification is awaited; the call starts after Delay.
func (m *Manager) TriggerAutoJoin(ctx context.Context) {
	var changed []State
	m.mu.Lock()
	if m.attempted || m.opts.Role != domain.RolePatient {
		m.mu.Unlock()
		m.logger.Debug().Msg("auto-join skipped")
		return
	}
	if !m.setLocked(StateJoining, &changed) {
		m.mu.Unlock()
		return
	}
	m.attempted = true
	gen, runCtx := m.gen, m.runCtx
	m.mu.Unlock()
	m.emit(changed, core.Notice{Level: core.NoticeInfo, Message: "The physician started the consultation. Joining..."})

	if err := m.opts.AnnounceJoined(ctx); err != nil {
		m.logger.Error().Err(err).Msg("join notification failed")
		changed = nil
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.attempted = false
		m.failLocked(&changed)
		m.mu.Unlock()
		m.emit(changed, joinFailedNotice(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.timer = time.AfterFunc(m.opts.Delay, func() { m.startCall(gen, runCtx) })
}

func (m *Manager) startCall(gen uint64, ctx context.Context) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	err := m.opts.StartCall(ctx, m.displayName())

	var changed []State
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("auto-join call start failed")
		m.failLocked(&changed)
		m.mu.Unlock()
		m.emit(changed, joinFailedNotice(err))
		return
	}
	m.setLocked(StateJoined, &changed)
	m.mu.Unlock()
	m.emit(changed)
}

// TriggerManualJoin skips the attempt guard and the delay, and supersedes
// any auto-join in flight.
func (m *Manager) TriggerManualJoin(ctx context.Context) error {
	if m.opts.Role != domain.RolePatient {
		return ErrNotPatient
	}
	var changed []State
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.attempted = true
	m.setLocked(StateJoining, &changed)
	m.mu.Unlock()
	m.emit(changed)

	fail := func(err error) error {
		var changed []State
		m.mu.Lock()
		if m.gen == gen {
			m.failLocked(&changed)
		}
		m.mu.Unlock()
		m.emit(changed, joinFailedNotice(err))
		return err
	}

	if err := m.opts.AnnounceJoined(ctx); err != nil {
		m.logger.Error().Err(err).Msg("join notification failed")
		return fail(err)
	}
	if err := m.opts.StartCall(ctx, m.displayName()); err != nil {
		m.logger.Error().Err(err).Msg("manual join call start failed")
		return fail(err)
	}

	changed = nil
	m.mu.Lock()
	if m.gen == gen {
		m.setLocked(StateJoined, &changed)
	}
	m.mu.Unlock()
	m.emit(changed)
	return nil
}

// ResetAutoJoin returns to idle and cancels pending work. Required whenever
// the view switches to another session.
func (m *Manager) ResetAutoJoin() {
	var changed []State
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancelRun()
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	m.attempted = false
	if m.state != StateIdle {
		m.state = StateIdle
		changed = append(changed, StateIdle)
	}
	m.mu.Unlock()
	m.emit(changed)
}

// EnableManualJoin only shows the manual join affordance.
func (m *Manager) EnableManualJoin() {
	var changed []State
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateJoinFailed {
		m.setLocked(StateManualReady, &changed)
	}
	m.mu.Unlock()
	m.emit(changed)
}

// Close cancels pending work for good.
func (m *Manager) Close() {
	m.ResetAutoJoin()
	m.mu.Lock()
	m.cancelRun()
	m.mu.Unlock()
}
