// Package notify turns session row changes and session broadcasts into
// exactly-once local callbacks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultStartDebounce = time.Second

var ErrNotAttached = errors.New("coordinator not attached")

type Options struct {
	SessionID     domain.SessionID
	ParticipantID domain.ParticipantID
	Role          domain.Role
	// StartDebounce delays OnConsultationStarted so the view can settle.
	StartDebounce time.Duration

	OnConsultationStarted func(domain.SessionID)
	OnPatientJoined       func(domain.ParticipantID)
}

// Coordinator holds two independent subscriptions for one session view: the
// row change feed and the session broadcast channel. Both feed dispatch,
// which owns the dedup set.
type Coordinator struct {
	store  core.SessionStore
	bus    core.EventBus
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	attached  bool
	gen       uint64
	seen      map[string]struct{}
	timers    map[uint64]*time.Timer
	nextTimer uint64
	feed      core.Subscription
	channel   core.BroadcastChannel
}

func New(store core.SessionStore, bus core.EventBus, opts Options) *Coordinator {
	if opts.StartDebounce < 0 {
		opts.StartDebounce = 0
	}
	return &Coordinator{
		store: store,
		bus:   bus,
		opts:  opts,
		logger: log.With().
			Str("module", "notify").
			Str("session", string(opts.SessionID)).
			Str("participant", string(opts.ParticipantID)).
			Logger(),
		seen:   make(map[string]struct{}),
		timers: make(map[uint64]*time.Timer),
	}
}

// Attach subscribes both paths. A failing path is logged and reported but
// does not prevent the other one; nothing is retried here.
func (c *Coordinator) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return nil
	}
	c.attached = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	var errs []error
	feed, err := c.store.SubscribeChanges(ctx, core.SessionFilter{SessionID: c.opts.SessionID}, func(ch core.SessionChange) {
		c.onChange(gen, ch)
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("change feed subscribe failed")
		errs = append(errs, fmt.Errorf("change feed: %w", err))
	}
	channel, err := c.bus.JoinBroadcast(ctx, core.BroadcastTopic(c.opts.SessionID), func(m core.Message) {
		c.onBroadcast(gen, m)
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("broadcast subscribe failed")
		errs = append(errs, fmt.Errorf("broadcast: %w", err))
	}

	c.mu.Lock()
	if !c.attached || c.gen != gen {
		c.mu.Unlock()
		closeQuietly(c.logger, feed, channel)
		return errors.Join(errs...)
	}
	c.feed, c.channel = feed, channel
	c.mu.Unlock()

	c.logger.Info().Msg("attached")
	return errors.Join(errs...)
}

// Detach is idempotent. It cancels pending callbacks, drops both
// subscriptions and forgets every processed event.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return
	}
	c.attached = false
	c.gen++
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	clear(c.seen)
	feed, channel := c.feed, c.channel
	c.feed, c.channel = nil, nil
	c.mu.Unlock()

	closeQuietly(c.logger, feed, channel)
	c.logger.Info().Msg("detached")
}

func closeQuietly(logger zerolog.Logger, feed core.Subscription, channel core.BroadcastChannel) {
	if feed != nil {
		if err := feed.Close(); err != nil {
			logger.Warn().Err(err).Msg("close change feed")
		}
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			logger.Warn().Err(err).Msg("close broadcast")
		}
	}
}

// AnnounceStarted publishes consultation-started. at should be the row's
// updated_at so both paths carry the same timestamp.
func (c *Coordinator) AnnounceStarted(ctx context.Context, at time.Time) error {
	return c.send(ctx, EventConsultationStarted, StartedPayload{
		StartedBy: c.opts.ParticipantID,
		SessionID: c.opts.SessionID,
		Timestamp: FormatTimestamp(at),
	})
}

func (c *Coordinator) AnnouncePatientJoined(ctx context.Context) error {
	return c.send(ctx, EventPatientJoined, JoinedPayload{
		PatientID: c.opts.ParticipantID,
		SessionID: c.opts.SessionID,
		Timestamp: FormatTimestamp(time.Now()),
	})
}

func (c *Coordinator) send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return ErrNotAttached
	}
	if err := channel.Send(ctx, event, payload); err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("broadcast send failed")
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *Coordinator) onChange(gen uint64, ch core.SessionChange) {
	if !domain.IsStart(ch.Old.Status, ch.New.Status) {
		c.logger.Debug().Str("old", string(ch.Old.Status)).Str("new", string(ch.New.Status)).Msg("status change ignored")
		return
	}
	if c.opts.Role != domain.RolePatient {
		return
	}
	c.dispatch(gen, statusChanged{session: ch.New})
}

func (c *Coordinator) onBroadcast(gen uint64, m core.Message) {
	switch m.Event {
	case EventConsultationStarted:
		var p StartedPayload
		if err := m.Decode(&p); err != nil {
			c.logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
			return
		}
		if p.StartedBy == c.opts.ParticipantID || c.opts.Role != domain.RolePatient {
			return
		}
		if p.SessionID != c.opts.SessionID {
			return
		}
		c.dispatch(gen, startedBroadcast(p))
	case EventPatientJoined:
		var p JoinedPayload
		if err := m.Decode(&p); err != nil {
			c.logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
			return
		}
		if p.PatientID == c.opts.ParticipantID || c.opts.Role != domain.RolePhysician {
			return
		}
		c.dispatch(gen, patientJoined(p))
	}
}

func (c *Coordinator) dispatch(gen uint64, ev event) {
	c.mu.Lock()
	if !c.attached || c.gen != gen {
		c.mu.Unlock()
		return
	}
	key := ev.key()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Msg("duplicate event absorbed")
		return
	}
	c.seen[key] = struct{}{}

	switch e := ev.(type) {
	case statusChanged, startedBroadcast:
		logical := startedKey(c.opts.SessionID)
		if _, dup := c.seen[logical]; dup {
			c.mu.Unlock()
			c.logger.Debug().Str("key", key).Msg("start already dispatched")
			return
		}
		c.seen[logical] = struct{}{}
		c.scheduleLocked(gen, c.opts.StartDebounce, func() {
			c.logger.Info().Str("key", key).Msg("consultation started")
			if c.opts.OnConsultationStarted != nil {
				c.opts.OnConsultationStarted(c.opts.SessionID)
			}
		})
		c.mu.Unlock()
	case patientJoined:
		c.mu.Unlock()
		c.logger.Info().Str("key", key).Msg("patient joined")
		if c.opts.OnPatientJoined != nil {
			c.opts.OnPatientJoined(e.PatientID)
		}
	default:
		c.mu.Unlock()
	}
}

// scheduleLocked must be called with c.mu held. The timer body takes c.mu
// first, so the map entry exists before it can look it up.
func (c *Coordinator) scheduleLocked(gen uint64, d time.Duration, fn func()) {
	id := c.nextTimer
	c.nextTimer++
	c.timers[id] = time.AfterFunc(d, func() {
		c.mu.Lock()
		_, live := c.timers[id]
		delete(c.timers, id)
		ok := live && c.attached && c.gen == gen
		c.mu.Unlock()
		if ok {
			fn()
		}
	})
}

// Pending reports how many delayed callbacks are outstanding.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
