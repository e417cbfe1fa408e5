// Package presence publishes the local participant's status on a presence
// channel and keeps a view of everyone else on it.
package presence

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Tracker struct {
	bus     core.EventBus
	self    domain.ParticipantID
	session domain.SessionID
	logger  zerolog.Logger

	mu       sync.Mutex
	status   domain.PresenceStatus
	peers    map[domain.ParticipantID]domain.PresenceRecord
	channel  core.PresenceChannel
	gen      uint64
	onChange func()
}

// New scopes the tracker to session, or globally to self when session is
// empty.
func New(bus core.EventBus, self domain.ParticipantID, session domain.SessionID) *Tracker {
	return &Tracker{
		bus:     bus,
		self:    self,
		session: session,
		logger: log.With().
			Str("module", "presence").
			Str("participant", string(self)).
			Str("session", string(session)).
			Logger(),
		status: domain.PresenceOffline,
		peers:  make(map[domain.ParticipantID]domain.PresenceRecord),
	}
}

// OnChange registers fn to run after every applied presence event.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) topic() string {
	if t.session == "" {
		return core.ParticipantPresenceTopic(t.self)
	}
	return core.SessionPresenceTopic(t.session)
}

func (t *Tracker) initialStatus() domain.PresenceStatus {
	if t.session == "" {
		return domain.PresenceOnline
	}
	return domain.PresenceInConsultation
}

// Attach joins the presence channel and publishes the local record. Calling
// it on an attached tracker does nothing.
func (t *Tracker) Attach(ctx context.Context) error {
	t.mu.Lock()
	if t.channel != nil {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	// one key per connected client
	key := string(t.self) + ":" + uuid.NewString()
	channel, err := t.bus.JoinPresence(ctx, t.topic(), key, func(ev core.PresenceEvent) {
		t.apply(gen, ev)
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("presence join failed")
		return err
	}

	status := t.initialStatus()
	if err := channel.Track(ctx, domain.NewPresenceRecord(t.self, status, t.session)); err != nil {
		t.logger.Warn().Err(err).Msg("presence track failed")
		t.mu.Lock()
		if t.gen == gen {
			t.gen++
			clear(t.peers)
		}
		t.mu.Unlock()
		_ = channel.Close()
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		// detached while tracking
		t.mu.Unlock()
		_ = channel.Untrack(ctx)
		_ = channel.Close()
		return nil
	}
	t.channel = channel
	t.status = status
	t.mu.Unlock()
	t.logger.Info().Str("status", string(status)).Msg("attached")
	return nil
}

// UpdateStatus re-publishes the local record with a fresh timestamp.
func (t *Tracker) UpdateStatus(ctx context.Context, status domain.PresenceStatus) error {
	t.mu.Lock()
	t.status = status
	channel := t.channel
	t.mu.Unlock()
	if channel == nil {
		return nil
	}
	if err := channel.Track(ctx, domain.NewPresenceRecord(t.self, status, t.session)); err != nil {
		t.logger.Warn().Err(err).Str("status", string(status)).Msg("presence update failed")
		return err
	}
	return nil
}

func (t *Tracker) apply(gen uint64, ev core.PresenceEvent) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	switch ev.Kind {
	case core.PresenceSync:
		present := make(map[domain.ParticipantID]domain.PresenceRecord, len(ev.Records))
		for _, rec := range ev.Records {
			if cur, ok := present[rec.ParticipantID]; !ok || rec.LastSeen.After(cur.LastSeen) {
				present[rec.ParticipantID] = rec
			}
		}
		for pid, rec := range t.peers {
			if _, ok := present[pid]; !ok && rec.Status != domain.PresenceOffline {
				rec.Status = domain.PresenceOffline
				t.peers[pid] = rec
			}
		}
		for pid, rec := range present {
			t.peers[pid] = rec
		}
	case core.PresenceJoin:
		for _, rec := range ev.Records {
			t.peers[rec.ParticipantID] = rec
		}
	case core.PresenceLeave:
		for _, rec := range ev.Records {
			rec.Status = domain.PresenceOffline
			t.peers[rec.ParticipantID] = rec
		}
	}
	fn := t.onChange
	t.mu.Unlock()

	t.logger.Debug().Str("kind", string(ev.Kind)).Int("records", len(ev.Records)).Msg("presence event")
	if fn != nil {
		fn()
	}
}

func (t *Tracker) Status() domain.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Lookup returns the last known record of pid.
func (t *Tracker) Lookup(pid domain.ParticipantID) (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[pid]
	return rec, ok
}

// Online lists every known participant not offline, ordered by id.
func (t *Tracker) Online() []domain.PresenceRecord {
	t.mu.Lock()
	out := make([]domain.PresenceRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		if rec.Status != domain.PresenceOffline {
			out = append(out, rec)
		}
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.PresenceRecord) int {
		return strings.Compare(string(a.ParticipantID), string(b.ParticipantID))
	})
	return out
}

// Detach withdraws the local record. Idempotent.
func (t *Tracker) Detach(ctx context.Context) {
	t.mu.Lock()
	channel := t.channel
	t.channel = nil
	t.gen++
	t.status = domain.PresenceOffline
	clear(t.peers)
	t.mu.Unlock()
	if channel == nil {
		return
	}
	if err := channel.Untrack(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("presence untrack failed")
	}
	if err := channel.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("presence close failed")
	}
	t.logger.Info().Msg("detached")
}
