// Package memstore is an in-memory core.SessionStore.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type subscriber struct {
	filter  core.SessionFilter
	handler func(core.SessionChange)
	queue   chan core.SessionChange
	done    chan struct{}
}

type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]domain.ConsultationSession
	subs     map[string]*subscriber
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[domain.SessionID]domain.ConsultationSession),
		subs:     make(map[string]*subscriber),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Put inserts or replaces a row. An update of an existing row is published
// on the change feed.
func (s *Store) Put(sess domain.ConsultationSession) {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, existed := s.sessions[sess.ID]
	s.sessions[sess.ID] = sess
	if existed {
		s.publish(core.SessionChange{Old: old, New: sess})
	}
}

func (s *Store) Create(ctx context.Context, sess domain.ConsultationSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.Status == "" {
		sess.Status = domain.StatusScheduled
	}
	sess.UpdatedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, core.ErrSessionExists)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (*domain.ConsultationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus) (*domain.ConsultationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if old.Status != from {
		return nil, fmt.Errorf("session %s is %s: %w", id, old.Status, core.ErrStatusConflict)
	}
	next := old
	next.Status = to
	next.UpdatedAt = s.now()
	s.sessions[id] = next
	s.publish(core.SessionChange{Old: old, New: next})
	log.Info().Str("module", "memstore").Str("session", string(id)).Str("from", string(from)).Str("to", string(to)).Msg("status transitioned")
	return &next, nil
}

// publish must be called with s.mu held.
func (s *Store) publish(ch core.SessionChange) {
	for id, sub := range s.subs {
		if !sub.filter.Match(ch.New) {
			continue
		}
		select {
		case sub.queue <- ch:
		default:
			log.Warn().Str("module", "memstore").Str("subscription", id).Msg("change feed queue full, change dropped")
		}
	}
}

func (s *Store) SubscribeChanges(ctx context.Context, filter core.SessionFilter, handler func(core.SessionChange)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sub := &subscriber{
		filter:  filter,
		handler: handler,
		queue:   make(chan core.SessionChange, 64),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ch := <-sub.queue:
				sub.handler(ch)
			}
		}
	}()
	return &subscription{store: s, id: id, done: sub.done}, nil
}

type subscription struct {
	store *Store
	id    string
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
		close(s.done)
	})
	return nil
}
