// Package pgstore is a PostgreSQL-backed core.SessionStore. The change feed
// is built on a row trigger calling pg_notify and one LISTEN connection
// shared by every subscription of the store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the pg_notify channel the trigger publishes on.
const NotifyChannel = "consultation_session_changes"

// Migration is safe to execute multiple times.
const Migration = `
CREATE TABLE IF NOT EXISTS consultation_sessions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL DEFAULT 'scheduled'
                 CHECK (status IN ('scheduled', 'in_progress', 'completed')),
    patient_id   TEXT NOT NULL,
    physician_id TEXT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_consultation_sessions_patient ON consultation_sessions (patient_id);
CREATE INDEX IF NOT EXISTS idx_consultation_sessions_physician ON consultation_sessions (physician_id);

CREATE OR REPLACE FUNCTION notify_consultation_session_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('consultation_session_changes',
        json_build_object('old', row_to_json(OLD), 'new', row_to_json(NEW))::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS consultation_session_change ON consultation_sessions;
CREATE TRIGGER consultation_session_change
    AFTER UPDATE ON consultation_sessions
    FOR EACH ROW EXECUTE FUNCTION notify_consultation_session_change();
`

const uniqueViolation = "23505"

const selectColumns = `id, status, patient_id, physician_id, updated_at`

type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal query surface of the store, so it can be faked in tests.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// listener opens a dedicated connection for LISTEN.
type listener interface {
	Listen(ctx context.Context, channel string) (notificationConn, error)
}

type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type Store struct {
	db     pgConn
	listen listener

	mu   sync.Mutex
	feed *feed
	subs map[uint64]*watcher
	next uint64
}

// feed owns the LISTEN connection while at least one watcher is registered.
type feed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type watcher struct {
	filter  core.SessionFilter
	handler func(core.SessionChange)
	queue   chan core.SessionChange
	done    chan struct{}
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ch := <-w.queue:
			w.handler(ch)
		}
	}
}

func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *Store {
	w := &poolWrapper{pool: pool}
	return &Store{db: w, listen: w}
}

// Migrate applies Migration.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, Migration); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func scanSession(row pgRow) (*domain.ConsultationSession, error) {
	var (
		sess                           domain.ConsultationSession
		id, status, patient, physician string
		updated                        time.Time
	)
	if err := row.Scan(&id, &status, &patient, &physician, &updated); err != nil {
		return nil, err
	}
	sess.ID = domain.SessionID(id)
	sess.Status = domain.SessionStatus(status)
	sess.PatientID = domain.ParticipantID(patient)
	sess.PhysicianID = domain.ParticipantID(physician)
	sess.UpdatedAt = updated.UTC()
	return &sess, nil
}

func (s *Store) Create(ctx context.Context, sess domain.ConsultationSession) error {
	if sess.Status == "" {
		sess.Status = domain.StatusScheduled
	}
	const query = `INSERT INTO consultation_sessions (id, status, patient_id, physician_id)
VALUES ($1, $2, $3, $4)`
	if err := s.db.Exec(ctx, query, string(sess.ID), string(sess.Status), string(sess.PatientID), string(sess.PhysicianID)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("session %s: %w", sess.ID, core.ErrSessionExists)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (*domain.ConsultationSession, error) {
	query := `SELECT ` + selectColumns + ` FROM consultation_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus) (*domain.ConsultationSession, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	query := `UPDATE consultation_sessions SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + selectColumns
	sess, err := scanSession(s.db.QueryRow(ctx, query, string(id), string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("session %s is %s: %w", id, cur.Status, core.ErrStatusConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("transition session: %w", err)
	}
	log.Info().Str("module", "pgstore").Str("session", string(id)).Str("from", string(from)).Str("to", string(to)).Msg("status transitioned")
	return sess, nil
}

// decodeChange parses the trigger payload.
func decodeChange(payload string) (core.SessionChange, error) {
	var ch core.SessionChange
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		return ch, fmt.Errorf("decode change: %w", err)
	}
	ch.Old.UpdatedAt = ch.Old.UpdatedAt.UTC()
	ch.New.UpdatedAt = ch.New.UpdatedAt.UTC()
	return ch, nil
}

func (s *Store) SubscribeChanges(ctx context.Context, filter core.SessionFilter, handler func(core.SessionChange)) (core.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed == nil {
		conn, err := s.listen.Listen(ctx, NotifyChannel)
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		s.feed = s.startFeed(conn)
	}
	if s.subs == nil {
		s.subs = make(map[uint64]*watcher)
	}
	s.next++
	w := &watcher{
		filter:  filter,
		handler: handler,
		queue:   make(chan core.SessionChange, 64),
		done:    make(chan struct{}),
	}
	s.subs[s.next] = w
	go w.run()
	return &subscription{store: s, id: s.next}, nil
}

func (s *Store) startFeed(conn notificationConn) *feed {
	loopCtx, cancel := context.WithCancel(context.Background())
	f := &feed{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer conn.Release()
		for {
			n, err := conn.WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					log.Error().Err(err).Str("module", "pgstore").Msg("change feed stopped")
					// the next subscription listens again
					s.mu.Lock()
					if s.feed == f {
						s.feed = nil
					}
					s.mu.Unlock()
				}
				return
			}
			ch, err := decodeChange(n.Payload)
			if err != nil {
				log.Warn().Err(err).Str("module", "pgstore").Msg("bad change payload")
				continue
			}
			s.dispatch(ch)
		}
	}()
	return f
}

func (s *Store) dispatch(ch core.SessionChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.subs {
		if !w.filter.Match(ch.New) {
			continue
		}
		select {
		case w.queue <- ch:
		default:
			log.Warn().Str("module", "pgstore").Uint64("subscription", id).Msg("change feed queue full, change dropped")
		}
	}
}

type subscription struct {
	store *Store
	id    uint64
	once  sync.Once
}

// Close unregisters the watcher; the last one out stops the feed and hands
// its connection back to the pool.
func (s *subscription) Close() error {
	s.once.Do(func() {
		st := s.store
		st.mu.Lock()
		if w, ok := st.subs[s.id]; ok {
			delete(st.subs, s.id)
			close(w.done)
		}
		var stop *feed
		if len(st.subs) == 0 && st.feed != nil {
			stop = st.feed
			st.feed = nil
		}
		st.mu.Unlock()
		if stop != nil {
			stop.cancel()
			<-stop.done
		}
	})
	return nil
}

// poolWrapper adapts *pgxpool.Pool to pgConn and listener.
type poolWrapper struct {
	pool *pgxpool.Pool
}

func (w *poolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *poolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

func (w *poolWrapper) Listen(ctx context.Context, channel string) (notificationConn, error) {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	return &listenConn{conn: conn}, nil
}

type listenConn struct {
	conn *pgxpool.Conn
}

func (c *listenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

// Release hands the connection back; a connection interrupted by context
// cancellation is closed by pgx and discarded by the pool.
func (c *listenConn) Release() {
	c.conn.Release()
}
