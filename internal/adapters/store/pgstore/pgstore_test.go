package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		}
	}
	return nil
}

type fakeDB struct {
	rows    map[string]fakeRow
	execs   []string
	execErr error
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgRow {
	for prefix, row := range f.rows {
		if strings.HasPrefix(strings.TrimSpace(sql), prefix) {
			return row
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) error {
	f.execs = append(f.execs, sql)
	return f.execErr
}

func row(status string, at time.Time) fakeRow {
	return fakeRow{vals: []any{"s1", status, "pat", "doc", at}}
}

func TestGet(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	s := &Store{db: &fakeDB{rows: map[string]fakeRow{"SELECT": row("scheduled", at)}}}
	sess, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sess.Status)
	assert.Equal(t, domain.ParticipantID("doc"), sess.PhysicianID)
	assert.Equal(t, at, sess.UpdatedAt)

	s = &Store{db: &fakeDB{}}
	_, err = s.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestTransition(t *testing.T) {
	at := time.Now().UTC()
	s := &Store{db: &fakeDB{rows: map[string]fakeRow{"UPDATE": row("in_progress", at)}}}
	sess, err := s.TransitionStatus(context.Background(), "s1", domain.StatusScheduled, domain.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sess.Status)
}

func TestTransitionConflict(t *testing.T) {
	s := &Store{db: &fakeDB{rows: map[string]fakeRow{
		"UPDATE": {err: pgx.ErrNoRows},
		"SELECT": row("in_progress", time.Now()),
	}}}
	_, err := s.TransitionStatus(context.Background(), "s1", domain.StatusScheduled, domain.StatusInProgress)
	assert.ErrorIs(t, err, core.ErrStatusConflict)

	s = &Store{db: &fakeDB{}}
	_, err = s.TransitionStatus(context.Background(), "s1", domain.StatusScheduled, domain.StatusInProgress)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = s.TransitionStatus(context.Background(), "s1", domain.StatusInProgress, domain.StatusScheduled)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMigrateAndCreate(t *testing.T) {
	db := &fakeDB{}
	s := &Store{db: db}
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Create(context.Background(), domain.ConsultationSession{ID: "s1", PatientID: "p", PhysicianID: "d"}))
	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0], "pg_notify")
	assert.Contains(t, db.execs[1], "INSERT INTO consultation_sessions")
}

func TestCreateDuplicate(t *testing.T) {
	s := &Store{db: &fakeDB{execErr: &pgconn.PgError{Code: "23505"}}}
	err := s.Create(context.Background(), domain.ConsultationSession{ID: "s1", PatientID: "p", PhysicianID: "d"})
	assert.ErrorIs(t, err, core.ErrSessionExists)

	s = &Store{db: &fakeDB{execErr: errors.New("boom")}}
	err = s.Create(context.Background(), domain.ConsultationSession{ID: "s1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrSessionExists)
}

func TestDecodeChange(t *testing.T) {
	payload := `{"old":{"id":"s1","status":"scheduled","patient_id":"pat","physician_id":"doc","updated_at":"2026-10-16T09:00:00.123456+02:00"},
"new":{"id":"s1","status":"in_progress","patient_id":"pat","physician_id":"doc","updated_at":"2026-10-16T09:05:00.5+02:00"}}`
	ch, err := decodeChange(payload)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, ch.Old.Status)
	assert.Equal(t, domain.StatusInProgress, ch.New.Status)
	assert.Equal(t, time.UTC, ch.New.UpdatedAt.Location())
	assert.Equal(t, 7, ch.New.UpdatedAt.Hour())

	_, err = decodeChange("{")
	assert.Error(t, err)
}

type fakeListenConn struct {
	notes    chan *pgconn.Notification
	released chan struct{}
	once     sync.Once
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-c.notes:
		return n, nil
	}
}

func (c *fakeListenConn) Release() { c.once.Do(func() { close(c.released) }) }

type fakeListener struct {
	conn *fakeListenConn
	err  error
}

func (l *fakeListener) Listen(context.Context, string) (notificationConn, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.conn, nil
}

func TestSubscribeChanges(t *testing.T) {
	conn := &fakeListenConn{notes: make(chan *pgconn.Notification, 4), released: make(chan struct{})}
	s := &Store{db: &fakeDB{}, listen: &fakeListener{conn: conn}}

	got := make(chan core.SessionChange, 4)
	sub, err := s.SubscribeChanges(context.Background(), core.SessionFilter{SessionID: "s1"}, func(c core.SessionChange) { got <- c })
	require.NoError(t, err)

	conn.notes <- &pgconn.Notification{Payload: `{"old":{"id":"s2","status":"scheduled"},"new":{"id":"s2","status":"in_progress"}}`}
	conn.notes <- &pgconn.Notification{Payload: `not json`}
	conn.notes <- &pgconn.Notification{Payload: `{"old":{"id":"s1","status":"scheduled"},"new":{"id":"s1","status":"in_progress"}}`}

	select {
	case c := <-got:
		assert.Equal(t, domain.SessionID("s1"), c.New.ID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	select {
	case <-conn.released:
	default:
		t.Fatal("connection not released")
	}
	assert.Empty(t, got)
}

func TestSubscribeListenError(t *testing.T) {
	s := &Store{listen: &fakeListener{err: errors.New("boom")}}
	_, err := s.SubscribeChanges(context.Background(), core.SessionFilter{SessionID: "s1"}, func(core.SessionChange) {})
	assert.Error(t, err)
}

// poolListener hands out at most one connection at a time, like a pool
// with MaxConns=1.
type poolListener struct {
	mu      sync.Mutex
	held    *fakeListenConn
	listens int
}

func (l *poolListener) Listen(context.Context, string) (notificationConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		select {
		case <-l.held.released:
		default:
			return nil, errors.New("pool exhausted")
		}
	}
	l.listens++
	l.held = &fakeListenConn{notes: make(chan *pgconn.Notification, 4), released: make(chan struct{})}
	return l.held, nil
}

func (l *poolListener) conn() *fakeListenConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func TestSubscriptionsShareOneConnection(t *testing.T) {
	pool := &poolListener{}
	s := &Store{db: &fakeDB{}, listen: pool}

	const n = 20
	got := make([]chan core.SessionChange, n)
	subs := make([]core.Subscription, n)
	for i := range n {
		got[i] = make(chan core.SessionChange, 1)
		ch := got[i]
		sid := domain.SessionID(fmt.Sprintf("s%d", i))
		sub, err := s.SubscribeChanges(context.Background(), core.SessionFilter{SessionID: sid}, func(c core.SessionChange) { ch <- c })
		require.NoError(t, err)
		subs[i] = sub
	}
	assert.Equal(t, 1, pool.listens)

	pool.conn().notes <- &pgconn.Notification{Payload: `{"old":{"id":"s7","status":"scheduled"},"new":{"id":"s7","status":"in_progress"}}`}
	select {
	case c := <-got[7]:
		assert.Equal(t, domain.StatusInProgress, c.New.Status)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	for i, ch := range got {
		if i != 7 {
			assert.Empty(t, ch)
		}
	}

	first := pool.conn()
	for _, sub := range subs[:n-1] {
		require.NoError(t, sub.Close())
	}
	select {
	case <-first.released:
		t.Fatal("connection released while a subscription is open")
	default:
	}
	require.NoError(t, subs[n-1].Close())
	select {
	case <-first.released:
	default:
		t.Fatal("connection not released")
	}

	sub, err := s.SubscribeChanges(context.Background(), core.SessionFilter{SessionID: "s1"}, func(core.SessionChange) {})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.listens)
	require.NoError(t, sub.Close())
}
