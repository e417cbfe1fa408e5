package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed() *Store {
	s := New()
	s.Put(domain.ConsultationSession{ID: "s1", Status: domain.StatusScheduled, PatientID: "pat", PhysicianID: "doc"})
	s.Put(domain.ConsultationSession{ID: "s2", Status: domain.StatusScheduled, PatientID: "pat2", PhysicianID: "doc"})
	return s
}

func TestGet(t *testing.T) {
	s := seed()
	sess, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sess.Status)
	assert.False(t, sess.UpdatedAt.IsZero())

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := seed()

	next, err := s.TransitionStatus(ctx, "s1", domain.StatusScheduled, domain.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, next.Status)

	_, err = s.TransitionStatus(ctx, "s1", domain.StatusScheduled, domain.StatusInProgress)
	assert.ErrorIs(t, err, core.ErrStatusConflict)

	_, err = s.TransitionStatus(ctx, "s2", domain.StatusScheduled, domain.StatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.TransitionStatus(ctx, "missing", domain.StatusScheduled, domain.StatusInProgress)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := seed()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TransitionStatus(ctx, "s1", domain.StatusScheduled, domain.StatusInProgress); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestChangeFeedFilter(t *testing.T) {
	ctx := context.Background()
	s := seed()

	var mu sync.Mutex
	var bySession, byParticipant []core.SessionChange
	sub1, err := s.SubscribeChanges(ctx, core.SessionFilter{SessionID: "s1"}, func(c core.SessionChange) {
		mu.Lock()
		bySession = append(bySession, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := s.SubscribeChanges(ctx, core.SessionFilter{ParticipantID: "doc"}, func(c core.SessionChange) {
		mu.Lock()
		byParticipant = append(byParticipant, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = s.TransitionStatus(ctx, "s1", domain.StatusScheduled, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = s.TransitionStatus(ctx, "s2", domain.StatusScheduled, domain.StatusInProgress)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bySession) == 1 && len(byParticipant) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, domain.StatusScheduled, bySession[0].Old.Status)
	assert.Equal(t, domain.StatusInProgress, bySession[0].New.Status)
	mu.Unlock()

	require.NoError(t, sub2.Close())
	require.NoError(t, sub2.Close())
}

func TestCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, domain.ConsultationSession{ID: "s9", PatientID: "p", PhysicianID: "d"}))

	sess, err := s.Get(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sess.Status)

	err = s.Create(ctx, domain.ConsultationSession{ID: "s9", PatientID: "p", PhysicianID: "d"})
	assert.ErrorIs(t, err, core.ErrSessionExists)
}

var _ core.SessionRepository = (*Store)(nil)
