package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/adapters/bus/membus"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusOf(t *Tracker, pid domain.ParticipantID) domain.PresenceStatus {
	rec, ok := t.Lookup(pid)
	if !ok {
		return ""
	}
	return rec.Status
}

func TestSessionScopedPresence(t *testing.T) {
	ctx := context.Background()
	bus := membus.New()
	pat := New(bus, "pat", "s1")
	doc := New(bus, "doc", "s1")
	var changes atomic.Int32
	pat.OnChange(func() { changes.Add(1) })

	require.NoError(t, pat.Attach(ctx))
	require.NoError(t, doc.Attach(ctx))
	defer pat.Detach(ctx)

	assert.Equal(t, domain.PresenceInConsultation, pat.Status())
	require.Eventually(t, func() bool {
		return statusOf(pat, "doc") == domain.PresenceInConsultation && len(pat.Online()) == 2
	}, time.Second, time.Millisecond)
	assert.Positive(t, changes.Load())

	online := pat.Online()
	assert.EqualValues(t, "doc", online[0].ParticipantID)
	assert.EqualValues(t, "pat", online[1].ParticipantID)
	assert.EqualValues(t, "s1", online[0].SessionID)

	require.NoError(t, doc.UpdateStatus(ctx, domain.PresenceOnline))
	require.Eventually(t, func() bool { return statusOf(pat, "doc") == domain.PresenceOnline }, time.Second, time.Millisecond)

	doc.Detach(ctx)
	doc.Detach(ctx)
	assert.Equal(t, domain.PresenceOffline, doc.Status())
	require.Eventually(t, func() bool { return statusOf(pat, "doc") == domain.PresenceOffline }, time.Second, time.Millisecond)
	require.Len(t, pat.Online(), 1)
	assert.EqualValues(t, "pat", pat.Online()[0].ParticipantID)
}

func TestGlobalScopeIsOnline(t *testing.T) {
	ctx := context.Background()
	tr := New(membus.New(), "pat", "")
	assert.Equal(t, domain.PresenceOffline, tr.Status())
	require.NoError(t, tr.Attach(ctx))
	require.NoError(t, tr.Attach(ctx))
	assert.Equal(t, domain.PresenceOnline, tr.Status())
	require.Eventually(t, func() bool { return statusOf(tr, "pat") == domain.PresenceOnline }, time.Second, time.Millisecond)

	tr.Detach(ctx)
	assert.Equal(t, domain.PresenceOffline, tr.Status())
	assert.Empty(t, tr.Online())
}

func TestUpdateBeforeAttachIsLocal(t *testing.T) {
	tr := New(membus.New(), "pat", "s1")
	require.NoError(t, tr.UpdateStatus(context.Background(), domain.PresenceOnline))
	assert.Equal(t, domain.PresenceOnline, tr.Status())
	tr.Detach(context.Background())
}

var errTrack = errors.New("track refused")

// refusingBus hands out presence channels whose Track always fails.
type refusingBus struct {
	core.EventBus
	closed atomic.Int32
}

func (b *refusingBus) JoinPresence(ctx context.Context, topic, key string, handler func(core.PresenceEvent)) (core.PresenceChannel, error) {
	ch, err := b.EventBus.JoinPresence(ctx, topic, key, handler)
	if err != nil {
		return nil, err
	}
	return &refusingChannel{PresenceChannel: ch, bus: b}, nil
}

type refusingChannel struct {
	core.PresenceChannel
	bus *refusingBus
}

func (c *refusingChannel) Track(context.Context, domain.PresenceRecord) error { return errTrack }

func (c *refusingChannel) Close() error {
	c.bus.closed.Add(1)
	return c.PresenceChannel.Close()
}

func TestAttachRollsBackWhenTrackFails(t *testing.T) {
	ctx := context.Background()
	bus := &refusingBus{EventBus: membus.New()}
	tr := New(bus, "pat", "s1")

	assert.ErrorIs(t, tr.Attach(ctx), errTrack)
	assert.Equal(t, domain.PresenceOffline, tr.Status())
	assert.Empty(t, tr.Online())
	assert.EqualValues(t, 1, bus.closed.Load())

	// not attached, so a retry joins again
	assert.ErrorIs(t, tr.Attach(ctx), errTrack)
	assert.EqualValues(t, 2, bus.closed.Load())
	tr.Detach(ctx)
}
