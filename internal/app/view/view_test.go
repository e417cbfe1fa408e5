package view

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/adapters/bus/membus"
	"github.com/dkeye/Consult/internal/adapters/store/memstore"
	"github.com/dkeye/Consult/internal/app/autojoin"
	"github.com/dkeye/Consult/internal/app/signaling"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	mu         sync.Mutex
	rtt        time.Duration
	offers     []bool
	accepted   []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onState    func(webrtc.PeerConnectionState)
	onICE      func(webrtc.ICECandidateInit)
	closed     bool
}

func (c *fakeCall) Stats(context.Context) (core.StatsSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.StatsSample{At: time.Now(), RoundTripTime: c.rtt, PacketsReceived: 100}, nil
}

func (c *fakeCall) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(c.offers))}, nil
}

func (c *fakeCall) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = append(c.accepted, offer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (c *fakeCall) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, answer)
	return nil
}

func (c *fakeCall) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeCall) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeCall) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeCall) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *fakeCall) gather(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(cand)
}

type callLog struct {
	offers     []bool
	accepted   []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (c *fakeCall) snapshot() callLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callLog{
		offers:     append([]bool(nil), c.offers...),
		accepted:   append([]webrtc.SessionDescription(nil), c.accepted...),
		answers:    append([]webrtc.SessionDescription(nil), c.answers...),
		candidates: append([]webrtc.ICECandidateInit(nil), c.candidates...),
		closed:     c.closed,
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	err   error
	rtt   time.Duration
	calls []*fakeCall
}

func (f *fakeFactory) NewCall(context.Context) (core.CallConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeCall{rtt: f.rtt}
	f.calls = append(f.calls, c)
	return c, nil
}

func (f *fakeFactory) last() *fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type notices struct {
	mu  sync.Mutex
	all []core.Notice
}

func (n *notices) Notify(x core.Notice) {
	n.mu.Lock()
	n.all = append(n.all, x)
	n.mu.Unlock()
}

func (n *notices) has(level core.NoticeLevel, substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.all {
		if x.Level == level && strings.Contains(x.Message, substr) {
			return true
		}
	}
	return false
}

var (
	patient   = domain.Participant{ID: "pat", Role: domain.RolePatient, Profile: domain.Profile{FirstName: "Ada", LastName: "Lovelace"}}
	physician = domain.Participant{ID: "doc", Role: domain.RolePhysician}
	fast      = Timing{
		StartDebounce:        2 * time.Millisecond,
		AutoJoinDelay:        2 * time.Millisecond,
		SampleInterval:       5 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
)

type side struct {
	view  *SessionView
	calls *fakeFactory
	notes *notices
}

type fixture struct {
	store *memstore.Store
	bus   *membus.Bus
}

func newFixture(status domain.SessionStatus) *fixture {
	f := &fixture{store: memstore.New(), bus: membus.New()}
	f.store.Put(domain.ConsultationSession{ID: "s1", Status: status, PatientID: "pat", PhysicianID: "doc"})
	return f
}

func (f *fixture) open(t *testing.T, who domain.Participant, calls *fakeFactory) side {
	t.Helper()
	s := side{calls: calls, notes: &notices{}}
	s.view = New(who, "s1", Deps{Store: f.store, Bus: f.bus, Calls: calls, Notifier: s.notes}, fast)
	_, err := s.view.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.view.Close(context.Background()) })
	return s
}

func TestStartLeadsToAutoJoinAndHandshake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusScheduled)
	pat := f.open(t, patient, &fakeFactory{})
	doc := f.open(t, physician, &fakeFactory{})

	require.NoError(t, doc.view.StartConsultation(ctx))
	require.Eventually(t, func() bool { return pat.view.JoinState() == autojoin.StateJoined }, time.Second, time.Millisecond)
	assert.Equal(t, domain.StatusInProgress, pat.view.Session().Status)

	require.Eventually(t, func() bool {
		c := doc.calls.last()
		return c != nil && len(c.snapshot().accepted) == 1
	}, time.Second, time.Millisecond)
	patCall := pat.calls.last()
	require.Eventually(t, func() bool { return len(patCall.snapshot().answers) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "answer-to-offer-1", patCall.snapshot().answers[0].SDP)
	assert.Equal(t, []bool{false}, patCall.snapshot().offers)

	require.Eventually(t, func() bool {
		return doc.notes.has(core.NoticeInfo, "patient joined") && doc.notes.has(core.NoticeInfo, "Ada Lovelace is calling")
	}, time.Second, time.Millisecond)

	patCall.gather(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	docCall := doc.calls.last()
	require.Eventually(t, func() bool { return len(docCall.snapshot().candidates) == 1 }, time.Second, time.Millisecond)
}

func TestStartConsultationGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusScheduled)
	pat := f.open(t, patient, &fakeFactory{})
	doc := f.open(t, physician, &fakeFactory{})

	assert.ErrorIs(t, pat.view.StartConsultation(ctx), ErrNotPhysician)
	require.NoError(t, doc.view.StartConsultation(ctx))
	assert.ErrorIs(t, doc.view.StartConsultation(ctx), core.ErrStatusConflict)
}

func TestOpenRejectsNonParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusScheduled)
	deps := Deps{Store: f.store, Bus: f.bus, Calls: &fakeFactory{}, Notifier: &notices{}}

	eve := New(domain.Participant{ID: "eve", Role: domain.RolePatient}, "s1", deps, fast)
	_, err := eve.Open(ctx)
	assert.ErrorIs(t, err, ErrNotParticipant)

	impostor := New(domain.Participant{ID: "pat", Role: domain.RolePhysician}, "s1", deps, fast)
	_, err = impostor.Open(ctx)
	assert.ErrorIs(t, err, ErrNotParticipant)

	missing := New(patient, "nope", deps, fast)
	_, err = missing.Open(ctx)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestAlreadyInProgressOffersManualJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusInProgress)
	doc := f.open(t, physician, &fakeFactory{})
	pat := f.open(t, patient, &fakeFactory{})

	assert.True(t, pat.view.ManualJoinAvailable())
	assert.True(t, pat.notes.has(core.NoticeInfo, "already in progress"))
	require.NoError(t, pat.view.JoinNow(ctx))
	assert.Equal(t, autojoin.StateJoined, pat.view.JoinState())
	require.Eventually(t, func() bool {
		c := doc.calls.last()
		return c != nil && len(c.snapshot().accepted) == 1
	}, time.Second, time.Millisecond)
}

func TestMediaUnavailableFallsBackToManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusScheduled)
	calls := &fakeFactory{err: fmt.Errorf("getUserMedia: %w", core.ErrMediaUnavailable)}
	pat := f.open(t, patient, calls)
	doc := f.open(t, physician, &fakeFactory{})

	require.NoError(t, doc.view.StartConsultation(ctx))
	require.Eventually(t, func() bool { return pat.view.JoinState() == autojoin.StateManualReady }, time.Second, time.Millisecond)
	assert.True(t, pat.notes.has(core.NoticeWarning, "Camera or microphone"))
	assert.Nil(t, doc.calls.last())
}

func TestPoorQualityRestartsICE(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusScheduled)
	pat := f.open(t, patient, &fakeFactory{rtt: 400 * time.Millisecond})
	doc := f.open(t, physician, &fakeFactory{rtt: 400 * time.Millisecond})

	require.NoError(t, doc.view.StartConsultation(ctx))
	require.Eventually(t, func() bool { return pat.view.JoinState() == autojoin.StateJoined }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		c := doc.calls.last()
		return c != nil && len(c.snapshot().accepted) == 1
	}, time.Second, time.Millisecond)
	patCall, docCall := pat.calls.last(), doc.calls.last()
	patCall.fire(webrtc.PeerConnectionStateConnected)
	docCall.fire(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool {
		offers := patCall.snapshot().offers
		return len(offers) == 4
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []bool{false, true, true, true}, patCall.snapshot().offers)
	assert.Empty(t, docCall.snapshot().offers)
	assert.Equal(t, domain.QualityPoor, pat.view.Quality().Level)
	require.Eventually(t, func() bool { return len(docCall.snapshot().accepted) == 4 }, time.Second, time.Millisecond)
}

func TestCandidatesBufferedUntilOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusInProgress)
	doc := f.open(t, physician, &fakeFactory{})
	raw, err := f.bus.JoinBroadcast(ctx, core.BroadcastTopic("s1"), func(core.Message) {})
	require.NoError(t, err)
	defer raw.Close()

	cand, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:early"})
	require.NoError(t, err)
	offer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-x"})
	require.NoError(t, err)
	require.NoError(t, raw.Send(ctx, signaling.EventWebRTCSignal, signaling.WebRTCSignal{Sender: "pat", Kind: signaling.SignalICECandidate, Data: cand}))
	require.NoError(t, raw.Send(ctx, signaling.EventWebRTCSignal, signaling.WebRTCSignal{Sender: "pat", Kind: signaling.SignalOffer, Data: offer}))

	require.Eventually(t, func() bool {
		c := doc.calls.last()
		if c == nil {
			return false
		}
		s := c.snapshot()
		return len(s.accepted) == 1 && len(s.candidates) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "candidate:early", doc.calls.last().snapshot().candidates[0].Candidate)
}

func TestDeclineEndsBothCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusInProgress)
	doc := f.open(t, physician, &fakeFactory{})
	pat := f.open(t, patient, &fakeFactory{})

	require.NoError(t, pat.view.JoinNow(ctx))
	require.Eventually(t, func() bool {
		c := doc.calls.last()
		return c != nil && len(c.snapshot().accepted) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, doc.view.Decline(ctx))
	assert.True(t, doc.calls.last().snapshot().closed)
	require.Eventually(t, func() bool { return pat.calls.last().snapshot().closed }, time.Second, time.Millisecond)
	assert.True(t, pat.notes.has(core.NoticeWarning, "declined"))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.StatusInProgress)
	pat := f.open(t, patient, &fakeFactory{})
	require.NoError(t, pat.view.JoinNow(ctx))
	require.Eventually(t, func() bool { return len(pat.view.Presence()) == 1 }, time.Second, time.Millisecond)

	pat.view.Close(ctx)
	pat.view.Close(ctx)
	assert.True(t, pat.calls.last().snapshot().closed)
	assert.ErrorIs(t, pat.view.JoinNow(ctx), ErrNotOpen)
	assert.Equal(t, domain.QualityDisconnected, pat.view.Quality().Level)
	assert.Empty(t, pat.view.Presence())
	_, err := pat.view.Open(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)
}
