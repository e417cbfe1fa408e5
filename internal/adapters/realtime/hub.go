package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const requestTimeout = 10 * time.Second

type HubOptions struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// Limiter caps broadcasts and presence updates per participant; nil
	// disables it.
	Limiter *RateLimiter
}

// Hub serves the realtime websocket. Every connection is one authenticated
// participant whose subscriptions are backed by the server's bus and store.
type Hub struct {
	bus    core.EventBus
	store  core.SessionStore
	opts   HubOptions
	active atomic.Int64
}

func NewHub(bus core.EventBus, store core.SessionStore, opts HubOptions) *Hub {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &Hub{bus: bus, store: store, opts: opts}
}

// Active is the number of open connections.
func (h *Hub) Active() int {
	return int(h.active.Load())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and runs the connection in the background
// until either side closes or ctx ends.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, who domain.ParticipantID, connID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &peer{
		hub:    h,
		who:    who,
		conn:   newWsConn(ws),
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("module", "realtime").Str("participant", string(who)).Str("conn", connID).Logger(),
	}
	h.active.Add(1)
	p.logger.Info().Msg("new WS connection")

	go writePump(ctx, p.conn, h.opts.PingPeriod, p.logger)
	go p.readPump()
	return nil
}

func (h *Hub) authorize(ctx context.Context, who domain.ParticipantID, topic string) error {
	if sid, ok := core.SessionOfTopic(topic); ok {
		return h.authorizeSession(ctx, who, sid)
	}
	// Global presence is observable by anyone; Track checks ownership.
	if _, ok := core.ParticipantOfTopic(topic); ok {
		return nil
	}
	return ErrForbidden
}

func (h *Hub) authorizeSession(ctx context.Context, who domain.ParticipantID, sid domain.SessionID) error {
	sess, err := h.store.Get(ctx, sid)
	if err != nil {
		return err
	}
	if !sess.Participates(who) {
		return ErrForbidden
	}
	return nil
}

type subscription struct {
	broadcast core.BroadcastChannel
	presence  core.PresenceChannel
	watch     core.Subscription
}

func (s *subscription) close() error {
	switch {
	case s.broadcast != nil:
		return s.broadcast.Close()
	case s.presence != nil:
		return s.presence.Close()
	case s.watch != nil:
		return s.watch.Close()
	}
	return nil
}

// peer is one connection. subs is only touched from readPump.
type peer struct {
	hub    *Hub
	who    domain.ParticipantID
	conn   *WsConn
	subs   map[string]*subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (p *peer) readPump() {
	stop := context.AfterFunc(p.ctx, p.conn.Close)
	defer func() {
		stop()
		p.cancel()
		p.closeAll()
		p.conn.Close()
		p.hub.opts.Limiter.Sweep()
		p.hub.active.Add(-1)
		p.logger.Info().Msg("readPump closing")
	}()

	ws := p.conn.conn
	pongWait := p.hub.opts.PingPeriod * 10 / 9
	ws.SetReadLimit(p.hub.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		p.handle(data)
	}
}

func (p *peer) closeAll() {
	for id, s := range p.subs {
		if err := s.close(); err != nil {
			p.logger.Warn().Err(err).Str("id", id).Msg("close subscription")
		}
	}
	clear(p.subs)
}

func (p *peer) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.logger.Warn().Err(err).Msg("bad json")
		p.reply("", ErrBadPayload)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case typeSubscribe:
		err = p.subscribe(ctx, env)
	case typePresenceJoin:
		err = p.joinPresence(ctx, env)
	case typeWatchSession:
		err = p.watch(ctx, env)
	case typeLeave:
		err = p.leave(env.ID)
	case typeBroadcast:
		err = p.broadcast(ctx, env)
	case typeTrack:
		err = p.track(ctx, env)
	case typeUntrack:
		err = p.untrack(ctx, env)
	case typePing:
		sendJSON(p.conn, frame{Type: typePong, Ref: env.Ref}, p.logger)
		return
	default:
		p.logger.Warn().Str("type", env.Type).Msg("unknown message")
		err = ErrUnknownType
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("type", env.Type).Str("id", env.ID).Msg("request rejected")
	}
	p.reply(env.Ref, err)
}

func (p *peer) reply(ref string, err error) {
	switch {
	case err != nil:
		sendJSON(p.conn, frame{Type: typeError, Ref: ref, Error: codeOf(err)}, p.logger)
	case ref != "":
		sendJSON(p.conn, frame{Type: typeAck, Ref: ref}, p.logger)
	}
}

func (p *peer) open(id string) error {
	if id == "" {
		return ErrBadPayload
	}
	if _, ok := p.subs[id]; ok {
		return ErrDuplicateID
	}
	return nil
}

func (p *peer) subscribe(ctx context.Context, env envelope) error {
	if err := p.open(env.ID); err != nil {
		return err
	}
	if err := p.hub.authorize(ctx, p.who, env.Topic); err != nil {
		return err
	}
	id := env.ID
	ch, err := p.hub.bus.JoinBroadcast(p.ctx, env.Topic, func(msg core.Message) {
		sendJSON(p.conn, frame{Type: typeBroadcast, ID: id, Message: &msg}, p.logger)
	})
	if err != nil {
		return err
	}
	p.subs[id] = &subscription{broadcast: ch}
	p.logger.Debug().Str("topic", env.Topic).Str("id", id).Msg("subscribed")
	return nil
}

func (p *peer) joinPresence(ctx context.Context, env envelope) error {
	if err := p.open(env.ID); err != nil {
		return err
	}
	if err := p.hub.authorize(ctx, p.who, env.Topic); err != nil {
		return err
	}
	id := env.ID
	ch, err := p.hub.bus.JoinPresence(p.ctx, env.Topic, env.Key, func(ev core.PresenceEvent) {
		sendJSON(p.conn, frame{Type: typePresence, ID: id, Presence: &ev}, p.logger)
	})
	if err != nil {
		return err
	}
	p.subs[id] = &subscription{presence: ch}
	p.logger.Debug().Str("topic", env.Topic).Str("id", id).Msg("presence joined")
	return nil
}

func (p *peer) watch(ctx context.Context, env envelope) error {
	if err := p.open(env.ID); err != nil {
		return err
	}
	filter := core.SessionFilter{SessionID: env.SessionID, ParticipantID: env.ParticipantID}
	switch {
	case filter.SessionID != "":
		if err := p.hub.authorizeSession(ctx, p.who, filter.SessionID); err != nil {
			return err
		}
	case filter.ParticipantID == "":
		return ErrBadPayload
	case filter.ParticipantID != p.who:
		return ErrForbidden
	}
	id := env.ID
	sub, err := p.hub.store.SubscribeChanges(p.ctx, filter, func(ch core.SessionChange) {
		sendJSON(p.conn, frame{Type: typeSessionChange, ID: id, Change: &ch}, p.logger)
	})
	if err != nil {
		return err
	}
	p.subs[id] = &subscription{watch: sub}
	return nil
}

func (p *peer) leave(id string) error {
	s, ok := p.subs[id]
	if !ok {
		return ErrUnknownSubscription
	}
	delete(p.subs, id)
	return s.close()
}

func (p *peer) broadcast(ctx context.Context, env envelope) error {
	s, ok := p.subs[env.ID]
	if !ok || s.broadcast == nil {
		return ErrUnknownSubscription
	}
	if env.Event == "" {
		return ErrBadPayload
	}
	if !p.hub.opts.Limiter.Allow(p.who) {
		return ErrRateLimited
	}
	return s.broadcast.Send(ctx, env.Event, env.Payload)
}

func (p *peer) track(ctx context.Context, env envelope) error {
	s, ok := p.subs[env.ID]
	if !ok || s.presence == nil {
		return ErrUnknownSubscription
	}
	if env.Record == nil {
		return ErrBadPayload
	}
	if env.Record.ParticipantID != p.who {
		return ErrForbidden
	}
	if !p.hub.opts.Limiter.Allow(p.who) {
		return ErrRateLimited
	}
	return s.presence.Track(ctx, *env.Record)
}

func (p *peer) untrack(ctx context.Context, env envelope) error {
	s, ok := p.subs[env.ID]
	if !ok || s.presence == nil {
		return ErrUnknownSubscription
	}
	return s.presence.Untrack(ctx)
}
