package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// WSPath is where the server mounts the hub.
	WSPath     = "/api/ws/realtime"
	inboxQueue = 256
	closeWait  = 5 * time.Second
)

// Client is the remote side of a Hub. It implements core.EventBus over the
// websocket and core.SessionStore over the websocket plus the REST API.
type Client struct {
	ws     *websocket.Conn
	api    *url.URL
	token  string
	http   *http.Client
	logger zerolog.Logger

	writeMu sync.Mutex
	refs    atomic.Uint64

	mu      sync.Mutex
	closed  bool
	pending map[string]chan error
	inboxes map[string]*inbox
	done    chan struct{}
}

var (
	_ core.EventBus     = (*Client)(nil)
	_ core.SessionStore = (*Client)(nil)
)

// Dial connects to the server at serverURL (http or https) authenticating
// with a bearer token.
func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	api, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	wsURL := *api
	switch api.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("server url: unsupported scheme %q", api.Scheme)
	}
	wsURL.Path += WSPath

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", wsURL.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL.Redacted(), err)
	}

	c := &Client{
		ws:      ws,
		api:     api,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.With().Str("module", "realtime.client").Str("server", api.Host).Logger(),
		pending: make(map[string]chan error),
		inboxes: make(map[string]*inbox),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info().Msg("connected")
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case typeAck, typeError:
			if f.Ref == "" {
				c.logger.Warn().Str("error", f.Error).Msg("server error")
				continue
			}
			c.resolve(f.Ref, errorOf(f.Error))
		case typeBroadcast, typePresence, typeSessionChange:
			c.mu.Lock()
			in := c.inboxes[f.ID]
			c.mu.Unlock()
			if in != nil {
				in.push(f)
			}
		case typePong:
		default:
			c.logger.Debug().Str("type", f.Type).Msg("unknown frame")
		}
	}
}

func (c *Client) resolve(ref string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	inboxes := c.inboxes
	c.inboxes = make(map[string]*inbox)
	c.mu.Unlock()

	for _, in := range inboxes {
		in.close()
	}
	_ = c.ws.Close()
	c.logger.Info().Msg("disconnected")
}

// Close ends the connection; the server releases every subscription.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.shutdown()
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.shutdown()
	}
	return nil
}

func (c *Client) write(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// request sends env and waits for the server's ack.
func (c *Client) request(ctx context.Context, env envelope) error {
	env.Ref = strconv.FormatUint(c.refs.Add(1), 10)
	ch := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrChannelClosed
	}
	c.pending[env.Ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return err
	}
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s: %w", env.Type, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return core.ErrChannelClosed
	}
}

// open registers the inbox before the request so no early delivery is lost.
func (c *Client) open(ctx context.Context, env envelope, deliver func(frame)) (string, error) {
	env.ID = uuid.NewString()
	in := newInbox(deliver)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		in.close()
		return "", core.ErrChannelClosed
	}
	c.inboxes[env.ID] = in
	c.mu.Unlock()

	if err := c.request(ctx, env); err != nil {
		c.drop(env.ID)
		return "", err
	}
	return env.ID, nil
}

func (c *Client) drop(id string) {
	c.mu.Lock()
	in := c.inboxes[id]
	delete(c.inboxes, id)
	c.mu.Unlock()
	if in != nil {
		in.close()
	}
}

func (c *Client) leave(id string) error {
	c.drop(id)
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	err := c.request(ctx, envelope{Type: typeLeave, ID: id})
	if errors.Is(err, core.ErrChannelClosed) {
		return nil
	}
	return err
}

func (c *Client) JoinBroadcast(ctx context.Context, topic string, handler func(core.Message)) (core.BroadcastChannel, error) {
	id, err := c.open(ctx, envelope{Type: typeSubscribe, Topic: topic}, func(f frame) {
		if f.Message != nil {
			handler(*f.Message)
		}
	})
	if err != nil {
		return nil, err
	}
	return &remoteBroadcast{closer{c: c, id: id}}, nil
}

func (c *Client) JoinPresence(ctx context.Context, topic, key string, handler func(core.PresenceEvent)) (core.PresenceChannel, error) {
	id, err := c.open(ctx, envelope{Type: typePresenceJoin, Topic: topic, Key: key}, func(f frame) {
		if f.Presence != nil {
			handler(*f.Presence)
		}
	})
	if err != nil {
		return nil, err
	}
	return &remotePresence{closer{c: c, id: id}}, nil
}

func (c *Client) SubscribeChanges(ctx context.Context, filter core.SessionFilter, handler func(core.SessionChange)) (core.Subscription, error) {
	env := envelope{Type: typeWatchSession, SessionID: filter.SessionID, ParticipantID: filter.ParticipantID}
	id, err := c.open(ctx, env, func(f frame) {
		if f.Change != nil {
			handler(*f.Change)
		}
	})
	if err != nil {
		return nil, err
	}
	return &remoteWatch{closer{c: c, id: id}}, nil
}

type closer struct {
	c      *Client
	id     string
	once   sync.Once
	closed atomic.Bool
}

func (r *closer) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		err = r.c.leave(r.id)
	})
	return err
}

type remoteBroadcast struct{ closer }

func (r *remoteBroadcast) Send(ctx context.Context, event string, payload any) error {
	if r.closed.Load() {
		return core.ErrChannelClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.c.request(ctx, envelope{Type: typeBroadcast, ID: r.id, Event: event, Payload: raw})
}

type remotePresence struct{ closer }

func (r *remotePresence) Track(ctx context.Context, rec domain.PresenceRecord) error {
	if r.closed.Load() {
		return core.ErrChannelClosed
	}
	return r.c.request(ctx, envelope{Type: typeTrack, ID: r.id, Record: &rec})
}

func (r *remotePresence) Untrack(ctx context.Context) error {
	if r.closed.Load() {
		return core.ErrChannelClosed
	}
	return r.c.request(ctx, envelope{Type: typeUntrack, ID: r.id})
}

type remoteWatch struct{ closer }

// inbox serializes deliveries for one subscription off the read loop, so a
// handler may issue requests of its own.
type inbox struct {
	queue chan frame
	done  chan struct{}
	once  sync.Once
}

func newInbox(deliver func(frame)) *inbox {
	in := &inbox{queue: make(chan frame, inboxQueue), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-in.done:
				return
			case f := <-in.queue:
				deliver(f)
			}
		}
	}()
	return in
}

func (in *inbox) push(f frame) {
	select {
	case in.queue <- f:
	default:
		log.Warn().Str("module", "realtime.client").Str("id", f.ID).Msg("inbox full, frame dropped")
	}
}

func (in *inbox) close() {
	in.once.Do(func() { close(in.done) })
}
