// Package redisbus is a core.EventBus over Redis pub/sub. Presence state is
// kept in one hash per topic with a TTL; membership deltas are published on
// a companion events topic.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultPresenceTTL = time.Hour

func parseOptions(val string) (*redis.Options, error) {
	if val == "" {
		return nil, errors.New("redis url is not set")
	}
	if strings.HasPrefix(val, "redis://") || strings.HasPrefix(val, "rediss://") {
		return redis.ParseURL(val)
	}
	return &redis.Options{Addr: val}, nil
}

// NewClient accepts a redis:// URL or a bare host:port and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := parseOptions(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

type Bus struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, presenceTTL time.Duration) *Bus {
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	return &Bus{rdb: rdb, ttl: presenceTTL}
}

func presenceKey(topic string) string    { return "presence:" + topic }
func presenceEvents(topic string) string { return "presence:" + topic + ":events" }

type presenceEnvelope struct {
	Kind   core.PresenceEventKind `json:"kind"`
	Record domain.PresenceRecord  `json:"record"`
}

func (b *Bus) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return ps, nil
}

func (b *Bus) JoinBroadcast(ctx context.Context, topic string, handler func(core.Message)) (core.BroadcastChannel, error) {
	ps, err := b.subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	ch := &broadcastChannel{bus: b, topic: topic, ps: ps}
	go func() {
		for m := range ps.Channel() {
			var msg core.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn().Err(err).Str("module", "redisbus").Str("topic", topic).Msg("bad broadcast payload")
				continue
			}
			handler(msg)
		}
	}()
	log.Debug().Str("module", "redisbus").Str("topic", topic).Msg("broadcast joined")
	return ch, nil
}

type broadcastChannel struct {
	bus    *Bus
	topic  string
	ps     *redis.PubSub
	mu     sync.Mutex
	closed bool
}

func (c *broadcastChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return core.ErrChannelClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(core.Message{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.bus.rdb.Publish(ctx, c.topic, data).Err()
}

func (c *broadcastChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ps.Close()
}

func (b *Bus) state(ctx context.Context, topic string) ([]domain.PresenceRecord, error) {
	vals, err := b.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceRecord, 0, len(vals))
	for key, raw := range vals {
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn().Err(err).Str("module", "redisbus").Str("topic", topic).Str("key", key).Msg("bad presence record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Bus) JoinPresence(ctx context.Context, topic, key string, handler func(core.PresenceEvent)) (core.PresenceChannel, error) {
	if key == "" {
		key = uuid.NewString()
	}
	ps, err := b.subscribe(ctx, presenceEvents(topic))
	if err != nil {
		return nil, err
	}
	initial, err := b.state(ctx, topic)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("presence state: %w", err)
	}
	ch := &presenceChannel{bus: b, topic: topic, key: key, ps: ps}

	go func() {
		handler(core.PresenceEvent{Kind: core.PresenceSync, Records: initial})
		for m := range ps.Channel() {
			var env presenceEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn().Err(err).Str("module", "redisbus").Str("topic", topic).Msg("bad presence event")
				continue
			}
			handler(core.PresenceEvent{Kind: env.Kind, Records: []domain.PresenceRecord{env.Record}})
			recs, err := b.state(context.Background(), topic)
			if err != nil {
				log.Error().Err(err).Str("module", "redisbus").Str("topic", topic).Msg("presence sync")
				continue
			}
			handler(core.PresenceEvent{Kind: core.PresenceSync, Records: recs})
		}
	}()
	return ch, nil
}

type presenceChannel struct {
	bus   *Bus
	topic string
	key   string
	ps    *redis.PubSub

	mu      sync.Mutex
	closed  bool
	tracked bool
}

func (c *presenceChannel) Track(ctx context.Context, rec domain.PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ev, err := json.Marshal(presenceEnvelope{Kind: core.PresenceJoin, Record: rec})
	if err != nil {
		return err
	}
	hash := presenceKey(c.topic)
	_, err = c.bus.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, c.key, raw)
		pipe.Expire(ctx, hash, c.bus.ttl)
		pipe.Publish(ctx, presenceEvents(c.topic), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	c.tracked = true
	return nil
}

func (c *presenceChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	return c.untrackLocked(ctx)
}

func (c *presenceChannel) untrackLocked(ctx context.Context) error {
	if !c.tracked {
		return nil
	}
	hash := presenceKey(c.topic)
	raw, err := c.bus.rdb.HGet(ctx, hash, c.key).Result()
	if errors.Is(err, redis.Nil) {
		c.tracked = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	var rec domain.PresenceRecord
	_ = json.Unmarshal([]byte(raw), &rec)
	rec.Status = domain.PresenceOffline
	rec.LastSeen = time.Now().UTC()
	ev, err := json.Marshal(presenceEnvelope{Kind: core.PresenceLeave, Record: rec})
	if err != nil {
		return err
	}
	_, err = c.bus.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, hash, c.key)
		pipe.Publish(ctx, presenceEvents(c.topic), ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	c.tracked = false
	return nil
}

func (c *presenceChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.untrackLocked(ctx); err != nil {
		log.Warn().Err(err).Str("module", "redisbus").Str("topic", c.topic).Msg("untrack on close")
	}
	return c.ps.Close()
}
