// Package membus is an in-process core.EventBus.
package membus

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const queueSize = 256

type presenceTopic struct {
	records map[string]domain.PresenceRecord
	subs    map[string]*presenceChannel
}

// Bus is a threadsafe in-memory bus. Every channel owns a buffered queue
// drained by its own goroutine, so handlers may publish without deadlock.
// A full queue drops the delivery; broadcast is best-effort.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]map[string]*broadcastChannel
	presence map[string]*presenceTopic
}

func New() *Bus {
	return &Bus{
		topics:   make(map[string]map[string]*broadcastChannel),
		presence: make(map[string]*presenceTopic),
	}
}

func (b *Bus) JoinBroadcast(ctx context.Context, topic string, handler func(core.Message)) (core.BroadcastChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &broadcastChannel{
		bus:   b,
		topic: topic,
		id:    uuid.NewString(),
		queue: make(chan core.Message, queueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*broadcastChannel)
		b.topics[topic] = subs
	}
	subs[ch.id] = ch
	b.mu.Unlock()

	go ch.run(handler)
	log.Debug().Str("module", "membus").Str("topic", topic).Str("channel", ch.id).Msg("broadcast joined")
	return ch, nil
}

func (b *Bus) publish(topic string, msg core.Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sent := 0
	for id, sub := range b.topics[topic] {
		select {
		case sub.queue <- msg:
			sent++
		default:
			log.Warn().Str("module", "membus").Str("topic", topic).Str("channel", id).Msg("queue full, message dropped")
		}
	}
	return sent
}

func (b *Bus) leave(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Bus) JoinPresence(ctx context.Context, topic, key string, handler func(core.PresenceEvent)) (core.PresenceChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.NewString()
	}
	ch := &presenceChannel{
		bus:   b,
		topic: topic,
		key:   key,
		queue: make(chan core.PresenceEvent, queueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	pt, ok := b.presence[topic]
	if !ok {
		pt = &presenceTopic{
			records: make(map[string]domain.PresenceRecord),
			subs:    make(map[string]*presenceChannel),
		}
		b.presence[topic] = pt
	}
	pt.subs[key] = ch
	ch.enqueue(core.PresenceEvent{Kind: core.PresenceSync, Records: pt.snapshot()})
	b.mu.Unlock()

	go ch.run(handler)
	return ch, nil
}

func (pt *presenceTopic) snapshot() []domain.PresenceRecord {
	keys := slices.Sorted(maps.Keys(pt.records))
	out := make([]domain.PresenceRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, pt.records[k])
	}
	return out
}

// fanout must be called with b.mu held.
func (pt *presenceTopic) fanout(events ...core.PresenceEvent) {
	for _, sub := range pt.subs {
		for _, ev := range events {
			sub.enqueue(ev)
		}
	}
}

func (b *Bus) track(topic, key string, rec domain.PresenceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pt, ok := b.presence[topic]
	if !ok {
		return
	}
	pt.records[key] = rec
	pt.fanout(
		core.PresenceEvent{Kind: core.PresenceJoin, Records: []domain.PresenceRecord{rec}},
		core.PresenceEvent{Kind: core.PresenceSync, Records: pt.snapshot()},
	)
}

func (b *Bus) untrack(topic, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pt, ok := b.presence[topic]
	if !ok {
		return
	}
	rec, ok := pt.records[key]
	if !ok {
		return
	}
	delete(pt.records, key)
	pt.fanout(
		core.PresenceEvent{Kind: core.PresenceLeave, Records: []domain.PresenceRecord{rec}},
		core.PresenceEvent{Kind: core.PresenceSync, Records: pt.snapshot()},
	)
}

func (b *Bus) leavePresence(topic, key string) {
	b.untrack(topic, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	pt, ok := b.presence[topic]
	if !ok {
		return
	}
	delete(pt.subs, key)
	if len(pt.subs) == 0 && len(pt.records) == 0 {
		delete(b.presence, topic)
	}
}

type broadcastChannel struct {
	bus   *Bus
	topic string
	id    string
	queue chan core.Message
	done  chan struct{}
	once  sync.Once
}

func (c *broadcastChannel) run(handler func(core.Message)) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			handler(msg)
		}
	}
}

func (c *broadcastChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return core.ErrChannelClosed
	default:
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sent := c.bus.publish(c.topic, core.Message{Event: event, Payload: raw})
	log.Debug().Str("module", "membus").Str("topic", c.topic).Str("event", event).Int("sent_to", sent).Msg("broadcast")
	return nil
}

func (c *broadcastChannel) Close() error {
	c.once.Do(func() {
		c.bus.leave(c.topic, c.id)
		close(c.done)
	})
	return nil
}

type presenceChannel struct {
	bus   *Bus
	topic string
	key   string
	queue chan core.PresenceEvent
	done  chan struct{}
	once  sync.Once
}

func (c *presenceChannel) enqueue(ev core.PresenceEvent) {
	select {
	case c.queue <- ev:
	default:
		log.Warn().Str("module", "membus").Str("topic", c.topic).Str("key", c.key).Msg("presence queue full, event dropped")
	}
}

func (c *presenceChannel) run(handler func(core.PresenceEvent)) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.queue:
			handler(ev)
		}
	}
}

func (c *presenceChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *presenceChannel) Track(ctx context.Context, rec domain.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return core.ErrChannelClosed
	}
	c.bus.track(c.topic, c.key, rec)
	return nil
}

func (c *presenceChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return core.ErrChannelClosed
	}
	c.bus.untrack(c.topic, c.key)
	return nil
}

func (c *presenceChannel) Close() error {
	c.once.Do(func() {
		c.bus.leavePresence(c.topic, c.key)
		close(c.done)
	})
	return nil
}
