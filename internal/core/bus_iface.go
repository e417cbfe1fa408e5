package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dkeye/Consult/internal/domain"
)

var ErrChannelClosed = errors.New("channel closed")

// Message is one broadcast delivery: a named event with a JSON payload.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// BroadcastChannel is a best-effort named topic. Sends are not queued.
type BroadcastChannel interface {
	Send(ctx context.Context, event string, payload any) error
	Close() error
}

type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries the full state on sync and the delta on join/leave.
type PresenceEvent struct {
	Kind    PresenceEventKind       `json:"kind"`
	Records []domain.PresenceRecord `json:"records"`
}

// PresenceChannel tracks exactly one record per key (one connected client).
type PresenceChannel interface {
	Track(ctx context.Context, rec domain.PresenceRecord) error
	Untrack(ctx context.Context) error
	Close() error
}

// EventBus is the boundary with the hosted publish/subscribe service.
// Handlers may be invoked from any goroutine but never concurrently for
// the same channel.
type EventBus interface {
	JoinBroadcast(ctx context.Context, topic string, handler func(Message)) (BroadcastChannel, error)
	JoinPresence(ctx context.Context, topic, key string, handler func(PresenceEvent)) (PresenceChannel, error)
}

const (
	broadcastPrefix           = "consultation_broadcast_"
	sessionPresencePrefix     = "consultation_presence_"
	participantPresencePrefix = "participant_presence_"
)

func BroadcastTopic(id domain.SessionID) string {
	return broadcastPrefix + string(id)
}

func SessionPresenceTopic(id domain.SessionID) string {
	return sessionPresencePrefix + string(id)
}

func ParticipantPresenceTopic(pid domain.ParticipantID) string {
	return participantPresencePrefix + string(pid)
}

// SessionOfTopic returns the session a session-scoped topic belongs to.
func SessionOfTopic(topic string) (domain.SessionID, bool) {
	for _, prefix := range []string{broadcastPrefix, sessionPresencePrefix} {
		if id, ok := strings.CutPrefix(topic, prefix); ok && id != "" {
			return domain.SessionID(id), true
		}
	}
	return "", false
}

// ParticipantOfTopic returns the owner of a participant-scoped presence topic.
func ParticipantOfTopic(topic string) (domain.ParticipantID, bool) {
	id, ok := strings.CutPrefix(topic, participantPresencePrefix)
	if !ok || id == "" {
		return "", false
	}
	return domain.ParticipantID(id), true
}
