// Package realtime carries the event bus and the session change feed over a
// websocket, so a remote participant can use a server's bus and store as if
// they were local.
package realtime

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Wire message types.
const (
	typeSubscribe     = "subscribe"
	typePresenceJoin  = "presence_join"
	typeWatchSession  = "watch_session"
	typeLeave         = "leave"
	typeBroadcast     = "broadcast"
	typeTrack         = "presence_track"
	typeUntrack       = "presence_untrack"
	typePing          = "ping"
	typePong          = "pong"
	typeAck           = "ack"
	typeError         = "error"
	typePresence      = "presence"
	typeSessionChange = "session_change"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrDuplicateID         = errors.New("duplicate subscription id")
	ErrBadPayload          = errors.New("bad payload")
	ErrUnknownType         = errors.New("unknown message type")
)

// errorCodes maps wire codes to errors, in match order.
var errorCodes = []struct {
	code string
	err  error
}{
	{"forbidden", ErrForbidden},
	{"rate_limited", ErrRateLimited},
	{"unknown_subscription", ErrUnknownSubscription},
	{"duplicate_id", ErrDuplicateID},
	{"bad_payload", ErrBadPayload},
	{"unknown_type", ErrUnknownType},
	{"not_found", core.ErrSessionNotFound},
	{"closed", core.ErrChannelClosed},
}

func codeOf(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

func errorOf(code string) error {
	if code == "" {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return errors.New(code)
}

// envelope is every client request. ID names the subscription the request
// opens or acts on; it is chosen by the client.
type envelope struct {
	Type          string                 `json:"type"`
	Ref           string                 `json:"ref,omitempty"`
	ID            string                 `json:"id,omitempty"`
	Topic         string                 `json:"topic,omitempty"`
	Key           string                 `json:"key,omitempty"`
	Event         string                 `json:"event,omitempty"`
	Payload       json.RawMessage        `json:"payload,omitempty"`
	Record        *domain.PresenceRecord `json:"record,omitempty"`
	SessionID     domain.SessionID       `json:"session_id,omitempty"`
	ParticipantID domain.ParticipantID   `json:"participant_id,omitempty"`
}

// frame is every server message. Replies carry Ref; deliveries carry ID.
type frame struct {
	Type     string              `json:"type"`
	Ref      string              `json:"ref,omitempty"`
	ID       string              `json:"id,omitempty"`
	Error    string              `json:"error,omitempty"`
	Message  *core.Message       `json:"message,omitempty"`
	Presence *core.PresenceEvent `json:"presence,omitempty"`
	Change   *core.SessionChange `json:"change,omitempty"`
}
