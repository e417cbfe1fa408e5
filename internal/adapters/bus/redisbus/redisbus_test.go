package redisbus

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opt, err := parseOptions("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)

	opt, err = parseOptions("redis://:secret@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)

	_, err = parseOptions("")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	topic := core.SessionPresenceTopic("s1")
	assert.Equal(t, "presence:consultation_presence_s1", presenceKey(topic))
	assert.Equal(t, "presence:consultation_presence_s1:events", presenceEvents(topic))
}

func TestPresenceEnvelopeShape(t *testing.T) {
	env := presenceEnvelope{Kind: core.PresenceJoin, Record: domain.PresenceRecord{ParticipantID: "pat", Status: domain.PresenceOnline}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "join", m["kind"])
	rec := m["record"].(map[string]any)
	assert.Equal(t, "pat", rec["participant_id"])
	assert.Equal(t, "online", rec["status"])
}
