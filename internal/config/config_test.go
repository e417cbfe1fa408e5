package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, BusMemory, cfg.Bus)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, time.Second, cfg.Timing.StartDebounce)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timing.AutoJoinDelay)
	assert.Equal(t, 2*time.Second, cfg.Timing.SampleInterval)
	assert.Equal(t, 2*time.Second, cfg.Timing.ReconnectDelay)
	assert.Equal(t, 3, cfg.Timing.MaxReconnectAttempts)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}

func TestFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
bus: redis
timing:
  auto_join_delay: 3s
ice_servers:
  - stun:example.org:3478
`), 0o600))
	t.Setenv("CONSULT_PORT", "9100")
	t.Setenv("CONSULT_TIMING_START_DEBOUNCE", "250ms")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, BusRedis, cfg.Bus)
	assert.Equal(t, 3*time.Second, cfg.Timing.AutoJoinDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.StartDebounce)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: sqlite\n"), 0o600))
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "unknown store")

	cfg := Config{Bus: BusMemory, Store: StoreMemory, Timing: Timing{MaxReconnectAttempts: -1}}
	assert.Error(t, cfg.Validate())
}
