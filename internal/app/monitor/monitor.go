// Package monitor samples peer connection statistics while a call is active,
// classifies link quality and asks for a reconnection when it turns poor.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval             = 2 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
)

type Options struct {
	Interval             time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	OnQuality func(domain.ConnectionQuality)
	// OnReconnect receives the attempt number, starting at 1.
	OnReconnect func(attempt int)
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

type Monitor struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	gen      uint64
	cancel   context.CancelFunc
	quality  domain.ConnectionQuality
	attempts int
	pending  *time.Timer
	last     core.StatsSample
	hasLast  bool
}

func New(opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		opts:    opts,
		logger:  log.With().Str("module", "monitor").Logger(),
		quality: domain.Disconnected(),
	}
}

// Start begins sampling source every Interval. A running monitor is
// restarted on the new source.
func (m *Monitor) Start(ctx context.Context, source core.StatsSource) {
	m.Stop()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.logger.Info().Dur("interval", m.opts.Interval).Msg("sampling started")
	go m.loop(ctx, gen, source)
}

func (m *Monitor) loop(ctx context.Context, gen uint64, source core.StatsSource) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := source.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn().Err(err).Msg("stats sampling failed")
				}
				continue
			}
			m.observe(gen, sample)
		}
	}
}

// Stop ends sampling, cancels a pending reconnection and resets quality to
// disconnected. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.gen++
	m.cancel()
	m.cancel = nil
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.attempts = 0
	m.hasLast = false
	m.quality = domain.Disconnected()
	q := m.quality
	m.mu.Unlock()

	m.logger.Info().Msg("sampling stopped")
	if m.opts.OnQuality != nil {
		m.opts.OnQuality(q)
	}
}

func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Quality() domain.ConnectionQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Monitor) measure(s core.StatsSample) domain.ConnectionQuality {
	q := domain.ConnectionQuality{
		LatencyMs: float64(s.RoundTripTime) / float64(time.Millisecond),
	}
	if total := s.PacketsReceived + s.PacketsLost; total > 0 {
		q.PacketLossPct = float64(s.PacketsLost) / float64(total) * 100
	}
	if m.hasLast && s.BytesReceived >= m.last.BytesReceived {
		if dt := s.At.Sub(m.last.At).Seconds(); dt > 0 {
			q.BitrateKBps = float64(s.BytesReceived-m.last.BytesReceived) / dt / 1024
		}
	}
	q.Level = domain.Classify(q.LatencyMs, q.PacketLossPct)
	return q
}

func (m *Monitor) observe(gen uint64, s core.StatsSample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	m.mu.Lock()
	if !m.running || m.gen != gen {
		m.mu.Unlock()
		return
	}
	q := m.measure(s)
	m.last, m.hasLast = s, true
	m.quality = q

	if q.Level.Recovered() && m.attempts > 0 {
		m.logger.Info().Int("attempts", m.attempts).Msg("quality recovered")
		m.attempts = 0
	}
	if q.Level == domain.QualityPoor && m.pending == nil && m.attempts < m.opts.MaxReconnectAttempts {
		m.attempts++
		m.scheduleLocked(gen, m.attempts)
	}
	m.mu.Unlock()

	m.logger.Debug().
		Str("level", string(q.Level)).
		Float64("latency_ms", q.LatencyMs).
		Float64("loss_pct", q.PacketLossPct).
		Float64("kbps", q.BitrateKBps).
		Msg("sample")
	if m.opts.OnQuality != nil {
		m.opts.OnQuality(q)
	}
}

// scheduleLocked arms the single reconnection trigger. The timer body takes
// m.mu first, so m.pending is set before it can be checked.
func (m *Monitor) scheduleLocked(gen uint64, attempt int) {
	m.logger.Warn().Int("attempt", attempt).Int("max", m.opts.MaxReconnectAttempts).Msg("poor quality, reconnection scheduled")
	var t *time.Timer
	t = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		ok := m.running && m.gen == gen && m.pending == t
		if ok {
			m.pending = nil
		}
		m.mu.Unlock()
		if ok && m.opts.OnReconnect != nil {
			m.opts.OnReconnect(attempt)
		}
	})
	m.pending = t
}
