package realtime

import (
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/domain"
)

// RateLimiter is a sliding window per participant, shared by all of a
// participant's connections.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(pid domain.ParticipantID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	fresh := rl.fresh(pid, now)
	if len(fresh) >= rl.limit {
		rl.history[pid] = fresh
		return false
	}
	rl.history[pid] = append(fresh, now)
	return true
}

// fresh returns the attempts of pid still inside the window. Caller holds mu.
func (rl *RateLimiter) fresh(pid domain.ParticipantID, now time.Time) []time.Time {
	windowStart := now.Add(-rl.interval)
	attempts := rl.history[pid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// Sweep drops attempts that left the window and participants with none left.
// Attempts still inside the window are kept, so closing one connection does
// not reset the limit of a participant's other connections.
func (rl *RateLimiter) Sweep() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for pid := range rl.history {
		if fresh := rl.fresh(pid, now); len(fresh) > 0 {
			rl.history[pid] = fresh
		} else {
			delete(rl.history, pid)
		}
	}
}

// tracked reports how many participants have attempts on record.
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}
