package connection

import (
	"math/rand/v2"
	"time"

	"github.com/rickgao/realtime-session/internal/clock"
)

// reconnectScheduler computes retry delays and owns the single pending
// retry timer. Callers hold the Manager lock.
type reconnectScheduler struct {
	clock     clock.Clock
	base      time.Duration
	max       time.Duration
	jitter    time.Duration
	threshold int
	randN     func(n int64) int64

	timer   *clock.Timer
	pending bool
	due     time.Time
	token   uint64
}

func newReconnectScheduler(cfg ManagerConfig, clk clock.Clock, randN func(int64) int64) *reconnectScheduler {
	if randN == nil {
		randN = rand.Int64N
	}
	return &reconnectScheduler{
		clock:     clk,
		base:      cfg.MinRetryDelay,
		max:       cfg.MaxRetryDelay,
		jitter:    cfg.JitterRange,
		threshold: cfg.MaxFails,
		randN:     randN,
	}
}

// computeDelay returns base while failCount is at or below the
// threshold and base*failCount² above it, capped at max, plus jitter in
// [0, jitter).
func (s *reconnectScheduler) computeDelay(failCount int) time.Duration {
	delay := s.base
	if failCount > s.threshold {
		n := time.Duration(failCount)
		// n > limit/n is n² > limit without the overflow.
		limit := s.max / max(s.base, 1)
		if n > limit/n {
			delay = s.max
		} else {
			delay = s.base * n * n
		}
	}
	if delay > s.max {
		delay = s.max
	}
	if s.jitter > 0 {
		delay += time.Duration(s.randN(int64(s.jitter)))
	}
	return delay
}

// schedule arms the retry timer. It returns false without changing
// anything when a retry is already pending. fire receives the token that
// must be passed to fired.
func (s *reconnectScheduler) schedule(delay time.Duration, fire func(token uint64)) bool {
	if s.pending {
		return false
	}
	s.pending = true
	s.due = s.clock.Now().Add(delay)
	s.token++
	token := s.token
	s.timer = s.clock.AfterFunc(delay, func() { fire(token) })
	return true
}

// expedite replaces the pending retry with one after delay when that
// fires sooner. It returns false and leaves the pending retry alone
// otherwise.
func (s *reconnectScheduler) expedite(delay time.Duration, fire func(token uint64)) bool {
	if !s.pending || !s.clock.Now().Add(delay).Before(s.due) {
		return false
	}
	s.cancel()
	return s.schedule(delay, fire)
}

// fired consumes the pending retry if token is still current.
func (s *reconnectScheduler) fired(token uint64) bool {
	if !s.pending || token != s.token {
		return false
	}
	s.pending = false
	s.timer = nil
	return true
}

func (s *reconnectScheduler) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
	s.token++
}
