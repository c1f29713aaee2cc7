package gateway

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/revoagent/fabric/core"
)

// limiter combines a token-bucket (golang.org/x/time/rate) with an
// explicit sliding window of recent arrivals, matching spec §4.5's
// "tokens refill at requests_per_minute/60 per second, capped at
// burst_limit" plus an independent window check.
type limiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	window   time.Duration
	maxInWin int
	arrivals []time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	rps := float64(cfg.RequestsPerMinute) / 60.0
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &limiter{
		bucket:   rate.NewLimiter(rate.Limit(rps), burst),
		window:   window,
		maxInWin: cfg.RequestsPerMinute,
	}
}

// acquire reports whether a call may proceed now, or the wait-time hint
// until it may (spec §4.5: "On refusal, the caller receives RateLimited
// with a wait-time hint").
func (l *limiter) acquire(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	live := l.arrivals[:0]
	for _, t := range l.arrivals {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	l.arrivals = live

	if l.maxInWin > 0 && len(l.arrivals) >= l.maxInWin {
		oldest := l.arrivals[0]
		return false, oldest.Add(l.window).Sub(now)
	}

	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.Cancel()
		return false, delay
	}

	l.arrivals = append(l.arrivals, now)
	return true, 0
}

func (l *limiter) tokensRemaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.Tokens()
}

// acquireOrError wraps acquire in the error shape callers expect, with
// the wait-time hint carried in Message (spec §4.5).
func (l *limiter) acquireOrError(now time.Time) error {
	ok, wait := l.acquire(now)
	if ok {
		return nil
	}
	err := core.NewFrameworkError("gateway.acquire", "gateway", core.ErrRateLimited)
	err.Message = fmt.Sprintf("retry after %s", wait)
	return err
}
