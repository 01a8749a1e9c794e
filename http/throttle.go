package http

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacing after the service answers 429 or 503.
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	// RecoveryPeriod is how long the service must stay quiet before the
	// configured rate is restored.
	RecoveryPeriod = 5 * time.Minute
	// MinRateFactor is the floor of the reduced rate.
	MinRateFactor = 0.25
)

// throttle paces requests to the index service. Each rate limit response
// adds a strike: it pauses all requests for a growing backoff and lowers
// the rate by a quarter per strike.
type throttle struct {
	limiter *rate.Limiter
	base    rate.Limit

	mu         sync.Mutex
	strikes    int
	pauseUntil time.Time
	lastStrike time.Time
	now        func() time.Time
}

// newThrottle returns an unlimited throttle when rps is not positive.
func newThrottle(rps float64, burst int) *throttle {
	t := &throttle{now: time.Now}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		t.base = rate.Limit(rps)
		t.limiter = rate.NewLimiter(t.base, burst)
	}
	return t
}

func (t *throttle) wait(ctx context.Context) error {
	t.mu.Lock()
	pause := t.pauseUntil.Sub(t.now())
	t.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.limiter == nil {
		return ctx.Err()
	}
	return t.limiter.Wait(ctx)
}

// strike records a rate limit response and returns the pause it imposed.
func (t *throttle) strike(retryAfter time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.strikes++
	pause := MaxBackoff
	if t.strikes <= 6 {
		pause = min(InitialBackoff<<(t.strikes-1), MaxBackoff)
	}
	pause = max(pause, retryAfter)

	t.lastStrike = t.now()
	t.pauseUntil = t.lastStrike.Add(pause)
	if t.limiter != nil {
		factor := max(1-0.25*float64(t.strikes), MinRateFactor)
		t.limiter.SetLimit(t.base * rate.Limit(factor))
	}
	return pause
}

// relax restores the configured rate once RecoveryPeriod has passed since
// the last strike.
func (t *throttle) relax() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.strikes == 0 || t.now().Sub(t.lastStrike) < RecoveryPeriod {
		return
	}
	t.strikes = 0
	if t.limiter != nil {
		t.limiter.SetLimit(t.base)
	}
}

func (t *throttle) limit() float64 {
	if t.limiter == nil {
		return 0
	}
	return float64(t.limiter.Limit())
}
