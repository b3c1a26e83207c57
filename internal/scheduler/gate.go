package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures a token bucket per (url, path) target.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Enabled reports whether limiting is configured.
func (r RateLimit) Enabled() bool {
	return r.Requests > 0 && r.Window > 0
}

// targetGate serialises units that share a target and paces the attempts
// made against it.
type targetGate struct {
	rate RateLimit

	mu       sync.Mutex
	locks    map[string]chan struct{}
	limiters map[string]*rate.Limiter
}

func newTargetGate(rl RateLimit) *targetGate {
	return &targetGate{
		rate:     rl,
		locks:    make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Lock blocks until no other unit holds target. The returned func releases it.
func (g *targetGate) Lock(ctx context.Context, target string) (func(), error) {
	g.mu.Lock()
	sem, ok := g.locks[target]
	if !ok {
		sem = make(chan struct{}, 1)
		g.locks[target] = sem
	}
	g.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the rate limit of target admits one more attempt.
func (g *targetGate) Wait(ctx context.Context, target string) error {
	if !g.rate.Enabled() {
		return nil
	}
	g.mu.Lock()
	limiter := g.ensureLimiterLocked(target)
	g.mu.Unlock()
	return limiter.Wait(ctx)
}

func (g *targetGate) ensureLimiterLocked(target string) *rate.Limiter {
	limiter, ok := g.limiters[target]
	if ok {
		return limiter
	}
	interval := g.rate.Window / time.Duration(g.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), g.rate.Requests)
	g.limiters[target] = limiter
	return limiter
}
