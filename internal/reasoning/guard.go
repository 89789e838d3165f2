package reasoning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pmagent/pkg/logx"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = time.Minute
	maxBreakerCooldown      = 15 * time.Minute
	breakerResetAfter       = 30 * time.Minute
)

type GuardOptions struct {
	// RatePerMinute caps calls across all callers. Zero means unlimited.
	RatePerMinute float64
	// BreakerThreshold is the number of consecutive failures that opens the breaker.
	// Negative disables it.
	BreakerThreshold int
	// BreakerCooldown is the first open period; it doubles on every further failure.
	BreakerCooldown time.Duration
	Now             func() time.Time
}

// Guarded wraps a Service with a shared token bucket and a consecutive-failure
// circuit breaker. Calls made while the breaker is open fail with ErrCircuitOpen.
type Guarded struct {
	next    Service
	limiter *rate.Limiter
	opt     GuardOptions
	log     logx.Logger

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewGuarded(next Service, opt GuardOptions, log logx.Logger) *Guarded {
	if opt.BreakerThreshold == 0 {
		opt.BreakerThreshold = DefaultBreakerThreshold
	}
	if opt.BreakerCooldown <= 0 {
		opt.BreakerCooldown = DefaultBreakerCooldown
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guarded{next: next, opt: opt, log: log}
	if opt.RatePerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opt.RatePerMinute/60), 1)
	}
	return g
}

func (g *Guarded) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if until, open := g.isOpen(); open {
		return "", NoRetry(fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339)))
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", NoRetry(err)
		}
	}
	out, err := g.next.Complete(ctx, prompt, timeout)
	if ctx.Err() == nil || err == nil {
		g.record(err)
	}
	return out, err
}

func (g *Guarded) isOpen() (time.Time, bool) {
	if g.opt.BreakerThreshold < 0 {
		return time.Time{}, false
	}
	now := g.opt.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset(now)
	if !g.openUntil.IsZero() && now.Before(g.openUntil) {
		return g.openUntil, true
	}
	return time.Time{}, false
}

func (g *Guarded) record(err error) {
	if g.opt.BreakerThreshold < 0 {
		return
	}
	now := g.opt.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeReset(now)

	if err == nil {
		g.fails = 0
		g.openUntil = time.Time{}
		g.lastFailure = time.Time{}
		return
	}

	g.fails++
	g.lastFailure = now
	if g.fails < g.opt.BreakerThreshold {
		return
	}
	d := g.opt.BreakerCooldown
	for i := 0; i < g.fails-g.opt.BreakerThreshold; i++ {
		d *= 2
		if d >= maxBreakerCooldown {
			d = maxBreakerCooldown
			break
		}
	}
	g.openUntil = now.Add(d)
	g.log.Warn("reasoning circuit breaker open",
		logx.Int("consecutive_failures", g.fails), logx.Duration("cooldown", d))
}

// maybeReset forgets failures that are long past. Callers hold g.mu.
func (g *Guarded) maybeReset(now time.Time) {
	if !g.lastFailure.IsZero() && now.Sub(g.lastFailure) > breakerResetAfter {
		g.fails = 0
		g.openUntil = time.Time{}
		g.lastFailure = time.Time{}
	}
}
