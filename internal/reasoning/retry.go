package reasoning

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"pmagent/pkg/logx"
)

const (
	DefaultRetries        = 2
	DefaultBackoff        = 2 * time.Second
	DefaultTimeoutBackoff = 5 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultJitter         = 0.2
)

type RetryOptions struct {
	// Retries is the number of attempts after the first. Negative disables retries.
	Retries int
	// Backoff is the base delay, doubled per retry.
	Backoff time.Duration
	// TimeoutBackoff replaces Backoff after a timed-out attempt.
	TimeoutBackoff time.Duration
	MaxDelay       time.Duration
	Jitter         float64
}

// Retrying retries failed calls of next with jittered exponential backoff.
// Errors wrapped with NoRetry and cancellation of ctx end the loop early.
type Retrying struct {
	next  Service
	opt   RetryOptions
	log   logx.Logger
	sleep func(context.Context, time.Duration) error
}

func NewRetrying(next Service, opt RetryOptions, log logx.Logger) *Retrying {
	if opt.Retries < 0 {
		opt.Retries = 0
	}
	if opt.Backoff <= 0 {
		opt.Backoff = DefaultBackoff
	}
	if opt.TimeoutBackoff <= 0 {
		opt.TimeoutBackoff = DefaultTimeoutBackoff
	}
	if opt.MaxDelay <= 0 {
		opt.MaxDelay = defaultMaxDelay
	}
	if opt.Jitter <= 0 {
		opt.Jitter = defaultJitter
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retrying{next: next, opt: opt, log: log, sleep: sleepCtx}
}

func (r *Retrying) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	var (
		out string
		err error
	)
	maxAttempts := 1 + r.opt.Retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err = r.next.Complete(ctx, prompt, timeout)
		if err == nil {
			return out, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return "", nr.err
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := r.delay(attempt, err)
		r.log.Debug("reasoning retry scheduled",
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
	return "", err
}

func (r *Retrying) delay(retry int, err error) time.Duration {
	base := r.opt.Backoff
	if errors.Is(err, ErrTimeout) {
		base = r.opt.TimeoutBackoff
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > r.opt.MaxDelay {
			d = r.opt.MaxDelay
			break
		}
	}
	if j := r.opt.Jitter; j > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*j))
	}
	return max(0, min(d, r.opt.MaxDelay))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
