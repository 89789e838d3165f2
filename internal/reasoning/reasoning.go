// Package reasoning is the client side of the external reasoning service that drafts
// tickets and answers open-ended requests. The transport is a CLI subprocess; retries,
// rate limiting and a circuit breaker are layered on as decorators.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pmagent/pkg/logx"
)

var (
	// ErrTimeout is returned when a call exceeds its timeout. Retryable.
	ErrTimeout = errors.New("reasoning: timed out")
	// ErrUnusableOutput is returned for empty or malformed output. Retryable.
	ErrUnusableOutput = errors.New("reasoning: unusable output")
	// ErrCircuitOpen is returned without calling the service while the breaker is open.
	ErrCircuitOpen = errors.New("reasoning: circuit breaker open")
)

// Service turns a prompt into text. Implementations must honour ctx and timeout.
type Service interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// Func adapts a function to Service.
type Func func(ctx context.Context, prompt string, timeout time.Duration) (string, error)

func (f Func) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return f(ctx, prompt, timeout)
}

// NoRetry marks an error as non-retryable.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// New assembles the production stack: retries around a rate-limited, breaker-guarded CLI.
func New(cli *CLI, retry RetryOptions, guard GuardOptions, log logx.Logger) Service {
	return NewRetrying(NewGuarded(cli, guard, log), retry, log)
}
