package reasoning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"pmagent/internal/metrics"
	"pmagent/pkg/logx"
)

const (
	DefaultCommand = "claude"
	DefaultTimeout = 5 * time.Minute
	maxStderrTail  = 512
)

// DefaultArgs run the CLI in one-shot print mode with plain text output.
var DefaultArgs = []string{"-p", "--output-format", "text"}

// CLI runs the reasoning command once per call, writing the prompt to stdin and
// returning trimmed stdout.
type CLI struct {
	Command string
	Args    []string
	WorkDir string
	// Env is appended to the current environment.
	Env []string
	Log logx.Logger
}

func (c *CLI) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", NoRetry(errors.New("reasoning: empty prompt"))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name := c.Command
	args := c.Args
	if name == "" {
		name = DefaultCommand
		if args == nil {
			args = DefaultArgs
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = c.WorkDir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)
	metrics.ReasoningDuration.Observe(dur.Seconds())

	switch {
	case ctx.Err() != nil:
		metrics.ReasoningCallsTotal.WithLabelValues("cancelled").Inc()
		return "", NoRetry(ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		metrics.ReasoningCallsTotal.WithLabelValues("timeout").Inc()
		c.logger().Warn("reasoning call timed out", logx.Duration("timeout", timeout))
		return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case err != nil:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			metrics.ReasoningCallsTotal.WithLabelValues("exit_error").Inc()
			return "", fmt.Errorf("reasoning: %s exited with %d: %s", name, ee.ExitCode(), tail(stderr.String()))
		}
		// Not started at all (missing binary, bad work dir): retrying cannot help.
		metrics.ReasoningCallsTotal.WithLabelValues("error").Inc()
		return "", NoRetry(fmt.Errorf("reasoning: run %s: %w", name, err))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		metrics.ReasoningCallsTotal.WithLabelValues("unusable").Inc()
		return "", fmt.Errorf("%w: empty response", ErrUnusableOutput)
	}
	metrics.ReasoningCallsTotal.WithLabelValues("ok").Inc()
	c.logger().Debug("reasoning call finished", logx.Duration("dur", dur), logx.Int("bytes", len(out)))
	return out, nil
}

func (c *CLI) logger() logx.Logger {
	if c.Log.IsZero() {
		return logx.Nop()
	}
	return c.Log
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrTail {
		return s
	}
	return "…" + s[len(s)-maxStderrTail:]
}
