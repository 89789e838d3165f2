// Package httpapi is the small JSON-over-HTTP client shared by the REST platform connectors.
// It applies a token-bucket limit per platform and classifies failures as transient,
// rate-limited or permanent.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pmagent/internal/metrics"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultRateLimit   = 2
	defaultRetryAfter  = time.Minute
	maxErrorBodyLength = 512
)

type Config struct {
	Name       string // metrics label, e.g. "jira"
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Auth       func(*http.Request)
	UserAgent  string
	HTTPClient *http.Client
}

type Client struct {
	name      string
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	auth      func(*http.Request)
	userAgent string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpapi: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpapi: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: base URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("httpapi: base URL must include a host")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRateLimit
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "pmagent/1"
	}
	name := cfg.Name
	if name == "" {
		name = u.Host
	}
	return &Client{
		name:      name,
		base:      u,
		http:      hc,
		limiter:   rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		auth:      cfg.Auth,
		userAgent: ua,
	}, nil
}

// BasicAuth returns an Auth hook for user/secret pairs (Jira API tokens, Bitbucket app passwords).
func BasicAuth(user, secret string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, secret) }
}

// URL resolves a path (optionally carrying a query) against the base URL.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do sends body (JSON-encoded when non-nil) and decodes a JSON response into out (when non-nil).
// Absolute URLs (pagination "next" links) are used verbatim.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.URL(path, query)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpapi: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.PlatformRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PlatformRequestsTotal.WithLabelValues(c.name, metrics.StatusClass(0)).Inc()
		return &TransportError{Method: method, URL: redact(target), Err: err}
	}
	defer resp.Body.Close()
	metrics.PlatformRequestsTotal.WithLabelValues(c.name, metrics.StatusClass(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyLength))
		return &RateLimitError{After: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return &StatusError{Method: method, URL: redact(target), Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpapi: decode %s %s: %w", method, redact(target), err)
	}
	return nil
}

// StatusError is a non-2xx, non-429 response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// TransportError wraps network-level failures (DNS, reset, timeout).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is an HTTP 429. After is the server's Retry-After hint (or a default).
type RateLimitError struct {
	After time.Duration
}

func (e *RateLimitError) Error() string             { return fmt.Sprintf("rate limited (retry after %s)", e.After) }
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsTransient reports whether retrying the same request later may succeed:
// rate limits, 5xx, 408 and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusRequestTimeout
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
