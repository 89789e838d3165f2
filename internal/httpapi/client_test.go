package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{Name: "test", BaseURL: srv.URL + "/api/", RatePerSec: 1000, Auth: BasicAuth("bot", "secret")})
	require.NoError(t, err)
	return c
}

func TestDo_JSONRoundTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("page"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"id":"42"}`))
	})

	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), http.MethodPost, "items", url.Values{"page": {"7"}}, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.ID)
}

func TestDo_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.Do(context.Background(), http.MethodGet, "x", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsTransient(err))

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter())
}

func TestDo_StatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})
			err := c.Do(context.Background(), http.MethodGet, "x", nil, nil, nil)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestDo_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base, RatePerSec: 100})
	require.NoError(t, err)
	err = c.Do(context.Background(), http.MethodGet, "x", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNew_Validation(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://"} {
		_, err := New(Config{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("", now))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon", now))
}

func TestURL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://example.atlassian.net/"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.atlassian.net/rest/api/3/search?jql=a", c.URL("/rest/api/3/search", url.Values{"jql": {"a"}}))
}
