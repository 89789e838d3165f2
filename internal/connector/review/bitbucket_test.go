package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/internal/connector"
	"pmagent/internal/event"
	"pmagent/pkg/logx"
)

type fakeBitbucket struct {
	mu      sync.Mutex
	srvURL  string
	queries []string
	posted  []map[string]any
	failAPI bool
}

func (f *fakeBitbucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if f.failAPI && r.URL.Path == "/2.0/repositories/acme/web/pullrequests" {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	switch r.URL.Path {
	case "/2.0/repositories/acme/api/pullrequests":
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{"values": []any{map[string]any{
			"id":          12,
			"title":       "Add export endpoint",
			"description": "Implements CSV export.",
			"state":       "OPEN",
			"author":      map[string]any{"display_name": "Ana", "account_id": "acc-ana"},
			"created_on":  "2026-03-30T09:00:00.000000+00:00",
			"updated_on":  "2026-04-01T12:05:00.123456+00:00",
			"links":       map[string]any{"html": map[string]any{"href": "https://bitbucket.org/acme/api/pull-requests/12"}},
		}}})
	case "/2.0/repositories/acme/web/pullrequests":
		_ = json.NewEncoder(w).Encode(map[string]any{"values": []any{}})
	case "/2.0/repositories/acme/api/pullrequests/12/comments":
		if r.Method == http.MethodPost {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.posted = append(f.posted, body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 555})
			return
		}
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{"values": []any{
				comment(3, "acc-bob", "Bob", "2026-04-01T12:04:00+00:00", "@{acc-bot} can you write a story for pagination?"),
				comment(4, "acc-bot", "PM Bot", "2026-04-01T12:05:00+00:00", "👀 On it!"),
			}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"values": []any{
				comment(1, "acc-ana", "Ana", "2026-04-01T10:00:00+00:00", "first pass done"),
				map[string]any{"id": 2, "deleted": true, "created_on": "2026-04-01T12:01:00+00:00", "content": map[string]any{"raw": ""}},
			},
			"next": f.srvURL + "/2.0/repositories/acme/api/pullrequests/12/comments?page=2",
		})
	default:
		http.NotFound(w, r)
	}
}

func comment(id int, account, name, created, raw string) map[string]any {
	return map[string]any{
		"id":         id,
		"user":       map[string]any{"display_name": name, "account_id": account},
		"content":    map[string]any{"raw": raw},
		"created_on": created,
	}
}

func newBitbucket(t *testing.T, f *fakeBitbucket) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.mu.Lock()
	f.srvURL = srv.URL
	f.mu.Unlock()
	c, err := New(Config{
		BaseURL:     srv.URL + "/2.0",
		Workspace:   "acme",
		Username:    "pmbot",
		AppPassword: "pw",
		AccountID:   "acc-bot",
		Repos:       []string{"api", "web"},
		RatePerSec:  1000,
	}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestStreams(t *testing.T) {
	c := newBitbucket(t, &fakeBitbucket{})
	assert.Equal(t, []string{"review:acme/api", "review:acme/web"}, c.Streams())
}

func TestFetchSince_FollowsPagesAndFilters(t *testing.T) {
	f := &fakeBitbucket{}
	c := newBitbucket(t, f)
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	items, err := c.FetchSince(context.Background(), "review:acme/api", since)
	require.NoError(t, err)
	assert.Equal(t, []string{"updated_on > 2026-04-01T12:00:00Z"}, f.queries)
	require.Len(t, items, 2)

	it := items[0]
	assert.Equal(t, "api#12:3", it.Key)
	assert.Equal(t, "api#12", it.SourceID)
	assert.Equal(t, event.KindReviewComment, it.Kind)
	assert.True(t, it.Mentioned)
	assert.Equal(t, "Bob", it.AuthorName)
	assert.Equal(t, 12, it.Review.PRID)
	assert.Equal(t, 3, it.Review.CommentID)
	require.NotNil(t, it.Context)
	assert.Equal(t, "api#12: Add export endpoint", it.Context.Title)
	require.Len(t, it.Context.Messages, 2)
	assert.Equal(t, "first pass done", it.Context.Messages[1].Text)

	assert.True(t, items[1].FromSelf)
}

func TestFetchSince_UnknownStream(t *testing.T) {
	c := newBitbucket(t, &fakeBitbucket{})
	_, err := c.FetchSince(context.Background(), "review:other/api", time.Now())
	assert.Error(t, err)
	_, err = c.FetchSince(context.Background(), "tracker:PM", time.Now())
	assert.Error(t, err)
}

func TestPost_ThreadsUnderParent(t *testing.T) {
	f := &fakeBitbucket{}
	c := newBitbucket(t, f)

	ref, err := c.Post(context.Background(), event.Target{SourceID: "api#12", ReplyTo: "3"}, "draft ready")
	require.NoError(t, err)
	assert.Equal(t, "555", ref)
	require.Len(t, f.posted, 1)
	assert.Equal(t, map[string]any{"raw": "draft ready"}, f.posted[0]["content"])
	assert.Equal(t, map[string]any{"id": float64(3)}, f.posted[0]["parent"])
}

func TestOpenPullRequests(t *testing.T) {
	f := &fakeBitbucket{}
	c := newBitbucket(t, f)

	prs, err := c.OpenPullRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "api#12", prs[0].ItemID())
	assert.Equal(t, "Ana", prs[0].Author)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 5, 0, 123456000, time.UTC), prs[0].UpdatedAt.UTC())

	f.mu.Lock()
	f.failAPI = true
	f.mu.Unlock()
	_, err = c.OpenPullRequests(context.Background())
	assert.Error(t, err)
}

func TestParseSourceID(t *testing.T) {
	repo, id, err := ParseSourceID("api#12")
	require.NoError(t, err)
	assert.Equal(t, "api", repo)
	assert.Equal(t, 12, id)

	for _, bad := range []string{"api", "#12", "api#x", "api#0"} {
		_, _, err := ParseSourceID(bad)
		assert.Error(t, err, bad)
	}
}

func TestClientSatisfiesConnector(t *testing.T) {
	var _ connector.Client = (*Client)(nil)
}
