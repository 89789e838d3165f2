package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/internal/connector"
	"pmagent/internal/event"
	"pmagent/pkg/logx"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	updates []map[string]any
	flood   bool
	offsets []string
	sent    []map[string]any
	nextID  int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		if f.flood {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`))
			return
		}
		off, _ := params["offset"].(string)
		f.offsets = append(f.offsets, off)
		from, _ := strconv.Atoi(off)
		limit, _ := strconv.Atoi(fmt.Sprint(params["limit"]))
		var result []map[string]any
		for _, u := range f.updates {
			if limit > 0 && len(result) == limit {
				break
			}
			if u["update_id"].(int) >= from {
				result = append(result, u)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.sent = append(f.sent, params)
		f.nextID++
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{
			"message_id": 100 + f.nextID,
			"date":       time.Now().Unix(),
			"chat":       map[string]any{"id": -100, "type": "supergroup"},
		}})
	default:
		http.NotFound(w, r)
	}
}

func update(id int, chatID int64, msgID int, at time.Time, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": msgID,
			"date":       at.Unix(),
			"text":       text,
			"chat":       map[string]any{"id": chatID, "type": "supergroup"},
			"from":       map[string]any{"id": 42, "first_name": "Ana", "username": "ana"},
		},
	}
}

func newTestClient(t *testing.T, api *fakeBotAPI, chats ...int64) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "tkn", APIURL: srv.URL, BotUsername: "@pmbot", ChatIDs: chats}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestFetchSince_ConfirmsOnlyOldUpdates(t *testing.T) {
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeBotAPI{updates: []map[string]any{
		update(10, -100, 1, since.Add(-time.Hour), "old"),
		update(11, -999, 2, since.Add(time.Minute), "other chat"),
		update(12, -100, 3, since.Add(time.Minute), "@pmbot create a story"),
		update(13, -100, 4, since.Add(-time.Hour), "old but after a new one"),
	}}
	c := newTestClient(t, api, -100)

	items, err := c.FetchSince(context.Background(), Stream, since)
	require.NoError(t, err)
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, "-100:3", it.Key)
	assert.Equal(t, "-100", it.SourceID)
	assert.Equal(t, "42", it.Author)
	assert.Equal(t, "Ana", it.AuthorName)
	assert.True(t, it.Mentioned)
	assert.Equal(t, 3, it.Chat.MessageID)

	_, err = c.FetchSince(context.Background(), Stream, since)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "12"}, api.offsets)
}

func TestFetchSince_FloodIsRateLimit(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{flood: true})
	_, err := c.FetchSince(context.Background(), Stream, time.Now())
	require.ErrorIs(t, err, connector.ErrRateLimited)
	var rl *connector.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.After)
}

func TestFetchSince_ContextAccumulates(t *testing.T) {
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeBotAPI{updates: []map[string]any{
		update(1, -100, 1, since.Add(time.Second), "the export button is broken"),
		update(2, -100, 2, since.Add(2*time.Second), "@pmbot file a bug"),
	}}
	c := newTestClient(t, api)

	items, err := c.FetchSince(context.Background(), Stream, since)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Nil(t, items[0].Context)
	require.NotNil(t, items[1].Context)
	require.Len(t, items[1].Context.Messages, 1)
	assert.Equal(t, "the export button is broken", items[1].Context.Messages[0].Text)
}

func TestFetchSince_PagesThroughBurst(t *testing.T) {
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeBotAPI{}
	for i := 1; i <= 150; i++ {
		api.updates = append(api.updates, update(i, -100, i, since.Add(time.Minute), fmt.Sprintf("@pmbot task %d", i)))
	}
	c := newTestClient(t, api)
	ctx := context.Background()

	items, err := c.FetchSince(ctx, Stream, since)
	require.NoError(t, err)
	require.Len(t, items, 150)
	assert.Equal(t, "-100:1", items[0].Key)
	assert.Equal(t, "-100:150", items[149].Key)
	assert.Equal(t, []string{"", "101"}, api.offsets)

	// A rewound cursor sees the whole burst again, including the page Telegram dropped.
	again, err := c.FetchSince(ctx, Stream, since)
	require.NoError(t, err)
	require.Len(t, again, 150)
	assert.Equal(t, items[99].Context, again[99].Context)

	later, err := c.FetchSince(ctx, Stream, since.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)

	_, err = c.FetchSince(ctx, Stream, since.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "151", api.offsets[len(api.offsets)-1])
}

func TestFetchSince_RefetchDoesNotRepeatContext(t *testing.T) {
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeBotAPI{updates: []map[string]any{
		update(1, -100, 1, since.Add(time.Second), "login fails on safari"),
		update(2, -100, 2, since.Add(2*time.Second), "@pmbot file a bug"),
	}}
	c := newTestClient(t, api)
	ctx := context.Background()

	for range 3 {
		_, err := c.FetchSince(ctx, Stream, since)
		require.NoError(t, err)
	}

	api.mu.Lock()
	api.updates = append(api.updates, update(3, -100, 3, since.Add(3*time.Second), "@pmbot and a story"))
	api.mu.Unlock()
	items, err := c.FetchSince(ctx, Stream, since)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.NotNil(t, items[1].Context)
	assert.Len(t, items[1].Context.Messages, 1)
	require.NotNil(t, items[2].Context)
	assert.Len(t, items[2].Context.Messages, 2)
}

func TestPost_RepliesInTopic(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api)

	ref, err := c.Post(context.Background(), event.Target{SourceID: "-100:5", ReplyTo: "3"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "101", ref)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "-100", api.sent[0]["chat_id"])
	assert.Equal(t, "hello", api.sent[0]["text"])
	assert.Equal(t, "5", api.sent[0]["message_thread_id"])
}

func TestPost_ChunksLongText(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api)

	line := strings.Repeat("x", 99) + "\n"
	ref, err := c.Post(context.Background(), event.Target{SourceID: "-100"}, strings.Repeat(line, 90))
	require.NoError(t, err)
	assert.Equal(t, "101", ref)
	assert.Len(t, api.sent, 3)
}

func TestPost_InvalidTarget(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{})
	_, err := c.Post(context.Background(), event.Target{SourceID: "general"}, "x")
	assert.Error(t, err)
}

func TestSourceIDRoundTrip(t *testing.T) {
	assert.Equal(t, "-100", SourceID(-100, 0))
	assert.Equal(t, "-100:7", SourceID(-100, 7))

	chatID, topic, err := ParseSourceID("-100:7")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), chatID)
	assert.Equal(t, 7, topic)

	_, _, err = ParseSourceID("-100:x")
	assert.Error(t, err)
	_, _, err = ParseSourceID("")
	assert.Error(t, err)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, parts)

	long := strings.Repeat("é", 25)
	parts = splitText(long, 10)
	require.Len(t, parts, 3)
	assert.Equal(t, long, strings.Join(parts, ""))
}
