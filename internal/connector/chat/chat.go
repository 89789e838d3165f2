// Package chat is the Telegram connector client. It reads group messages through
// non-blocking getUpdates calls and replies in the originating chat or forum topic.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pmagent/internal/connector"
	"pmagent/internal/event"
	"pmagent/internal/metrics"
	"pmagent/pkg/logx"
)

// Stream is the only stream of the chat source: Telegram has a single update queue per bot.
const Stream = "chat"

const (
	platform       = "telegram"
	contextDepth   = 8
	updatesLimit   = 100
	maxPages       = 50
	defaultTimeout = 15 * time.Second
)

type Config struct {
	Token  string
	APIURL string
	// BotUsername, when set, skips the getMe round trip at startup.
	BotUsername string
	// ChatIDs restricts intake to these chats. Empty accepts every chat the bot is in.
	ChatIDs []int64
	Timeout time.Duration
}

type Client struct {
	bot      *tele.Bot
	log      logx.Logger
	username string
	allowed  map[int64]bool

	mu     sync.Mutex
	offset int
	// held are updates Telegram has already dropped that are not yet settled.
	held   []tele.Update
	recent map[string][]event.ContextMessage // source id -> last messages, oldest first
	// snaps caches the context of every remembered update until it settles.
	snaps map[int]*event.ThreadContext
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	username := strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: username != "",
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	if username == "" && b.Me != nil {
		username = b.Me.Username
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		bot:      b,
		log:      log.With(logx.String("comp", "chat.telegram")),
		username: username,
		allowed:  map[int64]bool{},
		recent:   map[string][]event.ContextMessage{},
		snaps:    map[int]*event.ThreadContext{},
	}
	for _, id := range cfg.ChatIDs {
		c.allowed[id] = true
	}
	return c, nil
}

func (c *Client) Source() event.Source { return event.SourceChat }
func (c *Client) Streams() []string    { return []string{Stream} }

// Username is the bot's handle without the leading "@".
func (c *Client) Username() string { return c.username }

type updatesResponse struct {
	Result []tele.Update `json:"result"`
}

// FetchSince reads the pending update queue and returns the messages dated at or after
// since (second precision). Updates older than that are confirmed so Telegram drops them;
// newer ones stay queued until a later poll has moved past them.
//
// A full page is followed by further pages in the same call. Reading past a page
// confirms it at Telegram, so its unsettled updates are held in memory and served
// again by later calls until they are old.
func (c *Client) FetchSince(ctx context.Context, stream string, since time.Time) ([]connector.Item, error) {
	if stream != Stream {
		return nil, fmt.Errorf("telegram: unknown stream %q", stream)
	}

	c.mu.Lock()
	offset := c.offset
	pending := append([]tele.Update(nil), c.held...)
	c.mu.Unlock()

	next := offset
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := c.updates(next)
		if err != nil {
			return nil, err
		}
		pending = append(pending, batch...)
		if len(batch) < updatesLimit {
			break
		}
		next = batch[len(batch)-1].ID + 1
	}

	cutoff := since.Truncate(time.Second)
	settledTo := -1
	var items []connector.Item
	for i, u := range pending {
		m := u.Message
		relevant := m != nil && m.Chat != nil && c.accepts(m.Chat.ID)
		old := m == nil || m.Time().Before(cutoff)
		if settledTo == i-1 && (old || !relevant) {
			settledTo = i
		}
		if !relevant || old {
			continue
		}
		items = append(items, c.item(u.ID, m))
	}

	rest := pending[settledTo+1:]
	confirm := next
	if len(rest) > 0 && rest[0].ID > confirm {
		confirm = rest[0].ID
	} else if len(rest) == 0 && len(pending) > 0 {
		confirm = max(confirm, pending[len(pending)-1].ID+1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = c.held[:0]
	for _, u := range rest {
		if u.ID < next {
			c.held = append(c.held, u)
		}
	}
	if confirm > c.offset {
		c.offset = confirm
	}
	c.forget(confirm, rest)
	return items, nil
}

func (c *Client) updates(offset int) ([]tele.Update, error) {
	params := map[string]string{
		"timeout":         "0",
		"limit":           strconv.Itoa(updatesLimit),
		"allowed_updates": `["message"]`,
	}
	if offset > 0 {
		params["offset"] = strconv.Itoa(offset)
	}
	data, err := c.raw("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var resp updatesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	return resp.Result, nil
}

func (c *Client) accepts(chatID int64) bool {
	return len(c.allowed) == 0 || c.allowed[chatID]
}

func (c *Client) item(updateID int, m *tele.Message) connector.Item {
	sourceID := SourceID(m.Chat.ID, topicOf(m))
	author, name := "", ""
	fromSelf := false
	if m.Sender != nil {
		author = strconv.FormatInt(m.Sender.ID, 10)
		name = displayName(m.Sender)
		fromSelf = m.Sender.IsBot && c.username != "" && strings.EqualFold(m.Sender.Username, c.username)
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	it := connector.Item{
		Key:        ItemKey(m.Chat.ID, m.ID),
		SourceID:   sourceID,
		Kind:       event.KindMessage,
		Author:     author,
		AuthorName: name,
		Text:       text,
		At:         m.Time(),
		FromSelf:   fromSelf,
		Mentioned:  c.mentions(m),
		Chat:       &event.ChatPayload{ChatID: m.Chat.ID, ThreadID: topicOf(m), MessageID: m.ID},
	}
	it.Context = c.remember(updateID, sourceID, m, name, text)
	return it
}

// mentions reports an @handle of the bot or a reply to one of the bot's messages.
func (c *Client) mentions(m *tele.Message) bool {
	if c.username == "" {
		return false
	}
	if r := m.ReplyTo; r != nil && r.Sender != nil && strings.EqualFold(r.Sender.Username, c.username) {
		return true
	}
	return connector.Trigger{Mentions: []string{"@" + c.username}}.Match(m.Text + " " + m.Caption)
}

// remember appends the message to its chat's history and returns the snapshot preceding it.
// A refetched update gets its first snapshot back and is not appended again.
func (c *Client) remember(updateID int, sourceID string, m *tele.Message, name, text string) *event.ThreadContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, ok := c.snaps[updateID]; ok {
		return snap
	}

	hist := c.recent[sourceID]
	snap := &event.ThreadContext{Messages: append([]event.ContextMessage(nil), hist...)}
	if r := m.ReplyTo; r != nil && r.Text != "" {
		quoted := event.ContextMessage{Text: r.Text, At: r.Time()}
		if r.Sender != nil {
			quoted.Author = displayName(r.Sender)
		}
		snap.Messages = append(snap.Messages, quoted)
	}

	hist = append(hist, event.ContextMessage{Author: name, Text: text, At: m.Time()})
	if len(hist) > contextDepth {
		hist = hist[len(hist)-contextDepth:]
	}
	c.recent[sourceID] = hist

	if len(snap.Messages) == 0 {
		snap = nil
	}
	c.snaps[updateID] = snap
	return snap
}

// forget drops cached snapshots of settled updates: those below confirm that are not held.
// Callers hold c.mu.
func (c *Client) forget(confirm int, rest []tele.Update) {
	keep := make(map[int]bool, len(rest))
	for _, u := range rest {
		keep[u.ID] = true
	}
	for id := range c.snaps {
		if id < confirm && !keep[id] {
			delete(c.snaps, id)
		}
	}
}

// Post sends text to the chat (and topic) in to.SourceID, as a reply to to.ReplyTo when set.
// Long texts are split; the returned reference is the first message id.
func (c *Client) Post(ctx context.Context, to event.Target, text string) (string, error) {
	chatID, topic, err := ParseSourceID(to.SourceID)
	if err != nil {
		return "", err
	}
	var replyTo int
	if to.ReplyTo != "" {
		if replyTo, err = strconv.Atoi(to.ReplyTo); err != nil {
			return "", fmt.Errorf("telegram: invalid reply id %q", to.ReplyTo)
		}
	}

	chat := &tele.Chat{ID: chatID}
	first := ""
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		opt := &tele.SendOptions{ThreadID: topic, DisableWebPagePreview: true}
		if i == 0 && replyTo != 0 {
			opt.ReplyTo = &tele.Message{ID: replyTo, Chat: chat}
		}

		start := time.Now()
		msg, err := c.bot.Send(chat, chunk, opt)
		c.observe(start, err)
		if err != nil {
			return first, translate(err)
		}
		if i == 0 {
			first = strconv.Itoa(msg.ID)
		}
	}
	return first, nil
}

func (c *Client) raw(method string, params map[string]string) ([]byte, error) {
	start := time.Now()
	data, err := c.bot.Raw(method, params)
	c.observe(start, err)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (c *Client) observe(start time.Time, err error) {
	status := "2xx"
	if err != nil {
		status = "error"
		var te *tele.Error
		if errors.As(err, &te) {
			status = metrics.StatusClass(te.Code)
		}
		if isFlood(err) {
			status = "429"
		}
	}
	metrics.PlatformRequestsTotal.WithLabelValues(platform, status).Inc()
	metrics.PlatformRequestDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// translate maps Telegram's flood control error to a connector rate limit.
func translate(err error) error {
	if after, ok := floodWait(err); ok {
		return fmt.Errorf("telegram: %w", &connector.RateLimitError{After: after})
	}
	return err
}

func isFlood(err error) bool {
	_, ok := floodWait(err)
	return ok
}

func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}

// SourceID renders the chat source id: "<chat>" or "<chat>:<topic>" in forum topics.
func SourceID(chatID int64, topic int) string {
	if topic > 0 {
		return fmt.Sprintf("%d:%d", chatID, topic)
	}
	return strconv.FormatInt(chatID, 10)
}

func ParseSourceID(s string) (chatID int64, topic int, err error) {
	chatPart, topicPart, hasTopic := strings.Cut(strings.TrimSpace(s), ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("telegram: invalid source id %q", s)
	}
	if hasTopic {
		topic, err = strconv.Atoi(topicPart)
		if err != nil || topic < 0 {
			return 0, 0, fmt.Errorf("telegram: invalid topic in source id %q", s)
		}
	}
	return chatID, topic, nil
}

func ItemKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func topicOf(m *tele.Message) int {
	if m.TopicMessage {
		return m.ThreadID
	}
	return 0
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}
