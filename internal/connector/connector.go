// Package connector polls one collaboration platform, keeps its per-stream cursors,
// filters items down to the ones addressed to the agent and not yet handled, and
// normalizes them into events.
//
// Platform specifics live in the chat, tracker and review subpackages.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pmagent/internal/event"
	"pmagent/internal/metrics"
	"pmagent/pkg/logx"
)

const (
	DefaultLookback   = 24 * time.Hour
	DefaultStaleAfter = 24 * time.Hour
	defaultPause      = time.Minute
	maxAckedKeys      = 4096
	// timestampSlack covers platforms whose timestamps or "since" filters have
	// one-second precision.
	timestampSlack = time.Second
)

// Ledger is the subset of the dedup ledger a connector needs.
type Ledger interface {
	IsProcessed(ctx context.Context, source event.Source, itemKey string) (bool, error)
	Cursor(ctx context.Context, streamID string) (time.Time, bool, error)
	SetCursor(ctx context.Context, streamID string, t time.Time) error
	RewindCursor(ctx context.Context, streamID string, t time.Time) error
	Subscribe(ctx context.Context, source event.Source, sourceID string) error
	IsSubscribed(ctx context.Context, source event.Source, sourceID string) (bool, error)
}

type Options struct {
	Lookback   time.Duration
	StaleAfter time.Duration
	Trigger    Trigger
	// AckText, when set, is posted as a reply to every new event before it is emitted.
	AckText string
	// RateLimitPause is used when a rate-limit response carries no retry hint.
	RateLimitPause time.Duration
	Now            func() time.Time
}

type Connector struct {
	client Client
	ledger Ledger
	opts   Options
	log    logx.Logger

	mu        sync.Mutex
	openUntil time.Time
	acked     map[string]struct{}
	streamOf  map[string]string // item key -> stream of the last poll
}

func New(client Client, ledger Ledger, opts Options, log logx.Logger) *Connector {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RateLimitPause <= 0 {
		opts.RateLimitPause = defaultPause
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{
		client:   client,
		ledger:   ledger,
		opts:     opts,
		log:      log.With(logx.String("comp", "connector"), logx.String("source", string(client.Source()))),
		acked:    map[string]struct{}{},
		streamOf: map[string]string{},
	}
}

func (c *Connector) Source() event.Source { return c.client.Source() }

// window returns the lower bound of the next fetch for stream.
func (c *Connector) window(ctx context.Context, stream string, now time.Time) (time.Time, error) {
	cur, ok, err := c.ledger.Cursor(ctx, stream)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case !ok:
		return now.Add(-c.opts.Lookback), nil
	case now.Sub(cur) > c.opts.StaleAfter:
		c.log.Info("stale cursor; using bounded lookback",
			logx.String("stream", stream), logx.Time("cursor", cur), logx.Duration("lookback", c.opts.Lookback))
		return now.Add(-c.opts.Lookback), nil
	default:
		return cur, nil
	}
}

// Poll fetches every stream and returns the new events of interest, oldest first.
//
// A stream whose fetch fails keeps its cursor and contributes no events; the returned
// error describes the failures. A rate-limit response skips the remaining streams and
// pauses the connector until the platform's retry hint has passed.
func (c *Connector) Poll(ctx context.Context) ([]event.NormalizedEvent, error) {
	source := string(c.client.Source())
	now := c.opts.Now()

	c.mu.Lock()
	openUntil := c.openUntil
	c.streamOf = map[string]string{}
	c.mu.Unlock()
	if now.Before(openUntil) {
		metrics.PollsTotal.WithLabelValues(source, "paused").Inc()
		c.log.Debug("poll skipped; rate limit pause", logx.Time("until", openUntil))
		return nil, nil
	}

	var (
		out  []event.NormalizedEvent
		errs []error
	)
	for _, stream := range c.client.Streams() {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		since, err := c.window(ctx, stream, now)
		if err != nil {
			metrics.PollsTotal.WithLabelValues(source, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: cursor: %w", stream, err))
			continue
		}

		items, err := c.client.FetchSince(ctx, stream, since)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if pause, ok := rateLimitPause(err, c.opts.RateLimitPause); ok {
				metrics.PollsTotal.WithLabelValues(source, "rate_limited").Inc()
				c.mu.Lock()
				c.openUntil = now.Add(pause)
				c.mu.Unlock()
				c.log.Warn("rate limited; skipping remaining streams",
					logx.String("stream", stream), logx.Duration("pause", pause))
				errs = append(errs, fmt.Errorf("%s: %w", stream, err))
				break
			}
			metrics.PollsTotal.WithLabelValues(source, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: fetch: %w", stream, err))
			continue
		}

		evs, retryFrom, err := c.filter(ctx, stream, since, items)
		out = append(out, evs...)

		// An item whose ledger lookup failed holds the cursor just before it, so
		// the next poll sees it again.
		next := now
		if err != nil {
			next = retryFrom.Add(-timestampSlack)
			errs = append(errs, fmt.Errorf("%s: %w", stream, err))
			metrics.PollsTotal.WithLabelValues(source, "error").Inc()
		} else {
			metrics.PollsTotal.WithLabelValues(source, "ok").Inc()
		}
		if err := c.ledger.SetCursor(ctx, stream, next); err != nil {
			// Events are still emitted: the next poll refetches this window and the
			// ledger filters whatever was handled meanwhile.
			errs = append(errs, fmt.Errorf("%s: advance cursor: %w", stream, err))
		}
		if len(items) > 0 {
			c.log.Debug("stream polled",
				logx.String("stream", stream), logx.Int("fetched", len(items)), logx.Int("emitted", len(evs)))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, errors.Join(errs...)
}

// filter returns the items of interest not yet processed. When a ledger lookup
// fails the item is held back and retryFrom is the earliest such item's time.
func (c *Connector) filter(ctx context.Context, stream string, since time.Time, items []Item) (out []event.NormalizedEvent, retryFrom time.Time, err error) {
	source := c.client.Source()
	var failed []error
	hold := func(it Item, err error) {
		c.log.Warn("ledger lookup failed; item held for next poll", logx.String("item", it.Key), logx.Err(err))
		if len(failed) == 0 || it.At.Before(retryFrom) {
			retryFrom = it.At
		}
		failed = append(failed, fmt.Errorf("%s: %w", it.Key, err))
	}
	for _, it := range items {
		if it.FromSelf || it.At.Before(since.Add(-timestampSlack)) {
			continue
		}
		ok, err := c.interested(ctx, it)
		if err != nil {
			hold(it, err)
			continue
		}
		if !ok {
			continue
		}
		done, err := c.ledger.IsProcessed(ctx, source, it.Key)
		if err != nil {
			hold(it, err)
			continue
		}
		if done {
			continue
		}

		ev := c.normalize(it)
		if err := ev.Validate(); err != nil {
			c.log.Warn("dropping malformed item", logx.String("item", it.Key), logx.Err(err))
			continue
		}
		c.ack(ctx, ev)

		c.mu.Lock()
		c.streamOf[ev.ItemKey] = stream
		c.mu.Unlock()
		out = append(out, ev)
	}
	return out, retryFrom, errors.Join(failed...)
}

func (c *Connector) interested(ctx context.Context, it Item) (bool, error) {
	if it.Mentioned || c.opts.Trigger.Match(it.Text) {
		return true, nil
	}
	if it.SourceID == "" {
		return false, nil
	}
	return c.ledger.IsSubscribed(ctx, c.client.Source(), it.SourceID)
}

func (c *Connector) normalize(it Item) event.NormalizedEvent {
	return event.NormalizedEvent{
		Source:     c.client.Source(),
		Kind:       it.Kind,
		SourceID:   it.SourceID,
		ItemKey:    it.Key,
		Author:     it.Author,
		AuthorName: it.AuthorName,
		Text:       it.Text,
		Context:    it.Context,
		Timestamp:  it.At,
		Chat:       it.Chat,
		Tracker:    it.Tracker,
		Review:     it.Review,
	}
}

// ack posts the configured acknowledgement once per item per process. Failures are logged only.
func (c *Connector) ack(ctx context.Context, ev event.NormalizedEvent) {
	if c.opts.AckText == "" {
		return
	}
	c.mu.Lock()
	if _, seen := c.acked[ev.ItemKey]; seen {
		c.mu.Unlock()
		return
	}
	if len(c.acked) >= maxAckedKeys {
		c.acked = map[string]struct{}{}
	}
	c.acked[ev.ItemKey] = struct{}{}
	c.mu.Unlock()

	if _, err := c.client.Post(ctx, ev.Reply(), c.opts.AckText); err != nil {
		c.log.Warn("ack failed", logx.String("item", ev.ItemKey), logx.Err(err))
	}
}

// Post publishes text through the platform client.
func (c *Connector) Post(ctx context.Context, to event.Target, text string) (string, error) {
	return c.client.Post(ctx, to, text)
}

// Subscribe makes later items in sourceID of interest without a mention.
func (c *Connector) Subscribe(ctx context.Context, sourceID string) error {
	return c.ledger.Subscribe(ctx, c.client.Source(), sourceID)
}

// Rewind moves the cursor of the stream ev was polled from back to just before ev,
// so an event whose handling failed is fetched again on the next poll.
func (c *Connector) Rewind(ctx context.Context, ev event.NormalizedEvent) error {
	c.mu.Lock()
	stream, ok := c.streamOf[ev.ItemKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("connector: %s was not emitted by the last poll", ev.ItemKey)
	}
	return c.ledger.RewindCursor(ctx, stream, ev.Timestamp.Add(-timestampSlack))
}
