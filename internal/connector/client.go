package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pmagent/internal/event"
)

// Client is the platform-specific half of a connector: fetching raw items and posting replies.
type Client interface {
	Source() event.Source
	// Streams lists the independently cursored streams (one per project, repository, ...).
	Streams() []string
	// FetchSince returns items of stream created after since. Order is not significant.
	FetchSince(ctx context.Context, stream string, since time.Time) ([]Item, error)
	// Post publishes text and returns a platform reference to the new message/comment.
	Post(ctx context.Context, to event.Target, text string) (string, error)
}

// Item is one raw upstream item, already flattened to text by the client.
type Item struct {
	Key        string // unique within the source
	SourceID   string
	Kind       event.Kind
	Author     string
	AuthorName string
	Text       string
	At         time.Time
	// FromSelf marks items written by the agent's own account.
	FromSelf bool
	// Mentioned is set when the platform itself marks a mention of the agent
	// (an ADF mention node, a reply to one of the agent's messages, ...).
	Mentioned bool
	Context   *event.ThreadContext

	Chat    *event.ChatPayload
	Tracker *event.TrackerPayload
	Review  *event.ReviewPayload
}

// ErrRateLimited matches every RateLimitError.
var ErrRateLimited = errors.New("connector: rate limited")

// RateLimitError is returned by clients whose platform asked them to slow down.
type RateLimitError struct {
	After time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("connector: rate limited (retry after %s)", e.After)
}
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }
func (e *RateLimitError) Is(target error) bool      { return target == ErrRateLimited }

// rateLimitPause extracts the pause a rate-limit error asks for.
// Any error carrying a RetryAfter hint counts as a rate limit.
func rateLimitPause(err error, def time.Duration) (time.Duration, bool) {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d, true
		}
		return def, true
	}
	if errors.Is(err, ErrRateLimited) {
		return def, true
	}
	return 0, false
}
