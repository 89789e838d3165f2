// Package event defines the normalized form of items fetched from the chat,
// issue-tracker and code-review platforms.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the platform an event came from.
type Source string

const (
	SourceChat    Source = "chat"
	SourceTracker Source = "tracker"
	SourceReview  Source = "review"
)

// Sources lists every known source in a stable order.
var Sources = []Source{SourceChat, SourceTracker, SourceReview}

func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceChat, SourceTracker, SourceReview:
		return src, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

func (s Source) Valid() bool {
	_, err := ParseSource(string(s))
	return err == nil
}

// Kind is the upstream item kind (message, comment, ...).
type Kind string

const (
	KindMessage       Kind = "message"
	KindIssueComment  Kind = "issue_comment"
	KindReviewComment Kind = "pr_comment"
)

// NormalizedEvent is one item of interest. It is never mutated once produced.
//
// Exactly one of Chat, Tracker, Review is set, matching Source.
type NormalizedEvent struct {
	Source     Source
	Kind       Kind
	SourceID   string // thread/issue/PR identifier, used for approval correlation
	ItemKey    string // dedup key, unique within Source
	Author     string // stable account identifier
	AuthorName string
	Text       string
	Context    *ThreadContext
	Timestamp  time.Time

	Chat    *ChatPayload
	Tracker *TrackerPayload
	Review  *ReviewPayload
}

type ChatPayload struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type TrackerPayload struct {
	IssueKey  string
	CommentID string
	Summary   string
	Status    string
	URL       string
}

type ReviewPayload struct {
	Repo      string
	PRID      int
	CommentID int
	Title     string
	URL       string
}

// Validate checks the invariants every connector must uphold.
func (e NormalizedEvent) Validate() error {
	if !e.Source.Valid() {
		return fmt.Errorf("event: invalid source %q", e.Source)
	}
	if strings.TrimSpace(e.ItemKey) == "" {
		return fmt.Errorf("event: empty item key")
	}
	var ok bool
	switch e.Source {
	case SourceChat:
		ok = e.Chat != nil && e.Tracker == nil && e.Review == nil
	case SourceTracker:
		ok = e.Tracker != nil && e.Chat == nil && e.Review == nil
	case SourceReview:
		ok = e.Review != nil && e.Chat == nil && e.Tracker == nil
	}
	if !ok {
		return fmt.Errorf("event: payload does not match source %q", e.Source)
	}
	return nil
}

// Reply returns where a response to this event should be posted.
func (e NormalizedEvent) Reply() Target {
	t := Target{SourceID: e.SourceID}
	switch e.Source {
	case SourceChat:
		if e.Chat != nil {
			t.ReplyTo = fmt.Sprint(e.Chat.MessageID)
		}
	case SourceTracker:
		// Jira comments are flat; the issue is the thread.
	case SourceReview:
		if e.Review != nil && e.Review.CommentID != 0 {
			t.ReplyTo = fmt.Sprint(e.Review.CommentID)
		}
	}
	return t
}

// Target addresses a post on a platform: a thread/issue/PR and optionally the item to reply to.
type Target struct {
	SourceID string
	ReplyTo  string
}

func (t Target) String() string {
	if t.ReplyTo == "" {
		return t.SourceID
	}
	return t.SourceID + "/" + t.ReplyTo
}

// ThreadContext is a snapshot of the surrounding conversation, passed to the reasoning service.
type ThreadContext struct {
	Title    string
	Messages []ContextMessage
}

type ContextMessage struct {
	Author string
	Text   string
	At     time.Time
}

// Render formats the snapshot as plain text, newest last.
func (c *ThreadContext) Render() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n\n")
	}
	for _, m := range c.Messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if m.Author != "" {
			b.WriteString(m.Author)
			b.WriteString(": ")
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
