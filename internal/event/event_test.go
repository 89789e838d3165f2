package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	for _, s := range []string{"chat", " Tracker ", "REVIEW"} {
		src, err := ParseSource(s)
		require.NoError(t, err)
		assert.True(t, src.Valid())
	}
	_, err := ParseSource("email")
	assert.Error(t, err)
}

func TestValidate_PayloadMustMatchSource(t *testing.T) {
	ev := NormalizedEvent{Source: SourceChat, ItemKey: "1:2", Chat: &ChatPayload{ChatID: 1, MessageID: 2}}
	require.NoError(t, ev.Validate())

	ev.Tracker = &TrackerPayload{IssueKey: "PROJ-1"}
	assert.Error(t, ev.Validate())

	ev = NormalizedEvent{Source: SourceReview, Review: &ReviewPayload{Repo: "api", PRID: 3}}
	assert.Error(t, ev.Validate(), "empty item key")
}

func TestReply(t *testing.T) {
	chat := NormalizedEvent{Source: SourceChat, SourceID: "-100", Chat: &ChatPayload{ChatID: -100, MessageID: 42}}
	assert.Equal(t, Target{SourceID: "-100", ReplyTo: "42"}, chat.Reply())

	issue := NormalizedEvent{Source: SourceTracker, SourceID: "PROJ-7", Tracker: &TrackerPayload{IssueKey: "PROJ-7", CommentID: "1001"}}
	assert.Equal(t, Target{SourceID: "PROJ-7"}, issue.Reply())

	pr := NormalizedEvent{Source: SourceReview, SourceID: "api#3", Review: &ReviewPayload{Repo: "api", PRID: 3, CommentID: 9}}
	assert.Equal(t, "api#3/9", pr.Reply().String())
}

func TestThreadContextRender(t *testing.T) {
	var nilCtx *ThreadContext
	assert.Empty(t, nilCtx.Render())

	c := &ThreadContext{
		Title: "PROJ-7: Export button broken",
		Messages: []ContextMessage{
			{Author: "ana", Text: "It 500s", At: time.Now()},
			{Author: "bo", Text: "   "},
			{Text: "no author"},
		},
	}
	assert.Equal(t, "PROJ-7: Export button broken\n\nana: It 500s\nno author", c.Render())
}
