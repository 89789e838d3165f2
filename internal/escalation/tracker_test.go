package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/internal/storage"
	"pmagent/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: t.TempDir() + "/sla.db"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	return New(db, WithClock(c.now)), c
}

func TestShouldAlert_Cooldown(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTracker(t)
	v := Violation{ItemID: "PR-114", Type: "pr_stale", EscalationLevel: 1}

	ok, err := tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	require.True(t, ok, "first sighting")
	_, err = tr.RecordAlert(ctx, v, "msg-1")
	require.NoError(t, err)

	ok, err = tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok, "suppressed inside cooldown")

	clk.t = clk.t.Add(time.Hour)
	v.EscalationLevel = 2
	ok, err = tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	assert.True(t, ok, "escalation breaks through")
	_, err = tr.RecordAlert(ctx, v, "")
	require.NoError(t, err)

	ok, err = tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.t = clk.t.Add(24 * time.Hour)
	ok, err = tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	assert.True(t, ok, "cooldown expired")
}

func TestShouldAlert_LowerLevelStaysSuppressed(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTracker(t)
	v := Violation{ItemID: "PR-7", Type: "pr_stale", EscalationLevel: 3}
	_, err := tr.RecordAlert(ctx, v, "")
	require.NoError(t, err)

	clk.t = clk.t.Add(23 * time.Hour)
	v.EscalationLevel = 1
	ok, err := tr.ShouldAlert(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordAlert_Upsert(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTracker(t)
	v := Violation{ItemID: "PR-114", Type: "pr_stale", EscalationLevel: 2}

	r, err := tr.RecordAlert(ctx, v, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "PR-114_pr_stale", r.ViolationID)
	assert.Equal(t, 1, r.AlertCount)
	assert.Equal(t, "thread-1", r.ThreadRef)

	clk.t = clk.t.Add(25 * time.Hour)
	v.EscalationLevel = 1
	r, err = tr.RecordAlert(ctx, v, "")
	require.NoError(t, err)
	assert.Equal(t, 2, r.AlertCount)
	assert.Equal(t, 2, r.EscalationLevel, "level never decreases")
	assert.Equal(t, "thread-1", r.ThreadRef, "thread ref preserved")
	assert.True(t, r.LastAlertedAt.Equal(clk.t))

	r, err = tr.RecordAlert(ctx, v, "thread-2")
	require.NoError(t, err)
	assert.Equal(t, 3, r.AlertCount)
	assert.Equal(t, "thread-2", r.ThreadRef)
}

func TestClearResolved(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)
	for _, id := range []string{"PR-1", "PR-2", "PR-3"} {
		_, err := tr.RecordAlert(ctx, Violation{ItemID: id, Type: "pr_stale", EscalationLevel: 1}, "")
		require.NoError(t, err)
	}
	_, err := tr.RecordAlert(ctx, Violation{ItemID: "PR-1", Type: "build_red", EscalationLevel: 1}, "")
	require.NoError(t, err)

	n, err := tr.ClearResolved(ctx, []string{"PR-1", "PR-3"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	active, err := tr.Active(ctx, "pr_stale")
	require.NoError(t, err)
	assert.Equal(t, []string{"PR-2"}, active)

	ok, err := tr.ShouldAlert(ctx, Violation{ItemID: "PR-1", Type: "pr_stale", EscalationLevel: 1})
	require.NoError(t, err)
	assert.True(t, ok, "cleared item starts fresh")

	n, err = tr.ClearResolved(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearResolvedType(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)
	for _, typ := range []string{"blocked_ticket", "comment_response"} {
		_, err := tr.RecordAlert(ctx, Violation{ItemID: "PM-1", Type: typ, EscalationLevel: 1}, "")
		require.NoError(t, err)
	}

	n, err := tr.ClearResolvedType(ctx, "comment_response", []string{"PM-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := tr.Active(ctx, "blocked_ticket")
	require.NoError(t, err)
	assert.Equal(t, []string{"PM-1"}, active)
	active, err = tr.Active(ctx, "comment_response")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = tr.ClearResolvedType(ctx, " ", []string{"PM-1"})
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	tr, clk := newTracker(t)
	_, err := tr.RecordAlert(ctx, Violation{ItemID: "PR-1", Type: "pr_stale", EscalationLevel: 1}, "")
	require.NoError(t, err)
	clk.t = clk.t.Add(time.Minute)
	_, err = tr.RecordAlert(ctx, Violation{ItemID: "PR-2", Type: "pr_stale", EscalationLevel: 1}, "")
	require.NoError(t, err)

	all, err := tr.History(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "PR-2", all[0].ItemID)

	one, err := tr.History(ctx, "PR-1", "pr_stale", 10)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "PR-1_pr_stale", one[0].ViolationID)
}

func TestViolationValidation(t *testing.T) {
	tr, _ := newTracker(t)
	_, err := tr.ShouldAlert(context.Background(), Violation{Type: "pr_stale"})
	assert.Error(t, err)
	_, err = tr.RecordAlert(context.Background(), Violation{ItemID: "PR-1"}, "")
	assert.Error(t, err)
}
