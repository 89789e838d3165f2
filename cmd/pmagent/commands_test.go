package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/internal/approval"
	"pmagent/internal/escalation"
	"pmagent/internal/event"
)

func setup(t *testing.T) (string, approval.Request) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "storage:\n  path: " + filepath.Join(dir, "pm.db") + "\nreview:\n  enabled: true\n  workspace: acme\n  username: bot\n  app_password: pw\n  repos: [api]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	ctx := context.Background()
	s, err := openStores(ctx, cfgPath)
	require.NoError(t, err)
	defer s.db.Close()

	req, err := s.approvals.Create(ctx, approval.NewRequest{
		Source:        event.SourceReview,
		SourceID:      "api#42",
		Type:          approval.TypeBug,
		Requester:     "u-1",
		RequesterName: "Ana",
		Draft:         "# Export hangs\n\nSteps...",
	})
	require.NoError(t, err)
	_, err = s.approvals.RequestChanges(ctx, req.ID, "add impact", "# Export hangs\n\nImpact: all users")
	require.NoError(t, err)
	_, err = s.alerts.RecordAlert(ctx, escalation.Violation{ItemID: "api#7", Type: "pr_stale", EscalationLevel: 2}, "m1")
	require.NoError(t, err)
	require.NoError(t, s.ledger.MarkProcessed(ctx, event.SourceReview, "api#42:1"))
	return cfgPath, req
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestPendingCmd(t *testing.T) {
	cfgPath, req := setup(t)

	out := run(t, "--config", cfgPath, "pending", "--status", "changes_requested")
	assert.Contains(t, out, req.ID)
	assert.Contains(t, out, "Ana")
	assert.Contains(t, out, "review:api#42")
	assert.Contains(t, out, "Export hangs")

	out = run(t, "--config", cfgPath, "pending")
	assert.Contains(t, out, "No requests.")

	out = run(t, "--config", cfgPath, "pending", "--status", "changes_requested", "--user", "someone-else")
	assert.Contains(t, out, "No requests.")
}

func TestRevisionsCmd(t *testing.T) {
	cfgPath, req := setup(t)

	out := run(t, "--config", cfgPath, "revisions", req.ID)
	assert.Contains(t, out, "Bug "+req.ID+" (changes_requested) by u-1")
	assert.Contains(t, out, "--- revision 1")
	assert.Contains(t, out, "--- revision 2")
	assert.Contains(t, out, "Feedback: add impact")
	assert.Contains(t, out, "Impact: all users")
}

func TestAlertsAndStatsCmd(t *testing.T) {
	cfgPath, _ := setup(t)

	out := run(t, "--config", cfgPath, "alerts")
	assert.Contains(t, out, "api#7")
	assert.Contains(t, out, "pr_stale")

	out = run(t, "--config", cfgPath, "alerts", "--item", "web#1")
	assert.Contains(t, out, "No alerts.")

	out = run(t, "--config", cfgPath, "stats")
	assert.Contains(t, out, "Requests: 1 (revisions: 2)")
	assert.Regexp(t, `changes_requested\s+1`, out)
	assert.Contains(t, out, "Active alerts: 1")
	assert.Regexp(t, `review\s+1`, out)
}

func TestUnknownRequest(t *testing.T) {
	cfgPath, _ := setup(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "revisions", "nope"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
