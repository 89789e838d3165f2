package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = "storage:\n  path: " + filepath.Join(dir, "pmagent.db") + "\n" + body
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const fullConfig = `
logging:
  level: warn
  console: false
chat:
  enabled: true
  token: "123:abc"
  bot_username: pm_bot
  chat_ids: [-1001]
tracker:
  enabled: true
  base_url: https://acme.atlassian.net
  email: bot@acme.io
  api_token: tok
  account_id: acc-1
  display_name: PM Bot
  projects: [PM]
review:
  enabled: true
  workspace: acme
  username: pm-bot
  app_password: pw
  repos: [api]
sla:
  enabled: true
  alert_chat_id: -1001
  alert_thread_id: 7
approval:
  retention: 0s
ops:
  enabled: true
  addr: 127.0.0.1:0
  read_timeout: 3s
`

func TestNew_WiresEnabledFeatures(t *testing.T) {
	a, err := New(context.Background(), writeConfig(t, fullConfig))
	require.NoError(t, err)
	defer a.close()

	conns, err := buildConnectors(a.cfg, a.dur, a.ledger, logx.Nop())
	require.NoError(t, err)
	require.Len(t, conns.bySource, 3)
	workers := conns.workers(a.dur)
	require.Len(t, workers, 3)
	assert.Equal(t, 30*time.Second, workers[0].Interval)
	assert.Equal(t, time.Minute, workers[1].Interval)
	assert.Equal(t, 2*time.Minute, workers[2].Interval)

	jobs, err := a.jobs(conns)
	require.NoError(t, err)
	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	// Retention 0s keeps closed requests, so no maintenance job.
	assert.Equal(t, []string{"sla.check", "tickets.recover", "summary"}, names)

	opsCfg, err := mapOps(a.cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, opsCfg.ReadTimeout)
	assert.Equal(t, 60*time.Second, opsCfg.WriteTimeout)

	require.NoError(t, a.summary(context.Background()))
}

func TestNew_ReviewOnly(t *testing.T) {
	a, err := New(context.Background(), writeConfig(t, `
review:
  enabled: true
  workspace: acme
  username: pm-bot
  app_password: pw
  repos: [api, web]
`))
	require.NoError(t, err)
	defer a.close()

	conns, err := buildConnectors(a.cfg, a.dur, a.ledger, logx.Nop())
	require.NoError(t, err)
	jobs, err := a.jobs(conns)
	require.NoError(t, err)
	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"summary", "maintenance"}, names)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), writeConfig(t, `
chat:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.token is required")

	_, err = New(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	a := &App{}
	assert.NoError(t, a.Stop(context.Background(), StopSignal))
	assert.NoError(t, a.Err())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed when the app never started")
	}
}
