package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/pkg/logx"
)

const reviewOnly = `
storage:
  path: ./pm.db
review:
  enabled: true
  workspace: acme
  username: pm-bot
  app_password: pw
  repos: [api]
`

func TestDecode_YAMLAndJSON(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(reviewOnly))
	require.NoError(t, err)
	assert.True(t, cfg.Review.Enabled)
	assert.Equal(t, []string{"api"}, cfg.Review.Repos)
	require.NoError(t, Validate(cfg))

	js := `{"storage":{"path":"./pm.db"},"chat":{"enabled":true,"token":"t","bot_username":"pm_bot","chat_ids":[-100]}}`
	cfg, err = Decode("config.json", []byte(js))
	require.NoError(t, err)
	assert.Equal(t, []int64{-100}, cfg.Chat.ChatIDs)
	require.NoError(t, Validate(cfg))
}

func TestDecode_Strict(t *testing.T) {
	_, err := Decode("config.yaml", []byte("storage:\n  path: x\n  bogus: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = Decode("config.json", []byte(`{"storage":{"path":"x"}} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	_, err = Decode("config.yml", []byte("storage: [unterminated"))
	assert.Error(t, err)

	_, err = Decode("config.yaml", []byte(reviewOnly+"---\nstorage:\n  path: other.db\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single document")

	cfg, err := Decode("config.yaml", nil)
	require.NoError(t, err)
	assert.Error(t, Validate(cfg))
}

func TestDecode_ExpandsSecrets(t *testing.T) {
	t.Setenv("PM_REVIEW_PASSWORD", "s3cret")
	t.Setenv("PM_OPS_TOKEN", "ops")

	cfg, err := Decode("config.yaml", []byte(strings.Replace(reviewOnly, "app_password: pw", "app_password: ${PM_REVIEW_PASSWORD}", 1)+"ops:\n  token: $PM_OPS_TOKEN\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Review.AppPassword)
	assert.Equal(t, "ops", cfg.Ops.Token)
	// Non-secret fields are left alone.
	assert.Equal(t, "acme", cfg.Review.Workspace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"no connector", func(c *Config) { c.Review.Enabled = false }, "at least one of chat, tracker, review must be enabled"},
		{"no storage", func(c *Config) { c.Storage.Path = " " }, "storage.path is required"},
		{"chat token", func(c *Config) { c.Chat.Enabled = true }, "chat.token is required"},
		{"chat ids", func(c *Config) { c.Chat = ChatConfig{Enabled: true, Token: "t", BotUsername: "b"} }, "chat.chat_ids must list at least one chat"},
		{"tracker creds", func(c *Config) {
			c.Tracker = TrackerConfig{Enabled: true, BaseURL: "https://x", AccountID: "a", Projects: []string{"PM"}}
		}, "tracker.email and tracker.api_token are required"},
		{"review repos", func(c *Config) { c.Review.Repos = nil }, "review.repos must list at least one repository"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, `logging.level: unknown level "loud"`},
		{"threshold", func(c *Config) { c.Approval.IntentThreshold = 1 }, "approval.intent_threshold must be in [0, 1)"},
		{"retries", func(c *Config) { n := -1; c.Reasoning.Retries = &n }, "reasoning.retries must be >= 0"},
		{"duration", func(c *Config) { c.Chat.PollInterval = "soon" }, `chat.poll_interval: invalid duration "soon"`},
		{"negative duration", func(c *Config) { c.Polling.Lookback = "-1h" }, "polling.lookback: duration must be >= 0"},
		{"day count", func(c *Config) { c.Polling.StaleAfter = "xd" }, `polling.stale_after: invalid duration "xd"`},
		{"sla deps", func(c *Config) { c.SLA.Enabled = true }, "sla.enabled requires chat.enabled and sla.alert_chat_id"},
		{"workday", func(c *Config) {
			c.Chat = ChatConfig{Enabled: true, Token: "t", BotUsername: "b", ChatIDs: []int64{1}}
			c.SLA = SLAConfig{Enabled: true, AlertChatID: 1, WorkdayStart: 18, WorkdayEnd: 9}
		}, "sla.workday_start/workday_end must describe a window inside 0..24"},
		{"issue checks", func(c *Config) { c.SLA = SLAConfig{Enabled: true, IssueChecks: true} }, "sla.issue_checks requires tracker.enabled"},
		{"issue thresholds", func(c *Config) { c.SLA = SLAConfig{Enabled: true, PendingHours: -1} }, "pending_hours"},
		{"cron", func(c *Config) { c.Scheduler.SummarySchedule = "every monday" }, "scheduler.summary_schedule: invalid cron spec"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode("config.yaml", []byte(reviewOnly))
			require.NoError(t, err)
			tt.mut(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.EqualError(t, Validate(nil), "config is nil")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := &Config{Chat: ChatConfig{Enabled: true}}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"storage.path is required", "chat.token is required", "chat.bot_username is required"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDurations(t *testing.T) {
	var cfg Config
	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d.BusyTimeout)
	assert.Equal(t, 24*time.Hour, d.Lookback)
	assert.Equal(t, 30*time.Second, d.ChatPoll)
	assert.Equal(t, time.Minute, d.TrackerPoll)
	assert.Equal(t, 2*time.Minute, d.ReviewPoll)
	assert.Equal(t, 5*time.Minute, d.ReasoningTimeout)
	assert.Equal(t, 720*time.Hour, d.Retention)
	assert.Equal(t, 10*time.Minute, d.RecoveryGrace)

	cfg.Approval.Retention = "0s"
	cfg.Chat.PollInterval = "5s"
	cfg.SLA.Cooldown = "0s"
	d, err = cfg.Durations()
	require.NoError(t, err)
	assert.Zero(t, d.Retention)
	assert.Equal(t, 5*time.Second, d.ChatPoll)
	// Zero falls back to the default everywhere except retention.
	assert.Equal(t, 24*time.Hour, d.SLACooldown)

	cfg.Approval.Retention = "30d"
	d, err = cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d.Retention)

	cfg.Approval.Retention = "-2h"
	_, err = cfg.Durations()
	assert.ErrorContains(t, err, "approval.retention")
}

func TestDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 2, cfg.Reasoning.RetryCount())
	zero := 0
	cfg.Reasoning.Retries = &zero
	assert.Equal(t, 0, cfg.Reasoning.RetryCount())

	cmd, args := cfg.Reasoning.CommandLine()
	assert.Equal(t, "claude", cmd)
	assert.Equal(t, []string{"-p", "--output-format", "text"}, args)
	cfg.Reasoning.Command, cfg.Reasoning.Args = "llm", []string{"run"}
	cmd, args = cfg.Reasoning.CommandLine()
	assert.Equal(t, "llm", cmd)
	assert.Equal(t, []string{"run"}, args)

	assert.Equal(t, 3, cfg.Approval.MaxPending())
	assert.Equal(t, 0.5, cfg.Approval.Threshold())
	assert.NotEmpty(t, cfg.Chat.Ack())

	cfg.Tracker.Projects = []string{"PM", "OPS"}
	assert.Equal(t, "PM", cfg.Tracker.ProjectForTickets())
	cfg.Tracker.TicketProject = "OPS"
	assert.Equal(t, "OPS", cfg.Tracker.ProjectForTickets())

	assert.Equal(t, "https://api.bitbucket.org/2.0", cfg.Review.APIBase())
	cfg.Review.BaseURL = "http://bb.local/api/"
	assert.Equal(t, "http://bb.local/api", cfg.Review.APIBase())

	assert.Equal(t, 16, cfg.SLA.StaleHours())
	start, end := cfg.SLA.Workday()
	assert.Equal(t, [2]int{9, 17}, [2]int{start, end})
	cfg.SLA.WorkdayStart, cfg.SLA.WorkdayEnd = 0, 6
	start, end = cfg.SLA.Workday()
	assert.Equal(t, [2]int{0, 6}, [2]int{start, end})
	assert.Equal(t, "@hourly", cfg.SLA.CronSpec())

	assert.Equal(t, time.Local, cfg.Scheduler.Location())
	cfg.Scheduler.Timezone = "UTC"
	assert.Equal(t, "UTC", cfg.Scheduler.Location().String())
	assert.Equal(t, "@every 15m", cfg.Scheduler.RecoverySpec())
	assert.Equal(t, "0 9 * * 1-5", cfg.Scheduler.SummarySpec())
	assert.Equal(t, "@daily", cfg.Scheduler.MaintenanceSpec())
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("config.yaml", []byte(reviewOnly))
	require.NoError(t, err)
	newCfg := *oldCfg
	newCfg.Logging.Level = "debug"
	newCfg.Review.AppPassword = "rotated"
	newCfg.Ops.Token = "hunter2"

	changed, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"logging", "ops", "review"}, changed)
	assert.Equal(t, []string{"review"}, RestartRequired(changed))

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("changed", attrs...)
	out := buf.String()
	assert.Contains(t, out, `"review.password_set":true`)
	assert.Contains(t, out, `"ops.token_set":true`)
	assert.NotContains(t, out, "rotated")
	assert.NotContains(t, out, "hunter2")

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
	assert.Empty(t, RestartRequired(nil))
}

func TestManager_LoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewOnly), 0o600))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// A rejected file never replaces the committed config.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("review:\n  enabled: false\n"), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Same(t, cfg, m.Get())

	require.NoError(t, os.WriteFile(path, []byte(reviewOnly+"logging:\n  level: debug\n"), 0o600))
	var got *Config
	require.Eventually(t, func() bool {
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Same(t, got, m.Get())
}

func TestManager_LoadErrors(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  path: x\n"), 0o600))
	_, err = NewManager(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
