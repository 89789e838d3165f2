package config

// Config is the whole pmagent configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// Secret fields (tokens, passwords) accept ${ENV_VAR} references.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Polling   PollingConfig   `json:"polling"`
	Reasoning ReasoningConfig `json:"reasoning"`
	Approval  ApprovalConfig  `json:"approval"`
	Chat      ChatConfig      `json:"chat"`
	Tracker   TrackerConfig   `json:"tracker"`
	Review    ReviewConfig    `json:"review"`
	SLA       SLAConfig       `json:"sla"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the single SQLite file shared by the ledger,
// the approval store and the escalation tracker.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default 5s
}

// PollingConfig controls cursor bootstrap.
//
// Defaults:
//   - lookback: "24h"
//   - stale_after: "24h"
type PollingConfig struct {
	Lookback   string `json:"lookback,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
}

// ReasoningConfig configures the external reasoning CLI.
//
// Defaults:
//   - command: "claude", args: ["-p", "--output-format", "text"]
//   - timeout: "5m"
//   - retries: 2, retry_backoff: "2s"
//   - breaker_threshold: 5, breaker_cooldown: "2m"
type ReasoningConfig struct {
	Command          string   `json:"command,omitempty"`
	Args             []string `json:"args,omitempty"`
	WorkDir          string   `json:"work_dir,omitempty"`
	Timeout          string   `json:"timeout,omitempty"`
	Retries          *int     `json:"retries,omitempty"`
	RetryBackoff     string   `json:"retry_backoff,omitempty"`
	RatePerMinute    int      `json:"rate_per_minute,omitempty"`
	BreakerThreshold int      `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string   `json:"breaker_cooldown,omitempty"`
}

type ApprovalConfig struct {
	MaxPendingPerUser int     `json:"max_pending_per_user,omitempty"` // default 3
	IntentThreshold   float64 `json:"intent_threshold,omitempty"`     // default 0.5
	Retention         string  `json:"retention,omitempty"`            // default 720h, "30d" style accepted; "0s" keeps forever
	RecoveryGrace     string  `json:"recovery_grace,omitempty"`       // default 10m
}

// ChatConfig configures the Telegram connector.
type ChatConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	APIURL       string   `json:"api_url,omitempty"`
	BotUsername  string   `json:"bot_username"`
	ChatIDs      []int64  `json:"chat_ids"`
	Keywords     []string `json:"keywords,omitempty"`
	PollInterval string   `json:"poll_interval,omitempty"` // default 30s
	AckText      string   `json:"ack_text,omitempty"`
	Timeout      string   `json:"timeout,omitempty"` // default 15s
}

// TrackerConfig configures the Jira Cloud connector.
type TrackerConfig struct {
	Enabled       bool     `json:"enabled"`
	BaseURL       string   `json:"base_url"`
	Email         string   `json:"email"`
	APIToken      string   `json:"api_token"`
	AccountID     string   `json:"account_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	Projects      []string `json:"projects"`
	TicketProject string   `json:"ticket_project,omitempty"` // default: first project
	Keywords      []string `json:"keywords,omitempty"`
	PollInterval  string   `json:"poll_interval,omitempty"` // default 60s
	RatePerSec    float64  `json:"rate_per_sec,omitempty"`  // default 2
	Timeout       string   `json:"timeout,omitempty"`       // default 20s
}

// ReviewConfig configures the Bitbucket Cloud connector.
type ReviewConfig struct {
	Enabled      bool     `json:"enabled"`
	BaseURL      string   `json:"base_url,omitempty"` // default https://api.bitbucket.org/2.0
	Workspace    string   `json:"workspace"`
	Username     string   `json:"username"`
	AppPassword  string   `json:"app_password"`
	AccountID    string   `json:"account_id,omitempty"`
	Repos        []string `json:"repos"`
	Keywords     []string `json:"keywords,omitempty"`
	PollInterval string   `json:"poll_interval,omitempty"` // default 120s
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`  // default 2
	Timeout      string   `json:"timeout,omitempty"`       // default 20s
}

// SLAConfig controls the stale pull request monitor and the tracker issue checks.
type SLAConfig struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"` // cron spec, default "@hourly"
	AlertChatID   int64  `json:"alert_chat_id"`
	AlertThreadID int    `json:"alert_thread_id,omitempty"`
	PRStaleHours  int    `json:"pr_stale_hours,omitempty"` // business hours, default 16
	Cooldown      string `json:"cooldown,omitempty"`       // default 24h
	WorkdayStart  int    `json:"workday_start,omitempty"`  // default 9
	WorkdayEnd    int    `json:"workday_end,omitempty"`    // default 17

	// IssueChecks also watches open tracker issues; requires tracker.enabled.
	IssueChecks          bool   `json:"issue_checks,omitempty"`
	BlockedStatus        string `json:"blocked_status,omitempty"`         // default "Blocked"
	BlockedHours         int    `json:"blocked_hours,omitempty"`          // default 24
	PendingStatus        string `json:"pending_status,omitempty"`         // default "Pending Approval"
	PendingHours         int    `json:"pending_hours,omitempty"`          // default 48
	CommentResponseHours int    `json:"comment_response_hours,omitempty"` // business hours, default 16
}

// SchedulerConfig controls the cron jobs run next to the connector workers.
type SchedulerConfig struct {
	Timezone            string `json:"timezone,omitempty"`
	RecoverySchedule    string `json:"recovery_schedule,omitempty"`    // default "@every 15m"
	SummarySchedule     string `json:"summary_schedule,omitempty"`     // default "0 9 * * 1-5"
	MaintenanceSchedule string `json:"maintenance_schedule,omitempty"` // default "@daily"
}

// OpsConfig controls the optional operations HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
