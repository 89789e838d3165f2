package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pmagent/pkg/logx"
)

// Durations holds every duration field of Config, parsed and defaulted.
type Durations struct {
	BusyTimeout time.Duration

	Lookback   time.Duration
	StaleAfter time.Duration

	ReasoningTimeout time.Duration
	ReasoningBackoff time.Duration
	BreakerCooldown  time.Duration

	ChatPoll    time.Duration
	TrackerPoll time.Duration
	ReviewPoll  time.Duration

	ChatTimeout    time.Duration
	TrackerTimeout time.Duration
	ReviewTimeout  time.Duration

	SLACooldown   time.Duration
	Retention     time.Duration
	RecoveryGrace time.Duration
}

// Durations parses all duration fields. The first invalid field is returned as an error.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout, 5 * time.Second, &d.BusyTimeout},
		{"polling.lookback", c.Polling.Lookback, 24 * time.Hour, &d.Lookback},
		{"polling.stale_after", c.Polling.StaleAfter, 24 * time.Hour, &d.StaleAfter},
		{"reasoning.timeout", c.Reasoning.Timeout, 5 * time.Minute, &d.ReasoningTimeout},
		{"reasoning.retry_backoff", c.Reasoning.RetryBackoff, 2 * time.Second, &d.ReasoningBackoff},
		{"reasoning.breaker_cooldown", c.Reasoning.BreakerCooldown, 2 * time.Minute, &d.BreakerCooldown},
		{"chat.poll_interval", c.Chat.PollInterval, 30 * time.Second, &d.ChatPoll},
		{"tracker.poll_interval", c.Tracker.PollInterval, 60 * time.Second, &d.TrackerPoll},
		{"review.poll_interval", c.Review.PollInterval, 120 * time.Second, &d.ReviewPoll},
		{"chat.timeout", c.Chat.Timeout, 15 * time.Second, &d.ChatTimeout},
		{"tracker.timeout", c.Tracker.Timeout, 20 * time.Second, &d.TrackerTimeout},
		{"review.timeout", c.Review.Timeout, 20 * time.Second, &d.ReviewTimeout},
		{"sla.cooldown", c.SLA.Cooldown, 24 * time.Hour, &d.SLACooldown},
		{"approval.recovery_grace", c.Approval.RecoveryGrace, 10 * time.Minute, &d.RecoveryGrace},
	}
	for _, f := range fields {
		v, err := ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}

	// Retention distinguishes "omitted" (default) from an explicit "0s" (keep forever).
	if strings.TrimSpace(c.Approval.Retention) == "" {
		d.Retention = 30 * 24 * time.Hour
	} else {
		v, err := ParseDurationField("approval.retention", c.Approval.Retention)
		if err != nil {
			return Durations{}, err
		}
		d.Retention = v
	}
	return d, nil
}

// Validate reports every problem that would make the service start in a degraded state.
// Missing credentials for an enabled connector are errors, not warnings.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := cfg.Durations(); err != nil {
		errs = append(errs, err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add("storage.path is required")
	}

	if !cfg.Chat.Enabled && !cfg.Tracker.Enabled && !cfg.Review.Enabled {
		add("at least one of chat, tracker, review must be enabled")
	}
	if cfg.Chat.Enabled {
		if strings.TrimSpace(cfg.Chat.Token) == "" {
			add("chat.token is required")
		}
		if strings.TrimSpace(cfg.Chat.BotUsername) == "" {
			add("chat.bot_username is required")
		}
		if len(cfg.Chat.ChatIDs) == 0 {
			add("chat.chat_ids must list at least one chat")
		}
	}
	if cfg.Tracker.Enabled {
		if strings.TrimSpace(cfg.Tracker.BaseURL) == "" {
			add("tracker.base_url is required")
		}
		if strings.TrimSpace(cfg.Tracker.Email) == "" || strings.TrimSpace(cfg.Tracker.APIToken) == "" {
			add("tracker.email and tracker.api_token are required")
		}
		if strings.TrimSpace(cfg.Tracker.AccountID) == "" {
			add("tracker.account_id is required")
		}
		if len(cfg.Tracker.Projects) == 0 {
			add("tracker.projects must list at least one project key")
		}
	}
	if cfg.Review.Enabled {
		if strings.TrimSpace(cfg.Review.Workspace) == "" {
			add("review.workspace is required")
		}
		if strings.TrimSpace(cfg.Review.Username) == "" || strings.TrimSpace(cfg.Review.AppPassword) == "" {
			add("review.username and review.app_password are required")
		}
		if len(cfg.Review.Repos) == 0 {
			add("review.repos must list at least one repository")
		}
	}

	if cfg.Approval.IntentThreshold < 0 || cfg.Approval.IntentThreshold >= 1 {
		add("approval.intent_threshold must be in [0, 1)")
	}
	if cfg.Approval.MaxPendingPerUser < 0 {
		add("approval.max_pending_per_user must be >= 0")
	}
	if cfg.Reasoning.Retries != nil && *cfg.Reasoning.Retries < 0 {
		add("reasoning.retries must be >= 0")
	}

	if cfg.SLA.Enabled {
		if !cfg.Review.Enabled {
			add("sla.enabled requires review.enabled")
		}
		if !cfg.Chat.Enabled || cfg.SLA.AlertChatID == 0 {
			add("sla.enabled requires chat.enabled and sla.alert_chat_id")
		}
		if cfg.SLA.IssueChecks && !cfg.Tracker.Enabled {
			add("sla.issue_checks requires tracker.enabled")
		}
		if cfg.SLA.BlockedHours < 0 || cfg.SLA.PendingHours < 0 || cfg.SLA.CommentResponseHours < 0 {
			add("sla.blocked_hours, pending_hours and comment_response_hours must be >= 0")
		}
		if cfg.SLA.WorkdayStart < 0 || cfg.SLA.WorkdayEnd > 24 ||
			(cfg.SLA.WorkdayEnd != 0 && cfg.SLA.WorkdayEnd <= cfg.SLA.WorkdayStart) {
			add("sla.workday_start/workday_end must describe a window inside 0..24")
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for path, spec := range map[string]string{
		"sla.schedule":                   cfg.SLA.Schedule,
		"scheduler.recovery_schedule":    cfg.Scheduler.RecoverySchedule,
		"scheduler.summary_schedule":     cfg.Scheduler.SummarySchedule,
		"scheduler.maintenance_schedule": cfg.Scheduler.MaintenanceSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			add("%s: invalid cron spec %q: %v", path, spec, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}

	return errors.Join(errs...)
}

// expandSecrets resolves ${ENV} references in credential fields.
func expandSecrets(cfg *Config) {
	for _, p := range []*string{
		&cfg.Chat.Token,
		&cfg.Tracker.APIToken,
		&cfg.Tracker.Email,
		&cfg.Review.AppPassword,
		&cfg.Review.Username,
		&cfg.Ops.Token,
	} {
		if strings.Contains(*p, "$") {
			*p = os.ExpandEnv(*p)
		}
	}
}
