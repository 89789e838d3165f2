package config

import (
	"strings"
	"time"
)

func (c ReasoningConfig) RetryCount() int {
	if c.Retries == nil {
		return 2
	}
	return *c.Retries
}

func (c ReasoningConfig) CommandLine() (string, []string) {
	cmd := strings.TrimSpace(c.Command)
	if cmd == "" {
		return "claude", []string{"-p", "--output-format", "text"}
	}
	return cmd, append([]string(nil), c.Args...)
}

func (c ApprovalConfig) MaxPending() int {
	if c.MaxPendingPerUser == 0 {
		return 3
	}
	return c.MaxPendingPerUser
}

func (c ApprovalConfig) Threshold() float64 {
	if c.IntentThreshold == 0 {
		return 0.5
	}
	return c.IntentThreshold
}

func (c ChatConfig) Ack() string {
	if strings.TrimSpace(c.AckText) == "" {
		return "👀 On it! Processing your request..."
	}
	return c.AckText
}

func (c TrackerConfig) ProjectForTickets() string {
	if p := strings.TrimSpace(c.TicketProject); p != "" {
		return p
	}
	if len(c.Projects) > 0 {
		return c.Projects[0]
	}
	return ""
}

func (c ReviewConfig) APIBase() string {
	if u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); u != "" {
		return u
	}
	return "https://api.bitbucket.org/2.0"
}

func (c SLAConfig) StaleHours() int {
	if c.PRStaleHours <= 0 {
		return 16
	}
	return c.PRStaleHours
}

func (c SLAConfig) Workday() (start, end int) {
	start, end = c.WorkdayStart, c.WorkdayEnd
	if end == 0 {
		end = 17
	}
	if start == 0 && c.WorkdayEnd == 0 {
		start = 9
	}
	return start, end
}

func (c SLAConfig) CronSpec() string {
	return firstNonEmpty(c.Schedule, "@hourly")
}

func (c SchedulerConfig) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c SchedulerConfig) RecoverySpec() string {
	return firstNonEmpty(c.RecoverySchedule, "@every 15m")
}

func (c SchedulerConfig) SummarySpec() string {
	return firstNonEmpty(c.SummarySchedule, "0 9 * * 1-5")
}

func (c SchedulerConfig) MaintenanceSpec() string {
	return firstNonEmpty(c.MaintenanceSchedule, "@daily")
}

func firstNonEmpty(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
