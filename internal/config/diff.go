package config

import (
	"reflect"
	"sort"
	"strings"

	"pmagent/pkg/logx"
)

// SummarizeConfigChange returns a compact, sorted list of changed sections and
// safe structured attrs for logging. Secrets are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Polling, newCfg.Polling) {
		changed = append(changed, "polling")
	}
	if !reflect.DeepEqual(oldCfg.Reasoning, newCfg.Reasoning) {
		changed = append(changed, "reasoning")
		attrs = append(attrs, logx.String("reasoning.timeout", newCfg.Reasoning.Timeout))
	}
	if !reflect.DeepEqual(oldCfg.Approval, newCfg.Approval) {
		changed = append(changed, "approval")
	}

	oc, nc := oldCfg.Chat, newCfg.Chat
	oc.Token, nc.Token = "", ""
	if !reflect.DeepEqual(oc, nc) || oldCfg.Chat.Token != newCfg.Chat.Token {
		changed = append(changed, "chat")
		attrs = append(attrs,
			logx.Bool("chat.enabled", nc.Enabled),
			logx.Int("chat.chat_count", len(nc.ChatIDs)),
			logx.Bool("chat.token_set", strings.TrimSpace(newCfg.Chat.Token) != ""),
		)
	}

	ot, nt := oldCfg.Tracker, newCfg.Tracker
	ot.APIToken, nt.APIToken = "", ""
	if !reflect.DeepEqual(ot, nt) || oldCfg.Tracker.APIToken != newCfg.Tracker.APIToken {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Bool("tracker.enabled", nt.Enabled),
			logx.Strings("tracker.projects", nt.Projects),
			logx.Bool("tracker.token_set", strings.TrimSpace(newCfg.Tracker.APIToken) != ""),
		)
	}

	or, nr := oldCfg.Review, newCfg.Review
	or.AppPassword, nr.AppPassword = "", ""
	if !reflect.DeepEqual(or, nr) || oldCfg.Review.AppPassword != newCfg.Review.AppPassword {
		changed = append(changed, "review")
		attrs = append(attrs,
			logx.Bool("review.enabled", nr.Enabled),
			logx.Strings("review.repos", nr.Repos),
			logx.Bool("review.password_set", strings.TrimSpace(newCfg.Review.AppPassword) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.SLA, newCfg.SLA) {
		changed = append(changed, "sla")
		attrs = append(attrs, logx.Bool("sla.enabled", newCfg.SLA.Enabled), logx.String("sla.schedule", newCfg.SLA.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if !reflect.DeepEqual(oo, no) || oldCfg.Ops.Token != newCfg.Ops.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// hotSections are applied without a restart.
var hotSections = map[string]bool{
	"logging": true,
	"ops":     true,
}

// RestartRequired filters changed down to the sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
