package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pmagent/internal/approval"
	"pmagent/internal/config"
	"pmagent/internal/connector"
	"pmagent/internal/connector/chat"
	"pmagent/internal/connector/review"
	"pmagent/internal/connector/tracker"
	"pmagent/internal/dispatcher"
	"pmagent/internal/event"
	"pmagent/internal/ledger"
	"pmagent/internal/ops"
	"pmagent/internal/reasoning"
	"pmagent/internal/runner"
	"pmagent/internal/sla"
	"pmagent/pkg/logx"
)

// connectors holds the enabled platform clients and their connectors.
type connectors struct {
	chat    *chat.Client
	tracker *tracker.Client
	review  *review.Client

	bySource map[event.Source]*connector.Connector
}

func (c connectors) workers(d config.Durations) []runner.Worker {
	interval := map[event.Source]time.Duration{
		event.SourceChat:    d.ChatPoll,
		event.SourceTracker: d.TrackerPoll,
		event.SourceReview:  d.ReviewPoll,
	}
	var out []runner.Worker
	for _, src := range []event.Source{event.SourceChat, event.SourceTracker, event.SourceReview} {
		if conn, ok := c.bySource[src]; ok {
			out = append(out, runner.Worker{Source: conn, Interval: interval[src]})
		}
	}
	return out
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapOps(cfg *config.Config) (ops.ServerConfig, error) {
	out := ops.ServerConfig{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", cfg.Ops.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func connectorOptions(d config.Durations, trigger connector.Trigger, ack string) connector.Options {
	return connector.Options{
		Lookback:   d.Lookback,
		StaleAfter: d.StaleAfter,
		Trigger:    trigger,
		AckText:    ack,
	}
}

func buildConnectors(cfg *config.Config, d config.Durations, led *ledger.Ledger, log logx.Logger) (connectors, error) {
	out := connectors{bySource: map[event.Source]*connector.Connector{}}

	if cfg.Chat.Enabled {
		cc, err := chat.New(chat.Config{
			Token:       cfg.Chat.Token,
			APIURL:      cfg.Chat.APIURL,
			BotUsername: cfg.Chat.BotUsername,
			ChatIDs:     cfg.Chat.ChatIDs,
			Timeout:     d.ChatTimeout,
		}, log)
		if err != nil {
			return out, fmt.Errorf("chat: %w", err)
		}
		trigger := connector.Trigger{Mentions: []string{"@" + cc.Username()}, Keywords: cfg.Chat.Keywords}
		out.chat = cc
		out.bySource[event.SourceChat] = connector.New(cc, led, connectorOptions(d, trigger, cfg.Chat.Ack()), log)
	}

	if cfg.Tracker.Enabled {
		tc, err := tracker.New(tracker.Config{
			BaseURL:       cfg.Tracker.BaseURL,
			Email:         cfg.Tracker.Email,
			APIToken:      cfg.Tracker.APIToken,
			AccountID:     cfg.Tracker.AccountID,
			DisplayName:   cfg.Tracker.DisplayName,
			Projects:      cfg.Tracker.Projects,
			TicketProject: cfg.Tracker.ProjectForTickets(),
			RatePerSec:    cfg.Tracker.RatePerSec,
			Timeout:       d.TrackerTimeout,
			Location:      cfg.Scheduler.Location(),
		}, log)
		if err != nil {
			return out, fmt.Errorf("tracker: %w", err)
		}
		var mentions []string
		if name := strings.TrimSpace(cfg.Tracker.DisplayName); name != "" {
			mentions = append(mentions, "@"+name)
		}
		trigger := connector.Trigger{Mentions: mentions, Keywords: cfg.Tracker.Keywords}
		out.tracker = tc
		out.bySource[event.SourceTracker] = connector.New(tc, led, connectorOptions(d, trigger, ""), log)
	}

	if cfg.Review.Enabled {
		rc, err := review.New(review.Config{
			BaseURL:     cfg.Review.APIBase(),
			Workspace:   cfg.Review.Workspace,
			Username:    cfg.Review.Username,
			AppPassword: cfg.Review.AppPassword,
			AccountID:   cfg.Review.AccountID,
			Repos:       cfg.Review.Repos,
			RatePerSec:  cfg.Review.RatePerSec,
			Timeout:     d.ReviewTimeout,
		}, log)
		if err != nil {
			return out, fmt.Errorf("review: %w", err)
		}
		trigger := connector.Trigger{Mentions: []string{"@" + cfg.Review.Username}, Keywords: cfg.Review.Keywords}
		out.review = rc
		out.bySource[event.SourceReview] = connector.New(rc, led, connectorOptions(d, trigger, ""), log)
	}
	return out, nil
}

func buildReasoner(cfg *config.Config, d config.Durations, log logx.Logger) reasoning.Service {
	cmd, args := cfg.Reasoning.CommandLine()
	cli := &reasoning.CLI{
		Command: cmd,
		Args:    args,
		WorkDir: cfg.Reasoning.WorkDir,
		Log:     log.With(logx.String("comp", "reasoning")),
	}
	return reasoning.New(cli,
		reasoning.RetryOptions{Retries: cfg.Reasoning.RetryCount(), Backoff: d.ReasoningBackoff},
		reasoning.GuardOptions{
			RatePerMinute:    float64(cfg.Reasoning.RatePerMinute),
			BreakerThreshold: cfg.Reasoning.BreakerThreshold,
			BreakerCooldown:  d.BreakerCooldown,
		},
		log.With(logx.String("comp", "reasoning")),
	)
}

func buildDispatcher(cfg *config.Config, d config.Durations, store *approval.Store, led *ledger.Ledger, conns connectors, log logx.Logger) *dispatcher.Dispatcher {
	opts := dispatcher.Options{
		IntentThreshold:   cfg.Approval.Threshold(),
		MaxPendingPerUser: cfg.Approval.MaxPending(),
		DraftTimeout:      d.ReasoningTimeout,
		ResponseTimeout:   d.ReasoningTimeout,
	}
	if conns.tracker != nil {
		opts.Tickets = conns.tracker
		opts.TicketURL = conns.tracker.IssueURL
	}
	disp := dispatcher.New(store, led, buildReasoner(cfg, d, log), opts, log)
	for src, conn := range conns.bySource {
		disp.Register(src, conn)
	}
	return disp
}

// jobs lists the scheduled jobs for the enabled features.
func (a *App) jobs(conns connectors) ([]runner.Job, error) {
	cfg, d := a.cfg, a.dur
	var jobs []runner.Job

	if cfg.SLA.Enabled {
		chatConn, ok := conns.bySource[event.SourceChat]
		if !ok || conns.review == nil {
			return nil, fmt.Errorf("sla: chat and review connectors are required")
		}
		var issues sla.Issues
		if cfg.SLA.IssueChecks && conns.tracker != nil {
			issues = conns.tracker
		}
		start, end := cfg.SLA.Workday()
		mon, err := sla.New(conns.review, issues, a.alerts, chatConn, sla.Config{
			StaleAfter: time.Duration(cfg.SLA.StaleHours()) * time.Hour,
			Issues: sla.IssueRules{
				BlockedStatus: cfg.SLA.BlockedStatus,
				BlockedAfter:  time.Duration(cfg.SLA.BlockedHours) * time.Hour,
				PendingStatus: cfg.SLA.PendingStatus,
				PendingAfter:  time.Duration(cfg.SLA.PendingHours) * time.Hour,
				ResponseAfter: time.Duration(cfg.SLA.CommentResponseHours) * time.Hour,
			},
			Hours:  sla.Hours{Location: cfg.Scheduler.Location(), Start: start, End: end},
			Target: chat.SourceID(cfg.SLA.AlertChatID, cfg.SLA.AlertThreadID),
		}, a.log)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, runner.Job{
			Name:    "sla.check",
			Spec:    cfg.SLA.CronSpec(),
			Timeout: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := mon.Check(ctx)
				return err
			},
		})
	}

	if conns.tracker != nil {
		jobs = append(jobs, runner.Job{
			Name:    "tickets.recover",
			Spec:    cfg.Scheduler.RecoverySpec(),
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := a.disp.RetryTickets(ctx, d.RecoveryGrace)
				if n > 0 {
					a.log.Info("recovered ticket creations", logx.Int("created", n))
				}
				return err
			},
		})
	}

	jobs = append(jobs, runner.Job{
		Name:    "summary",
		Spec:    cfg.Scheduler.SummarySpec(),
		Timeout: time.Minute,
		Run:     a.summary,
	})

	if d.Retention > 0 {
		jobs = append(jobs, runner.Job{
			Name:    "maintenance",
			Spec:    cfg.Scheduler.MaintenanceSpec(),
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := a.approvals.CleanupTerminal(ctx, d.Retention)
				if err != nil {
					return err
				}
				a.log.Info("removed closed requests", logx.Int64("removed", n), logx.Duration("retention", d.Retention))
				return nil
			},
		})
	}
	return jobs, nil
}

// summary logs the workflow backlog and open alerts.
func (a *App) summary(ctx context.Context) error {
	st, err := a.approvals.Stats(ctx)
	if err != nil {
		return err
	}
	active, err := a.alerts.Active(ctx, sla.ViolationPRStale)
	if err != nil {
		return err
	}
	stuck := 0
	for _, typ := range sla.IssueViolations {
		ids, err := a.alerts.Active(ctx, typ)
		if err != nil {
			return err
		}
		stuck += len(ids)
	}
	fields := []logx.Field{
		logx.Int("requests", st.Total),
		logx.Int("revisions", st.Revisions),
		logx.Int("stale_prs", len(active)),
		logx.Int("issue_alerts", stuck),
	}
	for _, s := range approval.Statuses {
		fields = append(fields, logx.Int(string(s), st.ByStatus[s]))
	}
	a.log.Info("daily summary", fields...)
	return nil
}
