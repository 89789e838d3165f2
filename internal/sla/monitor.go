// Package sla watches open pull requests for missing review activity and open issues
// stuck in a status or waiting on their assignee, and posts escalating alerts to a
// chat thread.
package sla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pmagent/internal/connector/review"
	"pmagent/internal/connector/tracker"
	"pmagent/internal/escalation"
	"pmagent/internal/event"
	"pmagent/internal/metrics"
	"pmagent/pkg/logx"
)

// Violation types.
const (
	// ViolationPRStale is a pull request without recent activity.
	ViolationPRStale         = "pr_stale"
	ViolationBlocked         = "blocked_ticket"
	ViolationPendingApproval = "pending_approval"
	// ViolationCommentResponse is an issue whose last comment awaits the assignee's reply.
	ViolationCommentResponse = "comment_response"
)

// IssueViolations are the violation types raised for tracker issues.
var IssueViolations = []string{ViolationBlocked, ViolationPendingApproval, ViolationCommentResponse}

const DefaultStaleAfter = 16 * time.Hour

type PullRequests interface {
	OpenPullRequests(ctx context.Context) ([]review.PullRequest, error)
}

type Issues interface {
	OpenIssues(ctx context.Context) ([]tracker.Issue, error)
}

type Tracker interface {
	Get(ctx context.Context, violationID string) (escalation.Record, bool, error)
	ShouldAlert(ctx context.Context, v escalation.Violation) (bool, error)
	RecordAlert(ctx context.Context, v escalation.Violation, threadRef string) (escalation.Record, error)
	ClearResolvedType(ctx context.Context, violationType string, itemIDs []string) (int64, error)
	Active(ctx context.Context, violationType string) ([]string, error)
}

type Poster interface {
	Post(ctx context.Context, to event.Target, text string) (string, error)
}

// IssueRules are the thresholds of the issue checks. Status durations are wall-clock
// time since the issue entered the status; the response time is business time.
type IssueRules struct {
	BlockedStatus string
	BlockedAfter  time.Duration
	PendingStatus string
	PendingAfter  time.Duration
	ResponseAfter time.Duration
}

var DefaultIssueRules = IssueRules{
	BlockedStatus: "Blocked",
	BlockedAfter:  24 * time.Hour,
	PendingStatus: "Pending Approval",
	PendingAfter:  48 * time.Hour,
	ResponseAfter: 16 * time.Hour,
}

func (r IssueRules) withDefaults() IssueRules {
	d := DefaultIssueRules
	if strings.TrimSpace(r.BlockedStatus) != "" {
		d.BlockedStatus = r.BlockedStatus
	}
	if r.BlockedAfter > 0 {
		d.BlockedAfter = r.BlockedAfter
	}
	if strings.TrimSpace(r.PendingStatus) != "" {
		d.PendingStatus = r.PendingStatus
	}
	if r.PendingAfter > 0 {
		d.PendingAfter = r.PendingAfter
	}
	if r.ResponseAfter > 0 {
		d.ResponseAfter = r.ResponseAfter
	}
	return d
}

type Config struct {
	// StaleAfter is business time without activity before a PR is in violation.
	StaleAfter time.Duration
	Issues     IssueRules
	Hours      Hours
	// Target is the chat (and topic) alerts are posted to.
	Target string
	Now    func() time.Time
}

// Report summarizes one check.
type Report struct {
	Open       int
	Issues     int
	Stale      int
	Alerted    int
	Suppressed int
	Cleared    int64
	Failed     int
}

type Monitor struct {
	prs     PullRequests
	issues  Issues
	tracker Tracker
	poster  Poster
	cfg     Config
	log     logx.Logger
}

// New builds a monitor over open pull requests and, when issues is not nil, open issues.
func New(prs PullRequests, issues Issues, tracker Tracker, poster Poster, cfg Config, log logx.Logger) (*Monitor, error) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	cfg.Issues = cfg.Issues.withDefaults()
	if cfg.Hours == (Hours{}) {
		cfg.Hours = DefaultHours
	}
	if err := cfg.Hours.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, fmt.Errorf("sla: alert target is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		prs:     prs,
		issues:  issues,
		tracker: tracker,
		poster:  poster,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "sla")),
	}, nil
}

// Level maps business time without activity to an escalation level, 0 meaning no violation.
func (m *Monitor) Level(idle time.Duration) int {
	return level(idle, m.cfg.StaleAfter)
}

func level(over, threshold time.Duration) int {
	switch {
	case over <= threshold:
		return 0
	case over < 2*threshold:
		return 1
	case over < 4*threshold:
		return 2
	default:
		return 3
	}
}

type finding struct {
	v    escalation.Violation
	text string
}

// Check evaluates every open pull request and issue once. Alerts that fail to post are
// retried by the next check; records of items no longer in violation are cleared. A
// source that cannot be listed keeps its alerts untouched.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	now := m.cfg.Now()

	if prs, err := m.prs.OpenPullRequests(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sla: list pull requests: %w", err))
	} else {
		rep.Open = len(prs)
		if err := m.settle(ctx, &rep, m.prFindings(prs, now), ViolationPRStale); err != nil {
			return rep, err
		}
	}

	if m.issues != nil {
		if issues, err := m.issues.OpenIssues(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sla: list issues: %w", err))
		} else {
			rep.Issues = len(issues)
			if err := m.settle(ctx, &rep, m.issueFindings(issues, now), IssueViolations...); err != nil {
				return rep, err
			}
		}
	}

	m.log.Info("sla check finished",
		logx.Int("open", rep.Open), logx.Int("issues", rep.Issues), logx.Int("stale", rep.Stale),
		logx.Int("alerted", rep.Alerted), logx.Int("suppressed", rep.Suppressed), logx.Int64("cleared", rep.Cleared))
	return rep, errors.Join(errs...)
}

func (m *Monitor) prFindings(prs []review.PullRequest, now time.Time) []finding {
	var out []finding
	for _, pr := range prs {
		idle := m.cfg.Hours.Between(pr.UpdatedAt, now)
		lvl := m.Level(idle)
		if lvl == 0 {
			continue
		}
		out = append(out, finding{
			v:    escalation.Violation{ItemID: pr.ItemID(), Type: ViolationPRStale, EscalationLevel: lvl},
			text: prText(pr, lvl, idle),
		})
	}
	return out
}

func (m *Monitor) issueFindings(issues []tracker.Issue, now time.Time) []finding {
	r := m.cfg.Issues
	var out []finding
	for _, is := range issues {
		if !is.StatusSince.IsZero() {
			in := now.Sub(is.StatusSince)
			switch {
			case strings.EqualFold(is.Status, r.BlockedStatus):
				if lvl := level(in, r.BlockedAfter); lvl > 0 {
					out = append(out, finding{
						v:    escalation.Violation{ItemID: is.Key, Type: ViolationBlocked, EscalationLevel: lvl},
						text: issueText(is, lvl, fmt.Sprintf("has been %s for %dh", is.Status, int(in.Hours()))),
					})
				}
			case strings.EqualFold(is.Status, r.PendingStatus):
				if lvl := level(in, r.PendingAfter); lvl > 0 {
					out = append(out, finding{
						v:    escalation.Violation{ItemID: is.Key, Type: ViolationPendingApproval, EscalationLevel: lvl},
						text: issueText(is, lvl, fmt.Sprintf("has waited in %s for %dh", is.Status, int(in.Hours()))),
					})
				}
			}
		}

		c := is.LastComment
		if c == nil || is.AssigneeID == "" || c.AuthorID == is.AssigneeID {
			continue
		}
		wait := m.cfg.Hours.Between(c.At, now)
		if lvl := level(wait, r.ResponseAfter); lvl > 0 {
			out = append(out, finding{
				v: escalation.Violation{ItemID: is.Key, Type: ViolationCommentResponse, EscalationLevel: lvl},
				text: issueText(is, lvl, fmt.Sprintf("has a comment from %s unanswered by the assignee for %d business hours",
					c.AuthorName, int(wait.Hours()))),
			})
		}
	}
	return out
}

// settle alerts every finding and clears the active records of types that no longer
// have a finding.
func (m *Monitor) settle(ctx context.Context, rep *Report, findings []finding, types ...string) error {
	current := map[string]struct{}{}
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Stale++
		current[f.v.ID()] = struct{}{}

		alerted, err := m.alert(ctx, f)
		switch {
		case err != nil:
			rep.Failed++
			metrics.SLAAlertsTotal.WithLabelValues("failed").Inc()
			m.log.Warn("sla alert failed", logx.String("item", f.v.ItemID), logx.String("type", f.v.Type), logx.Err(err))
		case alerted:
			rep.Alerted++
			metrics.SLAAlertsTotal.WithLabelValues("alerted").Inc()
		default:
			rep.Suppressed++
			metrics.SLAAlertsTotal.WithLabelValues("suppressed").Inc()
		}
	}

	for _, typ := range types {
		active, err := m.tracker.Active(ctx, typ)
		if err != nil {
			return fmt.Errorf("sla: list active alerts: %w", err)
		}
		var resolved []string
		for _, id := range active {
			if _, ok := current[escalation.Violation{ItemID: id, Type: typ}.ID()]; !ok {
				resolved = append(resolved, id)
			}
		}
		n, err := m.tracker.ClearResolvedType(ctx, typ, resolved)
		if err != nil {
			return fmt.Errorf("sla: clear resolved: %w", err)
		}
		rep.Cleared += n
	}
	return nil
}

func (m *Monitor) alert(ctx context.Context, f finding) (bool, error) {
	v := f.v
	ok, err := m.tracker.ShouldAlert(ctx, v)
	if err != nil || !ok {
		return false, err
	}
	prev, found, err := m.tracker.Get(ctx, v.ID())
	if err != nil {
		return false, err
	}

	to := event.Target{SourceID: m.cfg.Target}
	if found && prev.ThreadRef != "" {
		to.ReplyTo = prev.ThreadRef
	}
	ref, err := m.poster.Post(ctx, to, f.text)
	if err != nil {
		return false, fmt.Errorf("post: %w", err)
	}
	if to.ReplyTo != "" {
		// Later alerts thread under the first one.
		ref = ""
	}
	if _, err := m.tracker.RecordAlert(ctx, v, ref); err != nil {
		return true, fmt.Errorf("record: %w", err)
	}
	return true, nil
}

func levelIcon(level int) string {
	switch level {
	case 2:
		return "⚠️"
	case 3:
		return "🚨"
	}
	return "⏰"
}

func prText(pr review.PullRequest, level int, idle time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s PR %s %q has had no activity for %d business hours (level %d).",
		levelIcon(level), pr.ItemID(), pr.Title, int(idle.Hours()), level)
	if pr.Author != "" {
		fmt.Fprintf(&b, "\nAuthor: %s", pr.Author)
	}
	if pr.URL != "" {
		fmt.Fprintf(&b, "\n%s", pr.URL)
	}
	return b.String()
}

func issueText(is tracker.Issue, level int, what string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %q %s (level %d).", levelIcon(level), is.Key, is.Summary, what, level)
	if is.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", is.AssigneeName)
	}
	if is.URL != "" {
		fmt.Fprintf(&b, "\n%s", is.URL)
	}
	return b.String()
}
