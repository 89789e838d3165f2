// Package dispatcher routes each normalized event to one of three handlers, in order:
// a reply to the pending draft of its thread, a request for a new draft, or an
// open-ended request answered by the reasoning service.
//
// The event is marked processed only after its reply was posted. A failed event is
// returned as an error and left for the next poll.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pmagent/internal/approval"
	"pmagent/internal/event"
	"pmagent/internal/metrics"
	"pmagent/internal/reasoning"
	"pmagent/pkg/logx"
)

const DefaultMaxPendingPerUser = 3

const (
	cancelAckText = "❌ PM request cancelled. The draft has been discarded."
	delayText     = "⏳ This is taking longer than expected, will retry."
	maxDelayed    = 1024
)

// Outcome names what Handle did with an event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDrafted   Outcome = "drafted"
	OutcomeCapped    Outcome = "capped"
	OutcomeRevised   Outcome = "revised"
	OutcomeApproved  Outcome = "approved"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeResponded Outcome = "responded"
)

// Replier posts into the platform an event came from.
type Replier interface {
	Post(ctx context.Context, to event.Target, text string) (string, error)
	// Subscribe makes later items of sourceID interesting without a mention.
	Subscribe(ctx context.Context, sourceID string) error
}

type Store interface {
	Create(ctx context.Context, in approval.NewRequest) (approval.Request, error)
	Get(ctx context.Context, id string) (approval.Request, error)
	GetBySource(ctx context.Context, source event.Source, sourceID string) (approval.Request, bool, error)
	Approve(ctx context.Context, id string) (approval.Request, error)
	MarkCreated(ctx context.Context, id, ticketRef string) (approval.Request, error)
	RecordFailure(ctx context.Context, id, reason string) error
	RequestChanges(ctx context.Context, id, feedback, draft string) (approval.Revision, error)
	Cancel(ctx context.Context, id string) (approval.Request, error)
	Revisions(ctx context.Context, id string) ([]approval.Revision, error)
	PendingCount(ctx context.Context, requester string) (int, error)
	List(ctx context.Context, f approval.Filter) ([]approval.Request, error)
}

type Ledger interface {
	MarkProcessed(ctx context.Context, source event.Source, itemKey string) error
}

// TicketCreator files an approved draft in the issue tracker and returns the ticket key.
type TicketCreator interface {
	CreateTicket(ctx context.Context, r approval.Request) (string, error)
}

var errNoTracker = errors.New("no issue tracker configured")

type Options struct {
	// IntentThreshold is the confidence a draft request must exceed.
	IntentThreshold float64
	// MaxPendingPerUser caps open drafts per requester. Negative disables the cap.
	MaxPendingPerUser int
	DraftTimeout      time.Duration
	ResponseTimeout   time.Duration
	Tickets           TicketCreator
	// TicketURL, when set, adds a link to creation confirmations.
	TicketURL func(key string) string
	Now       func() time.Time
}

type Dispatcher struct {
	store    Store
	ledger   Ledger
	reasoner reasoning.Service
	opts     Options
	log      logx.Logger

	mu       sync.RWMutex
	repliers map[event.Source]Replier
	delayed  map[string]struct{}
}

func New(store Store, ledger Ledger, reasoner reasoning.Service, opts Options, log logx.Logger) *Dispatcher {
	if opts.IntentThreshold <= 0 {
		opts.IntentThreshold = DefaultIntentThreshold
	}
	if opts.MaxPendingPerUser == 0 {
		opts.MaxPendingPerUser = DefaultMaxPendingPerUser
	}
	if opts.DraftTimeout <= 0 {
		opts.DraftTimeout = reasoning.DefaultTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = reasoning.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:    store,
		ledger:   ledger,
		reasoner: reasoner,
		opts:     opts,
		log:      log.With(logx.String("comp", "dispatcher")),
		repliers: map[event.Source]Replier{},
		delayed:  map[string]struct{}{},
	}
}

// Register sets where replies to events of source are posted.
func (d *Dispatcher) Register(source event.Source, r Replier) {
	d.mu.Lock()
	d.repliers[source] = r
	d.mu.Unlock()
}

func (d *Dispatcher) replier(source event.Source) (Replier, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.repliers[source]
	return r, ok
}

// Handle routes ev and performs its side effect. A nil error means ev is marked processed.
func (d *Dispatcher) Handle(ctx context.Context, ev event.NormalizedEvent) (Outcome, error) {
	out, err := d.handle(ctx, ev)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Source), "failed").Inc()
		return out, err
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Source), string(out)).Inc()
	d.log.Debug("event handled",
		logx.String("source", string(ev.Source)), logx.String("item", ev.ItemKey), logx.String("outcome", string(out)))
	return out, nil
}

func (d *Dispatcher) handle(ctx context.Context, ev event.NormalizedEvent) (Outcome, error) {
	if strings.TrimSpace(ev.SourceID) == "" {
		return OutcomeIgnored, d.markProcessed(ctx, ev)
	}
	rp, ok := d.replier(ev.Source)
	if !ok {
		return "", fmt.Errorf("dispatcher: no replier for source %q", ev.Source)
	}

	req, found, err := d.store.GetBySource(ctx, ev.Source, ev.SourceID)
	if err != nil {
		return "", fmt.Errorf("lookup request for %s: %w", ev.SourceID, err)
	}
	if found {
		if isOrigin(req, ev) {
			// The message that started req is redelivered, not a reply to it.
			switch req.Status {
			case approval.StatusPending:
				return d.repostDraft(ctx, rp, ev, req, OutcomeDrafted)
			case approval.StatusCancelled:
				// The draft post failed and was rolled back; draft again.
			default:
				return OutcomeIgnored, d.markProcessed(ctx, ev)
			}
		} else if resp := ParseResponse(ev.Text); resp.Kind != ResponseNone {
			if req.Status == approval.StatusPending {
				return d.respond(ctx, rp, ev, req, resp)
			}
			// A reply written while req was still open, handled after it moved on.
			if !req.UpdatedAt.Before(ev.Timestamp) {
				return d.replay(ctx, rp, ev, req, resp)
			}
		}
	}

	if in, ok := DetectIntent(ev.Text); ok && in.Confidence > d.opts.IntentThreshold {
		return d.draft(ctx, rp, ev, in)
	}
	return d.generic(ctx, rp, ev)
}

// isOrigin reports whether ev is the message req was drafted from.
func isOrigin(r approval.Request, ev event.NormalizedEvent) bool {
	return r.Requester == ev.Author &&
		r.OriginalContext == strings.TrimSpace(ev.Text) &&
		!r.CreatedAt.Before(ev.Timestamp.Add(-time.Second))
}

func (d *Dispatcher) respond(ctx context.Context, rp Replier, ev event.NormalizedEvent, req approval.Request, resp Response) (Outcome, error) {
	switch resp.Kind {
	case ResponseApproved:
		r, err := d.store.Approve(ctx, req.ID)
		if errors.Is(err, approval.ErrInvalidTransition) {
			return d.reject(ctx, rp, ev, req.ID)
		}
		if err != nil {
			return "", fmt.Errorf("approve %s: %w", req.ID, err)
		}
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(approval.StatusApproved)).Inc()
		d.log.Info("draft approved", logx.String("request", r.ID), logx.String("by", ev.Author))
		return d.finishApproved(ctx, rp, ev, r)

	case ResponseChanges:
		return d.revise(ctx, rp, ev, req, resp.Feedback)

	case ResponseCancel:
		r, err := d.store.Cancel(ctx, req.ID)
		if errors.Is(err, approval.ErrInvalidTransition) {
			return d.reject(ctx, rp, ev, req.ID)
		}
		if err != nil {
			return "", fmt.Errorf("cancel %s: %w", req.ID, err)
		}
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(approval.StatusCancelled)).Inc()
		d.log.Info("draft cancelled", logx.String("request", r.ID), logx.String("by", ev.Author))
		return d.postAndMark(ctx, rp, ev, cancelAckText, OutcomeCancelled)
	}
	return "", fmt.Errorf("dispatcher: unexpected response kind %q", resp.Kind)
}

// replay finishes the reply a previous attempt started when the stored state already
// reflects it, and reports the conflict otherwise.
func (d *Dispatcher) replay(ctx context.Context, rp Replier, ev event.NormalizedEvent, req approval.Request, resp Response) (Outcome, error) {
	switch {
	case resp.Kind == ResponseApproved && req.Status == approval.StatusApproved:
		return d.finishApproved(ctx, rp, ev, req)
	case resp.Kind == ResponseApproved && req.Status == approval.StatusCreated:
		return d.postAndMark(ctx, rp, ev, d.confirmation(req), OutcomeApproved)
	case resp.Kind == ResponseCancel && req.Status == approval.StatusCancelled:
		return d.postAndMark(ctx, rp, ev, cancelAckText, OutcomeCancelled)
	}
	return d.reject(ctx, rp, ev, req.ID)
}

// reject tells the user their reply did not apply to the request's current state.
func (d *Dispatcher) reject(ctx context.Context, rp Replier, ev event.NormalizedEvent, id string) (Outcome, error) {
	r, err := d.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reload %s: %w", id, err)
	}
	text := fmt.Sprintf("⚠️ This %s draft is already %s, so nothing was changed.", r.Type, strings.ReplaceAll(string(r.Status), "_", " "))
	if r.TicketRef != "" {
		text = fmt.Sprintf("⚠️ This %s draft was already filed as %s, so nothing was changed.", r.Type, r.TicketRef)
	}
	return d.postAndMark(ctx, rp, ev, text, OutcomeRejected)
}

func (d *Dispatcher) finishApproved(ctx context.Context, rp Replier, ev event.NormalizedEvent, r approval.Request) (Outcome, error) {
	created, err := d.createTicket(ctx, r)
	if err != nil {
		text := fmt.Sprintf("⚠️ Draft approved, but the ticket could not be created: %v\nThe draft stays approved and creation will be retried.", err)
		return d.postAndMark(ctx, rp, ev, text, OutcomeApproved)
	}
	return d.postAndMark(ctx, rp, ev, d.confirmation(created), OutcomeApproved)
}

// createTicket files an approved request. Failures are stored on the request for operators.
func (d *Dispatcher) createTicket(ctx context.Context, r approval.Request) (approval.Request, error) {
	var (
		key string
		err = errNoTracker
	)
	if d.opts.Tickets != nil {
		key, err = d.opts.Tickets.CreateTicket(ctx, r)
	}
	if err != nil {
		d.log.Warn("ticket creation failed", logx.String("request", r.ID), logx.Err(err))
		if ferr := d.store.RecordFailure(ctx, r.ID, err.Error()); ferr != nil {
			d.log.Warn("recording ticket failure failed", logx.String("request", r.ID), logx.Err(ferr))
		}
		return r, err
	}
	created, err := d.store.MarkCreated(ctx, r.ID, key)
	if err != nil {
		d.log.Error("ticket created but not recorded", logx.String("request", r.ID), logx.String("ticket", key), logx.Err(err))
		return r, fmt.Errorf("record ticket %s: %w", key, err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(approval.StatusCreated)).Inc()
	d.log.Info("ticket created", logx.String("request", r.ID), logx.String("ticket", key))
	return created, nil
}

func (d *Dispatcher) confirmation(r approval.Request) string {
	text := fmt.Sprintf("✅ Created %s: %s", r.TicketRef, r.Title())
	if d.opts.TicketURL != nil {
		text += "\n\nLink: " + d.opts.TicketURL(r.TicketRef)
	}
	return text
}

func (d *Dispatcher) revise(ctx context.Context, rp Replier, ev event.NormalizedEvent, req approval.Request, feedback string) (Outcome, error) {
	revs, err := d.store.Revisions(ctx, req.ID)
	if err != nil {
		return "", fmt.Errorf("load revisions of %s: %w", req.ID, err)
	}
	previous := len(revs)
	if previous > 0 {
		last := revs[previous-1]
		if last.Number > 1 && last.Feedback == feedback && !last.CreatedAt.Before(ev.Timestamp) {
			// Stored by an earlier attempt whose post failed.
			return d.repostDraft(ctx, rp, ev, req, OutcomeRevised)
		}
	}

	prompt, err := renderRevisionPrompt(req, max(previous, 1), feedback)
	if err != nil {
		return "", err
	}
	draft, err := d.complete(ctx, rp, ev, prompt, d.opts.DraftTimeout)
	if err != nil {
		return "", fmt.Errorf("revise %s: %w", req.ID, err)
	}
	rev, err := d.store.RequestChanges(ctx, req.ID, feedback, draft)
	if errors.Is(err, approval.ErrInvalidTransition) {
		return d.reject(ctx, rp, ev, req.ID)
	}
	if err != nil {
		return "", fmt.Errorf("store revision of %s: %w", req.ID, err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(approval.StatusChangesRequested)).Inc()
	d.log.Info("draft revised", logx.String("request", req.ID), logx.Int("revision", rev.Number))

	text, err := renderDraftPost(req.Type, rev.Number, rev.Draft)
	if err != nil {
		return "", err
	}
	return d.postAndMark(ctx, rp, ev, text, OutcomeRevised)
}

// repostDraft posts the current draft of req again.
func (d *Dispatcher) repostDraft(ctx context.Context, rp Replier, ev event.NormalizedEvent, req approval.Request, out Outcome) (Outcome, error) {
	revs, err := d.store.Revisions(ctx, req.ID)
	if err != nil {
		return "", fmt.Errorf("load revisions of %s: %w", req.ID, err)
	}
	text, err := renderDraftPost(req.Type, max(len(revs), 1), req.Draft)
	if err != nil {
		return "", err
	}
	return d.postAndMark(ctx, rp, ev, text, out)
}

func (d *Dispatcher) draft(ctx context.Context, rp Replier, ev event.NormalizedEvent, in Intent) (Outcome, error) {
	if limit := d.opts.MaxPendingPerUser; limit > 0 {
		n, err := d.store.PendingCount(ctx, ev.Author)
		if err != nil {
			return "", fmt.Errorf("count pending drafts: %w", err)
		}
		if n >= limit {
			d.log.Info("pending draft cap reached", logx.String("requester", ev.Author), logx.Int("pending", n))
			text := fmt.Sprintf("⚠️ You already have %d drafts awaiting review. Approve or cancel one of them before requesting another.", n)
			return d.postAndMark(ctx, rp, ev, text, OutcomeCapped)
		}
	}

	prompt, err := renderDraftPrompt(ev, in.Type, d.opts.Now())
	if err != nil {
		return "", err
	}
	draft, err := d.complete(ctx, rp, ev, prompt, d.opts.DraftTimeout)
	if err != nil {
		return "", fmt.Errorf("draft %s: %w", in.Type, err)
	}
	req, err := d.store.Create(ctx, approval.NewRequest{
		Source:          ev.Source,
		SourceID:        ev.SourceID,
		Type:            in.Type,
		Requester:       ev.Author,
		RequesterName:   ev.AuthorName,
		OriginalContext: strings.TrimSpace(ev.Text),
		Draft:           draft,
	})
	if err != nil {
		return "", fmt.Errorf("store draft: %w", err)
	}
	metrics.ApprovalTransitionsTotal.WithLabelValues(string(approval.StatusPending)).Inc()
	d.log.Info("draft created",
		logx.String("request", req.ID), logx.String("type", string(in.Type)),
		logx.Float64("confidence", in.Confidence), logx.String("requester", ev.Author))

	text, err := renderDraftPost(req.Type, 1, req.Draft)
	if err != nil {
		return "", err
	}
	if _, err := rp.Post(ctx, ev.Reply(), text); err != nil {
		// Nobody saw the draft: roll it back so the retry starts clean.
		if _, cerr := d.store.Cancel(context.WithoutCancel(ctx), req.ID); cerr != nil {
			d.log.Warn("rolling back unposted draft failed", logx.String("request", req.ID), logx.Err(cerr))
		}
		return "", fmt.Errorf("post draft: %w", err)
	}
	if err := rp.Subscribe(ctx, ev.SourceID); err != nil {
		d.log.Warn("subscribe failed", logx.String("source_id", ev.SourceID), logx.Err(err))
	}
	return OutcomeDrafted, d.markProcessed(ctx, ev)
}

func (d *Dispatcher) generic(ctx context.Context, rp Replier, ev event.NormalizedEvent) (Outcome, error) {
	prompt, err := renderGenericPrompt(ev)
	if err != nil {
		return "", err
	}
	answer, err := d.complete(ctx, rp, ev, prompt, d.opts.ResponseTimeout)
	if err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}
	return d.postAndMark(ctx, rp, ev, answer, OutcomeResponded)
}

// complete calls the reasoning service. On a timeout the requester is told, once per
// item, that the answer is delayed.
func (d *Dispatcher) complete(ctx context.Context, rp Replier, ev event.NormalizedEvent, prompt string, timeout time.Duration) (string, error) {
	out, err := d.reasoner.Complete(ctx, prompt, timeout)
	if err == nil {
		d.mu.Lock()
		delete(d.delayed, ev.ItemKey)
		d.mu.Unlock()
		return out, nil
	}
	if errors.Is(err, reasoning.ErrTimeout) && d.markDelayed(ev.ItemKey) {
		if _, perr := rp.Post(ctx, ev.Reply(), delayText); perr != nil {
			d.log.Warn("delay notice failed", logx.String("item", ev.ItemKey), logx.Err(perr))
		}
	}
	return "", err
}

func (d *Dispatcher) markDelayed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.delayed[key]; ok {
		return false
	}
	if len(d.delayed) >= maxDelayed {
		d.delayed = map[string]struct{}{}
	}
	d.delayed[key] = struct{}{}
	return true
}

func (d *Dispatcher) postAndMark(ctx context.Context, rp Replier, ev event.NormalizedEvent, text string, out Outcome) (Outcome, error) {
	if _, err := rp.Post(ctx, ev.Reply(), text); err != nil {
		return "", fmt.Errorf("post %s reply: %w", out, err)
	}
	return out, d.markProcessed(ctx, ev)
}

func (d *Dispatcher) markProcessed(ctx context.Context, ev event.NormalizedEvent) error {
	if err := d.ledger.MarkProcessed(ctx, ev.Source, ev.ItemKey); err != nil {
		return fmt.Errorf("mark %s processed: %w", ev.ItemKey, err)
	}
	return nil
}

// RetryTickets creates tickets for requests approved more than olderThan ago whose
// creation failed, and posts the confirmation to the originating thread. It returns
// the number of tickets created.
func (d *Dispatcher) RetryTickets(ctx context.Context, olderThan time.Duration) (int, error) {
	reqs, err := d.store.List(ctx, approval.Filter{
		Status:        approval.StatusApproved,
		UpdatedBefore: d.opts.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, fmt.Errorf("list approved requests: %w", err)
	}

	var (
		created int
		errs    []error
	)
	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		done, err := d.createTicket(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.ID, err))
			continue
		}
		created++
		rp, ok := d.replier(r.Source)
		if !ok {
			continue
		}
		if _, err := rp.Post(ctx, event.Target{SourceID: r.SourceID}, d.confirmation(done)); err != nil {
			d.log.Warn("recovered ticket confirmation failed", logx.String("request", r.ID), logx.Err(err))
		}
	}
	return created, errors.Join(errs...)
}
