// Package escalation decides whether an SLA violation should be (re)announced and
// records each announcement. Repeats are suppressed for a cooldown window unless
// the violation's escalation level rises.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pmagent/internal/storage"
)

// DefaultCooldown is how long an unchanged violation stays quiet after an alert.
const DefaultCooldown = 24 * time.Hour

// Violation is one observed breach of an SLA rule.
type Violation struct {
	ItemID          string
	Type            string
	EscalationLevel int
}

// ID is the composite key of the violation: item id and type.
func (v Violation) ID() string { return v.ItemID + "_" + v.Type }

func (v Violation) validate() error {
	if strings.TrimSpace(v.ItemID) == "" || strings.TrimSpace(v.Type) == "" {
		return errors.New("escalation: violation needs item id and type")
	}
	return nil
}

// Record is the persisted alert state of one violation.
type Record struct {
	ViolationID     string
	ItemID          string
	Type            string
	LastAlertedAt   time.Time
	AlertCount      int
	EscalationLevel int
	ThreadRef       string
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cooldown = d
		}
	}
}

// Tracker is the only writer of sla_alerts.
type Tracker struct {
	db       *storage.DB
	now      func() time.Time
	cooldown time.Duration
}

func New(db *storage.DB, opts ...Option) *Tracker {
	t := &Tracker{db: db, now: time.Now, cooldown: DefaultCooldown}
	for _, o := range opts {
		o(t)
	}
	return t
}

const recordColumns = `violation_id, item_id, violation_type, last_alerted_at, alert_count, current_escalation_level, external_thread_ref`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r    Record
		last int64
		ref  sql.NullString
	)
	if err := row.Scan(&r.ViolationID, &r.ItemID, &r.Type, &last, &r.AlertCount, &r.EscalationLevel, &ref); err != nil {
		return Record{}, err
	}
	r.LastAlertedAt = storage.FromMillis(last)
	r.ThreadRef = ref.String
	return r, nil
}

// Get returns the record for violationID. ok is false when it was never alerted.
func (t *Tracker) Get(ctx context.Context, violationID string) (r Record, ok bool, err error) {
	r, err = scanRecord(t.db.SQL().QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sla_alerts WHERE violation_id = ?`, violationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// ShouldAlert reports whether v deserves an alert now:
// first sighting, a higher escalation level than last alerted, or an expired cooldown.
func (t *Tracker) ShouldAlert(ctx context.Context, v Violation) (bool, error) {
	if err := v.validate(); err != nil {
		return false, err
	}
	r, ok, err := t.Get(ctx, v.ID())
	if err != nil {
		return false, err
	}
	return decide(r, ok, v, t.now(), t.cooldown), nil
}

func decide(r Record, exists bool, v Violation, now time.Time, cooldown time.Duration) bool {
	switch {
	case !exists:
		return true
	case v.EscalationLevel > r.EscalationLevel:
		return true
	case now.Sub(r.LastAlertedAt) >= cooldown:
		return true
	default:
		return false
	}
}

// RecordAlert upserts the alert state after an alert was sent.
// threadRef is kept from the first alert unless a new non-empty one is supplied.
func (t *Tracker) RecordAlert(ctx context.Context, v Violation, threadRef string) (Record, error) {
	if err := v.validate(); err != nil {
		return Record{}, err
	}
	now := storage.Millis(t.now())
	_, err := t.db.SQL().ExecContext(ctx,
		`INSERT INTO sla_alerts(violation_id, item_id, violation_type, last_alerted_at, alert_count, current_escalation_level, external_thread_ref)
		 VALUES(?,?,?,?,1,?,?)
		 ON CONFLICT(violation_id) DO UPDATE SET
			last_alerted_at = excluded.last_alerted_at,
			alert_count = sla_alerts.alert_count + 1,
			current_escalation_level = MAX(sla_alerts.current_escalation_level, excluded.current_escalation_level),
			external_thread_ref = COALESCE(excluded.external_thread_ref, sla_alerts.external_thread_ref)`,
		v.ID(), v.ItemID, v.Type, now, v.EscalationLevel, storage.NullString(threadRef),
	)
	if err != nil {
		return Record{}, fmt.Errorf("escalation: record %s: %w", v.ID(), err)
	}
	r, _, err := t.Get(ctx, v.ID())
	return r, err
}

// ClearResolved deletes the records of items no longer in violation so a future
// violation starts fresh.
func (t *Tracker) ClearResolved(ctx context.Context, itemIDs []string) (int64, error) {
	return t.clear(ctx, "", itemIDs)
}

// ClearResolvedType is ClearResolved restricted to one violation type, for items
// that can be in several violations at once.
func (t *Tracker) ClearResolvedType(ctx context.Context, violationType string, itemIDs []string) (int64, error) {
	if strings.TrimSpace(violationType) == "" {
		return 0, errors.New("escalation: violation type is required")
	}
	return t.clear(ctx, violationType, itemIDs)
}

func (t *Tracker) clear(ctx context.Context, violationType string, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(itemIDs)+1)
	for _, id := range itemIDs {
		args = append(args, id)
	}
	q := `DELETE FROM sla_alerts WHERE item_id IN (?` + strings.Repeat(",?", len(itemIDs)-1) + `)`
	if violationType != "" {
		q += ` AND violation_type = ?`
		args = append(args, violationType)
	}
	res, err := t.db.SQL().ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// History returns alert records, most recently alerted first.
// Empty itemID or violationType match everything.
func (t *Tracker) History(ctx context.Context, itemID, violationType string, limit int) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM sla_alerts WHERE 1=1`
	var args []any
	if itemID != "" {
		q += ` AND item_id = ?`
		args = append(args, itemID)
	}
	if violationType != "" {
		q += ` AND violation_type = ?`
		args = append(args, violationType)
	}
	q += ` ORDER BY last_alerted_at DESC, violation_id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := t.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Active lists the item ids that currently hold a record for violationType.
func (t *Tracker) Active(ctx context.Context, violationType string) ([]string, error) {
	rows, err := t.db.SQL().QueryContext(ctx,
		`SELECT DISTINCT item_id FROM sla_alerts WHERE violation_type = ? ORDER BY item_id`, violationType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
