// Package approval persists draft tickets awaiting human approval, their
// lifecycle status and an append-only revision history.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pmagent/internal/event"
	"pmagent/internal/storage"
)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the only writer of pending_pm_requests and pm_request_revisions.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func NewStore(db *storage.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

const requestColumns = `request_id, source, source_id, request_type, requester, requester_name, original_context,
	draft_content, status, created_at, updated_at, approved_at, created_ticket_at, external_ticket_ref, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r                           Request
		source, rtype, status       string
		name, orig, ref, failure    sql.NullString
		created, updated            int64
		approvedAt, ticketCreatedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &source, &r.SourceID, &rtype, &r.Requester, &name, &orig,
		&r.Draft, &status, &created, &updated, &approvedAt, &ticketCreatedAt, &ref, &failure); err != nil {
		return Request{}, err
	}
	r.Source = event.Source(source)
	r.Type = RequestType(rtype)
	r.Status = Status(status)
	r.RequesterName = name.String
	r.OriginalContext = orig.String
	r.TicketRef = ref.String
	r.FailureReason = failure.String
	r.CreatedAt = storage.FromMillis(created)
	r.UpdatedAt = storage.FromMillis(updated)
	r.ApprovedAt = storage.NullMillis(approvedAt)
	r.TicketCreatedAt = storage.NullMillis(ticketCreatedAt)
	return r, nil
}

// Create stores a new pending request together with revision 1.
func (s *Store) Create(ctx context.Context, in NewRequest) (Request, error) {
	if err := in.validate(); err != nil {
		return Request{}, err
	}
	now := s.now()
	r := Request{
		ID:              uuid.NewString(),
		Source:          in.Source,
		SourceID:        in.SourceID,
		Type:            in.Type,
		Requester:       in.Requester,
		RequesterName:   in.RequesterName,
		OriginalContext: in.OriginalContext,
		Draft:           in.Draft,
		Status:          StatusPending,
		CreatedAt:       storage.FromMillis(storage.Millis(now)),
	}
	r.UpdatedAt = r.CreatedAt

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_pm_requests(request_id, source, source_id, request_type, requester, requester_name,
				original_context, draft_content, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, string(r.Source), r.SourceID, string(r.Type), r.Requester, storage.NullString(r.RequesterName),
			storage.NullString(r.OriginalContext), r.Draft, string(r.Status), storage.Millis(now), storage.Millis(now),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pm_request_revisions(request_id, revision_number, draft_content, feedback, created_at)
			 VALUES(?, 1, ?, NULL, ?)`,
			r.ID, r.Draft, storage.Millis(now),
		)
		return err
	})
	if err != nil {
		return Request{}, fmt.Errorf("approval: create: %w", err)
	}
	return r, nil
}

// Get returns the request or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Request, error) {
	r, err := scanRequest(s.db.SQL().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_pm_requests WHERE request_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

// GetBySource returns the most recently created request for a conversation/issue/PR.
// ok is false when none exists.
func (s *Store) GetBySource(ctx context.Context, source event.Source, sourceID string) (r Request, ok bool, err error) {
	r, err = scanRequest(s.db.SQL().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_pm_requests
		 WHERE source = ? AND source_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(source), sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

// transition moves id from one of the allowed states to `to` inside tx.
// The UPDATE is guarded on the observed status so a concurrent writer cannot be overwritten.
func (s *Store) transition(ctx context.Context, tx *sql.Tx, id string, to Status, set string, args ...any) (Status, error) {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT status FROM pending_pm_requests WHERE request_id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	from := Status(cur)
	if !canTransition(from, to) {
		return from, &TransitionError{RequestID: id, From: from, To: to}
	}

	q := `UPDATE pending_pm_requests SET status = ?, updated_at = ?`
	if set != "" {
		q += ", " + set
	}
	q += ` WHERE request_id = ? AND status = ?`
	all := append([]any{string(to), storage.Millis(s.now())}, args...)
	all = append(all, id, cur)
	res, err := tx.ExecContext(ctx, q, all...)
	if err != nil {
		return from, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return from, &TransitionError{RequestID: id, From: from, To: to}
	}
	return from, nil
}

func (s *Store) update(ctx context.Context, id string, fn func(tx *sql.Tx) error) (Request, error) {
	var out Request
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		r, err := scanRequest(tx.QueryRowContext(ctx,
			`SELECT `+requestColumns+` FROM pending_pm_requests WHERE request_id = ?`, id))
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// Approve moves a pending request to approved. Ticket creation is a separate step (MarkCreated).
func (s *Store) Approve(ctx context.Context, id string) (Request, error) {
	return s.update(ctx, id, func(tx *sql.Tx) error {
		_, err := s.transition(ctx, tx, id, StatusApproved, "approved_at = ?", storage.Millis(s.now()))
		return err
	})
}

// MarkCreated records the external ticket for an approved request. The state is terminal.
func (s *Store) MarkCreated(ctx context.Context, id, ticketRef string) (Request, error) {
	if strings.TrimSpace(ticketRef) == "" {
		return Request{}, errors.New("approval: ticket ref is required")
	}
	return s.update(ctx, id, func(tx *sql.Tx) error {
		_, err := s.transition(ctx, tx, id, StatusCreated,
			"created_ticket_at = ?, external_ticket_ref = ?, failure_reason = NULL",
			storage.Millis(s.now()), ticketRef)
		return err
	})
}

// RecordFailure stores why ticket creation failed for an approved request. Status is unchanged.
func (s *Store) RecordFailure(ctx context.Context, id, reason string) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE pending_pm_requests SET failure_reason = ?, updated_at = ?
		 WHERE request_id = ? AND status = ?`,
		storage.NullString(reason), storage.Millis(s.now()), id, string(StatusApproved))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("approval: request %s is not approved: %w", id, ErrInvalidTransition)
	}
	return nil
}

// RequestChanges appends the next revision with the supplied feedback and makes draft the
// current content. The request stays pending.
func (s *Store) RequestChanges(ctx context.Context, id, feedback, draft string) (Revision, error) {
	if strings.TrimSpace(draft) == "" {
		return Revision{}, errors.New("approval: revised draft is required")
	}
	now := s.now()
	rev := Revision{RequestID: id, Draft: draft, Feedback: strings.TrimSpace(feedback), CreatedAt: storage.FromMillis(storage.Millis(now))}

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.transition(ctx, tx, id, StatusChangesRequested, ""); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(revision_number), 0) + 1 FROM pm_request_revisions WHERE request_id = ?`, id,
		).Scan(&rev.Number); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pm_request_revisions(request_id, revision_number, draft_content, feedback, created_at)
			 VALUES(?,?,?,?,?)`,
			id, rev.Number, draft, storage.NullString(rev.Feedback), storage.Millis(now),
		); err != nil {
			return err
		}
		_, err := s.transition(ctx, tx, id, StatusPending, "draft_content = ?", draft)
		return err
	})
	if err != nil {
		return Revision{}, err
	}
	return rev, nil
}

// Cancel discards a pending request. The state is terminal.
func (s *Store) Cancel(ctx context.Context, id string) (Request, error) {
	return s.update(ctx, id, func(tx *sql.Tx) error {
		_, err := s.transition(ctx, tx, id, StatusCancelled, "")
		return err
	})
}

// Revisions returns the history of id, oldest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]Revision, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT request_id, revision_number, draft_content, feedback, created_at
		 FROM pm_request_revisions WHERE request_id = ? ORDER BY revision_number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			rev      Revision
			feedback sql.NullString
			created  int64
		)
		if err := rows.Scan(&rev.RequestID, &rev.Number, &rev.Draft, &feedback, &created); err != nil {
			return nil, err
		}
		rev.Feedback = feedback.String
		rev.CreatedAt = storage.FromMillis(created)
		out = append(out, rev)
	}
	return out, rows.Err()
}

// PendingCount is the number of pending requests owned by requester.
// Callers use it to cap outstanding drafts per user.
func (s *Store) PendingCount(ctx context.Context, requester string) (int, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_pm_requests WHERE requester = ? AND status = ?`,
		requester, string(StatusPending),
	).Scan(&n)
	return n, err
}

// List returns requests matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, f.Requester)
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, storage.Millis(f.UpdatedBefore))
	}
	q := `SELECT ` + requestColumns + ` FROM pending_pm_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[Status]int{}}
	rows, err := s.db.SQL().QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_pm_requests GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.ByStatus[Status(status)] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM pm_request_revisions`).Scan(&st.Revisions)
	return st, err
}

// CleanupTerminal deletes cancelled and created requests (and their revisions) last
// touched more than olderThan ago. Pending and approved requests are never removed.
func (s *Store) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM pending_pm_requests WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusCancelled), string(StatusCreated), storage.Millis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
