// Package ledger records which upstream items have been handled and how far each
// polled stream has been read. It makes polling idempotent.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pmagent/internal/event"
	"pmagent/internal/storage"
)

type Option func(*Ledger)

// WithClock overrides time.Now. Tests use it to pin processed_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	db  *storage.DB
	now func() time.Time
}

func New(db *storage.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// IsProcessed reports whether a side effect for (source, itemKey) already succeeded.
func (l *Ledger) IsProcessed(ctx context.Context, source event.Source, itemKey string) (bool, error) {
	var one int
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT 1 FROM processed_items WHERE source = ? AND item_key = ?`,
		string(source), itemKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records that the side effect for (source, itemKey) was delivered.
// Repeated calls are no-ops.
func (l *Ledger) MarkProcessed(ctx context.Context, source event.Source, itemKey string) error {
	if strings.TrimSpace(itemKey) == "" {
		return errors.New("ledger: empty item key")
	}
	_, err := l.db.SQL().ExecContext(ctx,
		`INSERT INTO processed_items(source, item_key, processed_at) VALUES(?,?,?)
		 ON CONFLICT(source, item_key) DO NOTHING`,
		string(source), itemKey, storage.Millis(l.now()),
	)
	return err
}

// ProcessedCount returns how many items of source are recorded.
func (l *Ledger) ProcessedCount(ctx context.Context, source event.Source) (int, error) {
	var n int
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_items WHERE source = ?`, string(source),
	).Scan(&n)
	return n, err
}

// Cursor returns the stream's high-water mark. ok is false when the stream was never polled.
func (l *Ledger) Cursor(ctx context.Context, streamID string) (t time.Time, ok bool, err error) {
	var ms int64
	err = l.db.SQL().QueryRowContext(ctx,
		`SELECT last_checked_at FROM cursors WHERE stream_id = ?`, streamID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return storage.FromMillis(ms), true, nil
}

func (l *Ledger) SetCursor(ctx context.Context, streamID string, t time.Time) error {
	_, err := l.db.SQL().ExecContext(ctx,
		`INSERT INTO cursors(stream_id, last_checked_at) VALUES(?,?)
		 ON CONFLICT(stream_id) DO UPDATE SET last_checked_at = excluded.last_checked_at`,
		streamID, storage.Millis(t),
	)
	return err
}

// RewindCursor moves the cursor back to t if it is currently later than t.
func (l *Ledger) RewindCursor(ctx context.Context, streamID string, t time.Time) error {
	_, err := l.db.SQL().ExecContext(ctx,
		`UPDATE cursors SET last_checked_at = ? WHERE stream_id = ? AND last_checked_at > ?`,
		storage.Millis(t), streamID, storage.Millis(t),
	)
	return err
}

// Subscribe marks a thread/issue/PR as explicitly followed: later items there are
// of interest even without a mention.
func (l *Ledger) Subscribe(ctx context.Context, source event.Source, sourceID string) error {
	_, err := l.db.SQL().ExecContext(ctx,
		`INSERT INTO tracked_threads(source, source_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(source, source_id) DO NOTHING`,
		string(source), sourceID, storage.Millis(l.now()),
	)
	return err
}

func (l *Ledger) IsSubscribed(ctx context.Context, source event.Source, sourceID string) (bool, error) {
	var one int
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT 1 FROM tracked_threads WHERE source = ? AND source_id = ?`,
		string(source), sourceID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
