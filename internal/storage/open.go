package storage

import (
	"context"
	"time"

	"pmagent/pkg/logx"
)

// OpenPath is a convenience for callers that only know the file path, like the CLI queries.
func OpenPath(ctx context.Context, path string, busy time.Duration, log logx.Logger) (*DB, error) {
	return Open(ctx, Config{Path: path, BusyTimeout: busy}, log)
}
