package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// isLockedError checks if the error is a "database is locked" error.
func isLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isConflictError reports SQLite concurrency errors that warrant a retry.
func isConflictError(err error) bool {
	return isBusyError(err) || isLockedError(err)
}

const (
	conflictRetries   = 3
	conflictBaseDelay = 100 * time.Millisecond
)

// withConflictRetry runs fn, retrying SQLite conflicts with exponential
// backoff: 100ms, 200ms.
func withConflictRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = fn()
		if err == nil || !isConflictError(err) || i == conflictRetries-1 {
			return err
		}
		delay := conflictBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
