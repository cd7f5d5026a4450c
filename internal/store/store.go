// Package store persists session metadata and the repair audit trail.
package store

import (
	"context"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
)

// Repository defines the interface for persisting session and repair data.
// File contents are never persisted.
type Repository interface {
	// GetSession retrieves a session record. Missing rows return
	// domain.ErrNotFound.
	GetSession(ctx context.Context, chatID string) (*domain.SessionRecord, error)

	// UpsertSession creates or updates a session record. created_at is kept
	// from the first insert.
	UpsertSession(ctx context.Context, rec *domain.SessionRecord) error

	// TouchSession updates the last_seen_at timestamp for a session.
	TouchSession(ctx context.Context, chatID string, lastSeen time.Time) error

	// DeleteSession removes a session record and its repair history.
	DeleteSession(ctx context.Context, chatID string) error

	// PurgeSessionsBefore removes sessions last seen before cutoff.
	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RecordRepairRun appends one finished repair cycle.
	RecordRepairRun(ctx context.Context, run *domain.RepairRun) error

	// ListRepairRuns returns the newest runs for a session, newest first.
	ListRepairRuns(ctx context.Context, chatID string, limit int) ([]*domain.RepairRun, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
