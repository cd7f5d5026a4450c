package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	_ "modernc.org/sqlite"
)

const defaultRepairListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialises writers to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		chat_id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS repair_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		path TEXT NOT NULL,
		language TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		version_id TEXT,
		reason TEXT,
		diagnostics_json TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_repair_runs_chat ON repair_runs(chat_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by chat id.
func (s *SQLiteStore) GetSession(ctx context.Context, chatID string) (*domain.SessionRecord, error) {
	query := `SELECT chat_id, wallet_address, last_seen_at, created_at FROM sessions WHERE chat_id = ?`

	var rec domain.SessionRecord
	var lastSeen, createdAt int64
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&rec.ChatID, &rec.WalletAddress, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", chatID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	rec.LastSeenAt = time.UnixMilli(lastSeen)
	rec.CreatedAt = time.UnixMilli(createdAt)
	return &rec, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (chat_id, wallet_address, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_id) DO UPDATE SET
		wallet_address = excluded.wallet_address,
		last_seen_at = excluded.last_seen_at`

	return s.write(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ChatID, rec.WalletAddress, rec.LastSeenAt.UnixMilli(), rec.CreatedAt.UnixMilli())
		return err
	})
}

// TouchSession updates the last_seen_at timestamp for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, chatID string, lastSeen time.Time) error {
	var rows int64
	err := s.write(ctx, "touch session", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE chat_id = ?`, lastSeen.UnixMilli(), chatID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "chat_id", chatID)
		return fmt.Errorf("session %s: %w", chatID, domain.ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session record and its repair runs.
func (s *SQLiteStore) DeleteSession(ctx context.Context, chatID string) error {
	return s.write(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM repair_runs WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// PurgeSessionsBefore removes sessions, and their runs, last seen before cutoff.
func (s *SQLiteStore) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.write(ctx, "purge sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		threshold := cutoff.UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM repair_runs WHERE chat_id IN (SELECT chat_id FROM sessions WHERE last_seen_at < ?)`, threshold); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, threshold)
		if err != nil {
			return err
		}
		if purged, err = result.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	return purged, err
}

// RecordRepairRun appends a repair run and sets its ID.
func (s *SQLiteStore) RecordRepairRun(ctx context.Context, run *domain.RepairRun) error {
	diags, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}

	query := `
	INSERT INTO repair_runs (chat_id, path, language, outcome, attempts, version_id, reason, diagnostics_json, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.write(ctx, "record repair run", func() error {
		result, err := s.db.ExecContext(ctx, query,
			run.ChatID, run.Path, run.Language, string(run.Outcome), run.Attempts,
			nullString(run.VersionID), nullString(run.Reason), string(diags),
			run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		run.ID, err = result.LastInsertId()
		return err
	})
}

// ListRepairRuns returns up to limit runs for chatID, newest first. A
// non-positive limit uses the default of 50.
func (s *SQLiteStore) ListRepairRuns(ctx context.Context, chatID string, limit int) ([]*domain.RepairRun, error) {
	if limit <= 0 {
		limit = defaultRepairListLimit
	}
	query := `
		SELECT id, chat_id, path, language, outcome, attempts, version_id, reason,
		       diagnostics_json, started_at, finished_at
		FROM repair_runs WHERE chat_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query repair runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close repair run rows", "error", closeErr)
		}
	}()

	var runs []*domain.RepairRun
	for rows.Next() {
		var run domain.RepairRun
		var outcome string
		var versionID, reason, diags sql.NullString
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&run.ID, &run.ChatID, &run.Path, &run.Language, &outcome, &run.Attempts,
			&versionID, &reason, &diags, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repair run row: %w", err)
		}
		run.Outcome = domain.Outcome(outcome)
		run.VersionID = versionID.String
		run.Reason = reason.String
		run.StartedAt = time.UnixMilli(startedAt)
		run.FinishedAt = time.UnixMilli(finishedAt)
		if diags.Valid && diags.String != "" && diags.String != "null" {
			if err := json.Unmarshal([]byte(diags.String), &run.Diagnostics); err != nil {
				return nil, fmt.Errorf("decode diagnostics of run %d: %w", run.ID, err)
			}
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repair runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := withConflictRetry(ctx, op, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
