// Package domain contains core domain types for the contract forge server.
package domain

import (
	"time"
)

// SessionRecord is the persisted metadata of a conversation session.
// File history is never persisted; only what the idle reaper needs.
type SessionRecord struct {
	ChatID        string    `json:"chat_id"`
	WalletAddress string    `json:"wallet_address"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// IdleFor returns how long the session has been idle at now.
func (r *SessionRecord) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(r.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}

// RepairRun is the audit row written once per finished repair cycle.
type RepairRun struct {
	ID          int64        `json:"id"`
	ChatID      string       `json:"chat_id"`
	Path        string       `json:"path"`
	Language    string       `json:"language"`
	Outcome     Outcome      `json:"outcome"`
	Attempts    int          `json:"attempts"`
	VersionID   string       `json:"version_id,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}
