package domain

import (
	"time"
)

// Version is one immutable snapshot of a file inside a session.
type Version struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
	// Seq is the append position within the owning store. It breaks
	// timestamp ties.
	Seq uint64 `json:"seq"`
}

// UnixSeconds returns the timestamp as fractional seconds since the epoch.
func (v *Version) UnixSeconds() float64 {
	return float64(v.Timestamp.UnixNano()) / float64(time.Second)
}
