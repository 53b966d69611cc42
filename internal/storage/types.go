package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Run records one firing outcome. Keep it compact and schema-stable.
type Run struct {
	ID       int64         `json:"id"`
	JobID    string        `json:"job_id"`
	PlanID   string        `json:"plan_id"`
	At       time.Time     `json:"at"` // planned firing time
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Run outcomes.
const (
	OutcomeFired     = "fired"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)
