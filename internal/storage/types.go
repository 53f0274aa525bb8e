package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures attempt persistence.
//
// Driver values:
//   - "memory": in-process map, lost on restart
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Attempt statuses.
const (
	StatusInProgress = "in_progress"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// ChannelAttempt is the per-channel slice of one attempt record.
type ChannelAttempt struct {
	Channel  string    `json:"channel"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// AttemptRecord is one logical delivery attempt. The engine keeps exactly one
// record per dispatch; there is no replay of undelivered messages beyond it.
type AttemptRecord struct {
	ID            string
	Recipient     string
	Type          string
	Priority      string
	Status        string
	Channels      []ChannelAttempt
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// AttemptUpdate finalizes an attempt record.
type AttemptUpdate struct {
	Status        string
	Channels      []ChannelAttempt
	LastAttemptAt time.Time
}

// AuditEntry records an operator action (e.g. a forced transport override).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	Reason string
}
