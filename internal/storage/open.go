// Package storage persists delivery attempt records and the operator audit
// log. It is an external collaborator of the dispatch pipeline: persistence
// failures are logged by callers but never mask a delivery outcome.
package storage

import (
	"context"
	"errors"
	"strings"

	"notifyd/pkg/logx"
)

// Store is the minimal persistence API used by the dispatcher and the admin
// surface.
type Store interface {
	CreateAttempt(ctx context.Context, rec AttemptRecord) error
	UpdateAttempt(ctx context.Context, id string, upd AttemptUpdate) error
	GetAttempt(ctx context.Context, id string) (AttemptRecord, bool, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return newMemoryStore(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
