package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateAttempt(ctx context.Context, rec AttemptRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.ID == "" {
		return errors.New("attempt id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	channels, err := marshalChannels(rec.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempts(id, recipient, type, priority, status, channels, created_at, last_attempt_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Recipient, rec.Type, rec.Priority, rec.Status, channels,
		rec.CreatedAt.Format(time.RFC3339Nano), nullTime(rec.LastAttemptAt),
	)
	return err
}

func (s *sqliteStore) UpdateAttempt(ctx context.Context, id string, upd AttemptUpdate) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	channels, err := marshalChannels(upd.Channels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, channels = ?, last_attempt_at = ? WHERE id = ?`,
		upd.Status, channels, nullTime(upd.LastAttemptAt), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s not found", id)
	}
	return nil
}

func (s *sqliteStore) GetAttempt(ctx context.Context, id string) (AttemptRecord, bool, error) {
	if s == nil || s.db == nil {
		return AttemptRecord{}, false, ErrDisabled
	}
	var (
		rec      AttemptRecord
		channels sql.NullString
		created  string
		last     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recipient, type, priority, status, channels, created_at, last_attempt_at
		 FROM attempts WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Recipient, &rec.Type, &rec.Priority, &rec.Status, &channels, &created, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return AttemptRecord{}, false, nil
	}
	if err != nil {
		return AttemptRecord{}, false, err
	}
	if channels.Valid && channels.String != "" {
		if err := json.Unmarshal([]byte(channels.String), &rec.Channels); err != nil {
			return AttemptRecord{}, false, fmt.Errorf("attempt %s: decode channels: %w", id, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = t
	}
	if last.Valid {
		if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			rec.LastAttemptAt = t
		}
	}
	return rec, true, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, reason) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, nullStr(e.Target), nullStr(e.Reason),
	)
	return err
}

func marshalChannels(chs []ChannelAttempt) (any, error) {
	if len(chs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(chs)
	if err != nil {
		return nil, fmt.Errorf("encode channels: %w", err)
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
