package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryStore keeps records in process memory. Used by tests and deployments
// that only need the in-flight view.
type memoryStore struct {
	mu       sync.Mutex
	attempts map[string]AttemptRecord
	audits   []AuditEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{attempts: map[string]AttemptRecord{}}
}

func (s *memoryStore) CreateAttempt(_ context.Context, rec AttemptRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("attempt id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[rec.ID]; exists {
		return fmt.Errorf("attempt %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.attempts[rec.ID] = rec
	return nil
}

func (s *memoryStore) UpdateAttempt(_ context.Context, id string, upd AttemptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attempts[id]
	if !ok {
		return fmt.Errorf("attempt %s not found", id)
	}
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.Channels != nil {
		rec.Channels = append([]ChannelAttempt(nil), upd.Channels...)
	}
	if !upd.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = upd.LastAttemptAt
	}
	s.attempts[id] = rec
	return nil
}

func (s *memoryStore) GetAttempt(_ context.Context, id string) (AttemptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attempts[id]
	return rec, ok, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audits = append(s.audits, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

// Audits returns a copy of recorded audit entries (test helper).
func (s *memoryStore) Audits() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audits...)
}
