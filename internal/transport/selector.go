package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/breaker"
	"notifyd/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("unknown transport kind")
	ErrNoActor     = errors.New("actor and reason are required")
)

// ForceRecord describes a manual transport override.
type ForceRecord struct {
	Kind   Kind      `json:"kind"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is the selector's snapshot for the admin surface.
type Status struct {
	Selected    Kind         `json:"selected"`
	Forced      *ForceRecord `json:"forced,omitempty"`
	PushState   ConnState    `json:"push_state"`
	PushBreaker string       `json:"push_breaker"`
}

// Selector chooses which realtime transport serves a send.
//
// Default policy: prefer the push provider while its breaker is closed or
// half-open and its connection is healthy; otherwise route to the fallback
// stream. A forced override persists until explicitly cleared and takes
// priority over the automatic policy.
type Selector struct {
	mu     sync.Mutex
	forced *ForceRecord

	push     RealtimeProvider
	stream   Publisher
	breakers *breaker.Registry
	log      logx.Logger

	// onForce is invoked after every override change (audit hook).
	onForce func(rec ForceRecord, cleared bool)
	nowFunc func() time.Time
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithAuditHook sets the callback receiving override changes.
func WithAuditHook(f func(rec ForceRecord, cleared bool)) SelectorOption {
	return func(s *Selector) { s.onForce = f }
}

// WithSelectorNowFunc injects a clock for tests.
func WithSelectorNowFunc(f func() time.Time) SelectorOption {
	return func(s *Selector) { s.nowFunc = f }
}

func NewSelector(push RealtimeProvider, stream Publisher, breakers *breaker.Registry, log logx.Logger, opts ...SelectorOption) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Selector{
		push:     push,
		stream:   stream,
		breakers: breakers,
		log:      log.With(logx.String("comp", "transport")),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the transport kind that should serve the next send.
func (s *Selector) Select() Kind {
	s.mu.Lock()
	forced := s.forced
	s.mu.Unlock()
	if forced != nil {
		return forced.Kind
	}
	if s.pushUsable() {
		return KindPush
	}
	return KindStream
}

// Publisher resolves a kind to its publisher.
func (s *Selector) Publisher(k Kind) Publisher {
	if k == KindPush {
		return s.push
	}
	return s.stream
}

// IsHealthy reports whether the push provider is currently usable.
func (s *Selector) IsHealthy() bool { return s.pushUsable() }

// ConnectionState exposes the push provider's connection lifecycle.
func (s *Selector) ConnectionState() ConnState {
	if s.push == nil {
		return StateDisconnected
	}
	return s.push.ConnectionState()
}

func (s *Selector) pushUsable() bool {
	if s.push == nil {
		return false
	}
	if !Healthy(s.push.ConnectionState()) {
		return false
	}
	// Closed and half-open both allow traffic; half-open probes are
	// bounded by the breaker itself.
	return s.breakers.Get(breaker.KeyPush).State() != breaker.StateOpen
}

// Force installs a manual override. Audited; requires actor and reason.
func (s *Selector) Force(kind Kind, actor, reason string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return ErrNoActor
	}
	rec := ForceRecord{Kind: kind, Actor: actor, Reason: reason, At: s.nowFunc()}

	s.mu.Lock()
	s.forced = &rec
	s.mu.Unlock()

	s.log.Warn("transport override forced",
		logx.String("kind", string(kind)),
		logx.String("actor", actor),
		logx.String("reason", reason))
	if s.onForce != nil {
		s.onForce(rec, false)
	}
	return nil
}

// ClearForce removes the override, returning to the automatic policy.
func (s *Selector) ClearForce(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrNoActor
	}

	s.mu.Lock()
	prev := s.forced
	s.forced = nil
	s.mu.Unlock()
	if prev == nil {
		return nil
	}

	rec := ForceRecord{Kind: prev.Kind, Actor: actor, Reason: "cleared", At: s.nowFunc()}
	s.log.Info("transport override cleared",
		logx.String("kind", string(prev.Kind)),
		logx.String("actor", actor))
	if s.onForce != nil {
		s.onForce(rec, true)
	}
	return nil
}

// Status returns a snapshot for the admin surface.
func (s *Selector) Status() Status {
	s.mu.Lock()
	var forced *ForceRecord
	if s.forced != nil {
		cp := *s.forced
		forced = &cp
	}
	s.mu.Unlock()

	return Status{
		Selected:    s.Select(),
		Forced:      forced,
		PushState:   s.ConnectionState(),
		PushBreaker: s.breakers.Get(breaker.KeyPush).State().String(),
	}
}
