// Package ratelimit implements fixed-window admission control per key.
//
// Keys are namespaced strings: "global", "user:<id>", "channel:<kind>".
// Admission happens before template validation and channel dispatch, so a
// blocked request is a distinct throttled outcome, never a failed delivery.
package ratelimit

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// KeyGlobal is the process-wide admission key.
const KeyGlobal = "global"

// UserKey builds the per-recipient admission key.
func UserKey(id string) string { return "user:" + id }

// ChannelKey builds the per-channel admission key.
func ChannelKey(kind string) string { return "channel:" + kind }

// Limit is one window configuration.
type Limit struct {
	Window      time.Duration
	MaxRequests int
}

func (l Limit) enabled() bool { return l.MaxRequests > 0 && l.Window > 0 }

// Rules maps key namespaces to limits. A zero limit disables that namespace.
type Rules struct {
	Global     Limit
	PerUser    Limit
	PerChannel map[string]Limit // keyed by channel kind
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter is process-wide shared state; all mutations go through its mutex.
// The degradation multiplier shrinks effective limits under load shedding.
type Limiter struct {
	mu      sync.Mutex
	rules   Rules
	buckets map[string]*bucket

	// multiplier returns the degradation factor in (0,1]; nil means 1.0.
	multiplier func() float64
	nowFunc    func() time.Time

	allowed atomic.Uint64
	blocked atomic.Uint64

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMultiplier injects the degradation multiplier source.
func WithMultiplier(f func() float64) Option {
	return func(l *Limiter) { l.multiplier = f }
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = f }
}

func New(rules Rules, opts ...Option) *Limiter {
	l := &Limiter{
		rules:      rules,
		buckets:    map[string]*bucket{},
		nowFunc:    time.Now,
		pruneEvery: 512,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply swaps the rules (hot reload). Existing buckets keep their windows.
func (l *Limiter) Apply(rules Rules) {
	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()
}

// Admit checks and consumes one slot for key. Buckets are created lazily and
// rotate when their window elapses. A block only increments the blocked
// counter; it has no other side effects.
func (l *Limiter) Admit(key string) Decision {
	lim, ok := l.limitFor(key)
	if !ok {
		// No limit configured for this namespace: always admit.
		l.allowed.Add(1)
		return Decision{Allowed: true, Remaining: -1}
	}

	max := l.effectiveMax(lim.MaxRequests)
	now := l.nowFunc()

	l.mu.Lock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	if now.Sub(b.windowStart) >= lim.Window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= max {
		retry := lim.Window - now.Sub(b.windowStart)
		l.mu.Unlock()
		l.blocked.Add(1)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}
	b.count++
	remaining := max - b.count
	l.mu.Unlock()

	l.allowed.Add(1)
	if l.opCount.Add(1)%l.pruneEvery == 0 {
		l.prune(now)
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// Counters returns cumulative allowed/blocked admission counts.
func (l *Limiter) Counters() (allowed, blocked uint64) {
	return l.allowed.Load(), l.blocked.Load()
}

func (l *Limiter) limitFor(key string) (Limit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitForLocked(key)
}

// effectiveMax applies the degradation multiplier, never dropping below 1.
func (l *Limiter) effectiveMax(max int) int {
	if l.multiplier == nil {
		return max
	}
	m := l.multiplier()
	if m >= 1 || m <= 0 {
		return max
	}
	eff := int(float64(max) * m)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// prune drops buckets whose window elapsed more than one window ago.
func (l *Limiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		lim, ok := l.limitForLocked(key)
		if !ok || now.Sub(b.windowStart) > 2*lim.Window {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) limitForLocked(key string) (Limit, bool) {
	switch {
	case key == KeyGlobal:
		return l.rules.Global, l.rules.Global.enabled()
	case strings.HasPrefix(key, "user:"):
		return l.rules.PerUser, l.rules.PerUser.enabled()
	case strings.HasPrefix(key, "channel:"):
		lim, ok := l.rules.PerChannel[strings.TrimPrefix(key, "channel:")]
		return lim, ok && lim.enabled()
	}
	return Limit{}, false
}
