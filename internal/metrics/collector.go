// Package metrics aggregates delivery outcomes into running counters, keeps a
// bounded snapshot history, and evaluates anomaly rules over snapshots.
package metrics

import (
	"sync"
	"time"
)

// ChannelOutcome is the per-channel slice of one delivery outcome.
type ChannelOutcome struct {
	Channel string
	Success bool
}

// Outcome is one finished dispatch fed into the collector.
type Outcome struct {
	Success  bool
	Channels []ChannelOutcome
	Type     string
	Priority string
	Duration time.Duration
}

// Counter is a sent/succeeded/failed triple.
type Counter struct {
	Sent      uint64 `json:"sent"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

func (c *Counter) add(success bool) {
	c.Sent++
	if success {
		c.Succeeded++
	} else {
		c.Failed++
	}
}

// Snapshot is a point-in-time aggregate view. Appended to the bounded history
// on every collection tick.
type Snapshot struct {
	At time.Time `json:"at"`

	Total       uint64  `json:"total"`
	Succeeded   uint64  `json:"succeeded"`
	Failed      uint64  `json:"failed"`
	Throttled   uint64  `json:"throttled"`
	SuccessRate float64 `json:"success_rate"`

	// MeanDurationMS is an incremental mean over all recorded dispatches.
	MeanDurationMS float64 `json:"mean_duration_ms"`

	ByChannel  map[string]Counter `json:"by_channel"`
	ByType     map[string]Counter `json:"by_type"`
	ByPriority map[string]Counter `json:"by_priority"`

	DegradationLevel string `json:"degradation_level"`
	RateAllowed      uint64 `json:"rate_allowed"`
	RateBlocked      uint64 `json:"rate_blocked"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Collector is process-wide shared mutable state; every update goes through
// its mutex so concurrent dispatches never race on the aggregates.
type Collector struct {
	mu sync.Mutex

	total     uint64
	succeeded uint64
	failed    uint64
	throttled uint64

	meanMS  float64
	samples uint64

	byChannel  map[string]*Counter
	byType     map[string]*Counter
	byPriority map[string]*Counter

	nowFunc      func() time.Time
	levelSource  func() string
	rateSource   func() (allowed, blocked uint64)
	healthSource func() (cpu, mem float64)
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithNowFunc injects a clock for tests.
func WithNowFunc(f func() time.Time) CollectorOption {
	return func(c *Collector) { c.nowFunc = f }
}

// WithLevelSource wires the degradation controller's current level into
// snapshots.
func WithLevelSource(f func() string) CollectorOption {
	return func(c *Collector) { c.levelSource = f }
}

// WithRateSource wires the rate limiter's allow/block counters into snapshots.
func WithRateSource(f func() (allowed, blocked uint64)) CollectorOption {
	return func(c *Collector) { c.rateSource = f }
}

// WithHealthSource wires cpu/memory readings into snapshots.
func WithHealthSource(f func() (cpu, mem float64)) CollectorOption {
	return func(c *Collector) { c.healthSource = f }
}

func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		byChannel:  map[string]*Counter{},
		byType:     map[string]*Counter{},
		byPriority: map[string]*Counter{},
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record folds one dispatch outcome into the running aggregates using an
// incremental mean, so no per-sample history is retained.
func (c *Collector) Record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if o.Success {
		c.succeeded++
	} else {
		c.failed++
	}

	c.samples++
	x := float64(o.Duration.Milliseconds())
	c.meanMS += (x - c.meanMS) / float64(c.samples)

	for _, ch := range o.Channels {
		c.counterLocked(c.byChannel, ch.Channel).add(ch.Success)
	}
	if o.Type != "" {
		c.counterLocked(c.byType, o.Type).add(o.Success)
	}
	if o.Priority != "" {
		c.counterLocked(c.byPriority, o.Priority).add(o.Success)
	}
}

// RecordThrottle counts an admission block. Throttled requests are a distinct
// outcome, never a failed dispatch.
func (c *Collector) RecordThrottle() {
	c.mu.Lock()
	c.throttled++
	c.mu.Unlock()
}

// ErrorStats returns the failure rate and mean duration for health sampling.
func (c *Collector) ErrorStats() (errorRate, meanDurationMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total > 0 {
		errorRate = float64(c.failed) / float64(c.total)
	}
	return errorRate, c.meanMS
}

// Snapshot copies the aggregates. Replaying the same outcomes into a fresh
// collector yields the same snapshot (deterministic aggregation).
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		At:             c.nowFunc(),
		Total:          c.total,
		Succeeded:      c.succeeded,
		Failed:         c.failed,
		Throttled:      c.throttled,
		MeanDurationMS: c.meanMS,
		ByChannel:      copyCounters(c.byChannel),
		ByType:         copyCounters(c.byType),
		ByPriority:     copyCounters(c.byPriority),
	}
	c.mu.Unlock()

	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	if c.levelSource != nil {
		s.DegradationLevel = c.levelSource()
	}
	if c.rateSource != nil {
		s.RateAllowed, s.RateBlocked = c.rateSource()
	}
	if c.healthSource != nil {
		s.CPUPercent, s.MemoryPercent = c.healthSource()
	}
	return s
}

// Reset clears all aggregates (administrative operation).
func (c *Collector) Reset() {
	c.mu.Lock()
	c.total, c.succeeded, c.failed, c.throttled = 0, 0, 0, 0
	c.meanMS, c.samples = 0, 0
	c.byChannel = map[string]*Counter{}
	c.byType = map[string]*Counter{}
	c.byPriority = map[string]*Counter{}
	c.mu.Unlock()
}

func (c *Collector) counterLocked(m map[string]*Counter, key string) *Counter {
	ct := m[key]
	if ct == nil {
		ct = &Counter{}
		m[key] = ct
	}
	return ct
}

func copyCounters(m map[string]*Counter) map[string]Counter {
	out := make(map[string]Counter, len(m))
	for k, v := range m {
		out[k] = *v
	}
	return out
}
