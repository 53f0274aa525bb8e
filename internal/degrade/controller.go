// Package degrade derives a process-wide degradation level from periodic
// health samples and maps it to per-feature fallback strategies.
//
// Level increases take effect on the next monitoring tick. Decreases only
// happen on the slower recovery tick, one step at a time, and only after the
// samples stayed below the current level for the whole recovery interval.
// The asymmetry prevents flapping under noisy load.
package degrade

import (
	"context"
	"runtime"
	"sync"
	"time"

	"notifyd/pkg/logx"
)

// Sample is one periodic health reading.
type Sample struct {
	ErrorRate     float64 // 0..1
	LatencyMS     float64
	CPUPercent    float64
	MemoryPercent float64
	At            time.Time
}

// Thresholds for one level. A zero value disables that metric for the level.
type Thresholds struct {
	ErrorRate     float64
	LatencyMS     float64
	CPUPercent    float64
	MemoryPercent float64
}

func (t Thresholds) crossed(s Sample) bool {
	if t.ErrorRate > 0 && s.ErrorRate >= t.ErrorRate {
		return true
	}
	if t.LatencyMS > 0 && s.LatencyMS >= t.LatencyMS {
		return true
	}
	if t.CPUPercent > 0 && s.CPUPercent >= t.CPUPercent {
		return true
	}
	if t.MemoryPercent > 0 && s.MemoryPercent >= t.MemoryPercent {
		return true
	}
	return false
}

// Config holds the controller's threshold tables and tick intervals.
type Config struct {
	MonitoringInterval    time.Duration
	RecoveryCheckInterval time.Duration

	Minor    Thresholds
	Moderate Thresholds
	Severe   Thresholds
	Critical Thresholds
}

func (c Config) withDefaults() Config {
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 15 * time.Second
	}
	if c.RecoveryCheckInterval <= 0 {
		c.RecoveryCheckInterval = time.Minute
	}
	zero := Thresholds{}
	if c.Minor == zero && c.Moderate == zero && c.Severe == zero && c.Critical == zero {
		c.Minor = Thresholds{ErrorRate: 0.05, LatencyMS: 1000, CPUPercent: 70, MemoryPercent: 75}
		c.Moderate = Thresholds{ErrorRate: 0.10, LatencyMS: 2500, CPUPercent: 80, MemoryPercent: 85}
		c.Severe = Thresholds{ErrorRate: 0.20, LatencyMS: 5000, CPUPercent: 90, MemoryPercent: 92}
		c.Critical = Thresholds{ErrorRate: 0.50, LatencyMS: 10000, CPUPercent: 97, MemoryPercent: 97}
	}
	return c
}

// Classify maps a sample to the highest level any metric crosses
// (worst-metric-wins).
func (c Config) Classify(s Sample) Level {
	switch {
	case c.Critical.crossed(s):
		return LevelCritical
	case c.Severe.crossed(s):
		return LevelSevere
	case c.Moderate.crossed(s):
		return LevelModerate
	case c.Minor.crossed(s):
		return LevelMinor
	default:
		return LevelNone
	}
}

// Sampler produces health readings for the monitoring loop.
type Sampler interface {
	Sample(ctx context.Context) Sample
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) Sample

func (f SamplerFunc) Sample(ctx context.Context) Sample { return f(ctx) }

// Controller holds the current degradation level.
//
// Constructed once at process start and passed by handle to the rate limiter
// and dispatcher; tests substitute their own instance.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	level      Level
	belowSince time.Time
	lastSample Sample

	log      logx.Logger
	nowFunc  func() time.Time
	onChange func(from, to Level)
}

// Option configures a Controller.
type Option func(*Controller)

// WithNowFunc injects a clock for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = f }
}

// WithOnChange sets a callback invoked outside the lock on level changes.
func WithOnChange(f func(from, to Level)) Option {
	return func(c *Controller) { c.onChange = f }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "degrade")),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply swaps the threshold tables (hot reload). Intervals take effect on the
// next Run.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Level returns the current degradation level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Multiplier returns the rate-limit factor for the current level.
func (c *Controller) Multiplier() float64 { return c.Level().Multiplier() }

// LastSample returns the most recent health reading.
func (c *Controller) LastSample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample
}

// Observe feeds one sample (one monitoring tick). Increases apply
// immediately; decreases are deferred to RecoveryCheck.
func (c *Controller) Observe(s Sample) Level {
	now := c.nowFunc()
	if s.At.IsZero() {
		s.At = now
	}

	c.mu.Lock()
	c.lastSample = s
	lvl := c.cfg.Classify(s)
	var tr transition
	switch {
	case lvl > c.level:
		tr = c.setLevelLocked(lvl)
		c.belowSince = time.Time{}
	case lvl < c.level:
		if c.belowSince.IsZero() {
			c.belowSince = now
		}
	default:
		// A spike back to the current level resets the improvement streak.
		c.belowSince = time.Time{}
	}
	cur := c.level
	c.mu.Unlock()
	tr.fire()
	return cur
}

// RecoveryCheck lowers the level one step if samples stayed below it for the
// whole recovery interval. Called on the slower recovery tick.
func (c *Controller) RecoveryCheck() Level {
	now := c.nowFunc()

	c.mu.Lock()
	var tr transition
	if c.level > LevelNone && !c.belowSince.IsZero() && now.Sub(c.belowSince) >= c.cfg.RecoveryCheckInterval {
		tr = c.setLevelLocked(c.level - 1)
		// Restart the streak so further lowering needs another full interval.
		c.belowSince = now
	}
	cur := c.level
	c.mu.Unlock()
	tr.fire()
	return cur
}

// Run samples health on the monitoring interval and evaluates recovery on the
// recovery interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, sampler Sampler) {
	if sampler == nil {
		return
	}
	c.mu.Lock()
	monEvery := c.cfg.MonitoringInterval
	recEvery := c.cfg.RecoveryCheckInterval
	c.mu.Unlock()

	mon := time.NewTicker(monEvery)
	rec := time.NewTicker(recEvery)
	defer mon.Stop()
	defer rec.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mon.C:
			sctx, cancel := context.WithTimeout(ctx, monEvery)
			s := sampler.Sample(sctx)
			cancel()
			c.Observe(s)
		case <-rec.C:
			c.RecoveryCheck()
		}
	}
}

type transition struct {
	from, to Level
	callback func(from, to Level)
}

func (t transition) fire() {
	if t.callback != nil {
		t.callback(t.from, t.to)
	}
}

// setLevelLocked records the change under lock and returns a transition to
// fire after release. Caller MUST hold c.mu.
func (c *Controller) setLevelLocked(to Level) transition {
	from := c.level
	c.level = to
	if from == to {
		return transition{}
	}
	c.log.Warn("degradation level changed",
		logx.String("from", from.String()), logx.String("to", to.String()))
	if c.onChange != nil {
		return transition{from: from, to: to, callback: c.onChange}
	}
	return transition{}
}

// MemoryPercent estimates heap usage against the next GC target. It is a
// coarse signal but cheap and dependency-free.
func MemoryPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.NextGC == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.NextGC) * 100
}
