package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"notifyd/pkg/logx"
)

// MonitorConfig controls the periodic collection tick.
type MonitorConfig struct {
	// Schedule is a cron spec ("*/1 * * * *", "@every 30s", ...).
	Schedule    string
	HistorySize int
	Anomaly     AnomalyConfig
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 30s"
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	return c
}

// Monitor runs the collection tick: snapshot the collector, append to the
// bounded history, evaluate anomaly rules, and hand anomalies to the sink.
type Monitor struct {
	mu   sync.Mutex
	cfg  MonitorConfig
	coll *Collector
	hist *Ring
	log  logx.Logger

	c *cron.Cron

	onAnomaly func(Anomaly)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithAnomalySink sets the callback receiving every detected anomaly
// (e.g. a bus publish). Called from the cron goroutine.
func WithAnomalySink(f func(Anomaly)) MonitorOption {
	return func(m *Monitor) { m.onAnomaly = f }
}

func NewMonitor(cfg MonitorConfig, coll *Collector, log logx.Logger, opts ...MonitorOption) *Monitor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		cfg:  cfg,
		coll: coll,
		hist: NewRing(cfg.HistorySize),
		log:  log.With(logx.String("comp", "metrics")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// History returns the bounded snapshot history.
func (m *Monitor) History() *Ring { return m.hist }

// Current takes a fresh snapshot without recording it into the history.
func (m *Monitor) Current() Snapshot { return m.coll.Snapshot() }

// Tick performs one collection pass. Exposed for on-demand collection and
// tests; Start runs it on the configured schedule.
func (m *Monitor) Tick() []Anomaly {
	snap := m.coll.Snapshot()
	m.hist.Add(snap)

	m.mu.Lock()
	cfg := m.cfg.Anomaly
	sink := m.onAnomaly
	m.mu.Unlock()

	anomalies := Detect(cfg, snap)
	for _, a := range anomalies {
		m.log.Warn("anomaly detected",
			logx.String("code", a.Code),
			logx.String("severity", a.Severity),
			logx.String("desc", a.Description))
		if sink != nil {
			sink(a)
		}
	}
	return anomalies
}

// Start registers the collection tick with a cron runner. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.Schedule, func() {
		select {
		case <-ctx.Done():
		default:
			m.Tick()
		}
	}); err != nil {
		return fmt.Errorf("metrics schedule %q: %w", m.cfg.Schedule, err)
	}
	c.Start()
	m.c = c
	return nil
}

// Stop halts the collection schedule and waits for an in-flight tick.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
