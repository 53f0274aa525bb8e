package config

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/breaker"
	"notifyd/internal/degrade"
	"notifyd/internal/metrics"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
)

// Config is the full engine configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at load time instead of
// silently falling back to defaults.
type Config struct {
	Logging  LoggingConfig    `json:"logging"`
	Storage  *StorageConfig   `json:"storage,omitempty"`
	Limits   LimitsConfig     `json:"limits"`
	Breakers BreakersConfig   `json:"breakers"`
	Degrade  DegradeConfig    `json:"degradation"`
	Metrics  MetricsConfig    `json:"metrics"`
	Dispatch DispatchConfig   `json:"dispatch"`
	Alerting *AlertingConfig  `json:"alerting,omitempty"`
	Admin    *AdminConfig     `json:"admin,omitempty"`
	Tmpl     []TemplateConfig `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional attempt/audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LimitConfig is one admission window.
type LimitConfig struct {
	Window      string `json:"window"`
	MaxRequests int    `json:"max_requests"`
}

// LimitsConfig configures admission control. An omitted or zero limit
// disables that namespace.
type LimitsConfig struct {
	Global     LimitConfig            `json:"global"`
	PerUser    LimitConfig            `json:"per_user"`
	PerChannel map[string]LimitConfig `json:"per_channel,omitempty"`
}

// BreakerConfig is one circuit breaker profile.
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int    `json:"half_open_max_calls,omitempty"`
	MonitoringPeriod string `json:"monitoring_period,omitempty"`
}

// BreakersConfig sets the default breaker profile plus per-dependency
// overrides keyed by dependency name (push, stream, email, sms, ...).
// Disabled turns every breaker into a pass-through.
type BreakersConfig struct {
	Default  BreakerConfig            `json:"default"`
	PerKey   map[string]BreakerConfig `json:"per_key,omitempty"`
	Disabled bool                     `json:"disabled,omitempty"`
}

// ThresholdsConfig is one degradation trigger row. Zero values disable the
// corresponding metric.
type ThresholdsConfig struct {
	ErrorRate     float64 `json:"error_rate,omitempty"`
	LatencyMS     float64 `json:"latency_ms,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

type DegradeConfig struct {
	MonitoringInterval    string           `json:"monitoring_interval,omitempty"`
	RecoveryCheckInterval string           `json:"recovery_check_interval,omitempty"`
	Minor                 ThresholdsConfig `json:"minor,omitempty"`
	Moderate              ThresholdsConfig `json:"moderate,omitempty"`
	Severe                ThresholdsConfig `json:"severe,omitempty"`
	Critical              ThresholdsConfig `json:"critical,omitempty"`
}

type AnomalyConfig struct {
	MinSamples          uint64  `json:"min_samples,omitempty"`
	SuccessRateBelow    float64 `json:"success_rate_below,omitempty"`
	MeanDurationMSAbove float64 `json:"mean_duration_ms_above,omitempty"`
	CPUPercentAbove     float64 `json:"cpu_percent_above,omitempty"`
	MemoryPercentAbove  float64 `json:"memory_percent_above,omitempty"`
	ThrottledAbove      uint64  `json:"throttled_above,omitempty"`
}

type MetricsConfig struct {
	// Schedule is a cron spec (e.g. "@every 30s").
	Schedule    string        `json:"schedule,omitempty"`
	HistorySize int           `json:"history_size,omitempty"`
	Anomaly     AnomalyConfig `json:"anomaly,omitempty"`
}

// RetryConfig is one channel's retry policy.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Jitter      bool    `json:"jitter,omitempty"`
	CallTimeout string  `json:"call_timeout,omitempty"`
	// RatePerSec paces calls to the dependency. 0 disables pacing.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type DispatchConfig struct {
	// Retry maps channel names to retry profiles; "default" applies to
	// channels without their own entry.
	Retry           map[string]RetryConfig `json:"retry,omitempty"`
	MaxPayloadBytes int                    `json:"max_payload_bytes,omitempty"`
}

// AlertingConfig controls the operator alert bridge.
type AlertingConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// MinSeverity filters bus events: "warning" or "critical".
	MinSeverity string  `json:"min_severity,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

// AdminConfig controls the operational HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
//   - If you bind to a non-loopback address, set a token.
type AdminConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default: "127.0.0.1:8686"
	Token        string `json:"token,omitempty"` // optional bearer token (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TemplateConfig seeds the template store at startup.
type TemplateConfig struct {
	Name   string   `json:"name"`
	Body   string   `json:"body"`
	Keys   []string `json:"keys,omitempty"`
	Active *bool    `json:"active,omitempty"`
}

// The To* helpers translate string-duration config sections into the domain
// packages' typed configs. They validate as they go; an error names the
// offending field path.

func (c LimitConfig) toLimit(path string) (ratelimit.Limit, error) {
	w, err := ParseDurationField(path+".window", c.Window)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	return ratelimit.Limit{Window: w, MaxRequests: c.MaxRequests}, nil
}

func (c LimitsConfig) ToRules() (ratelimit.Rules, error) {
	var rules ratelimit.Rules
	var err error
	if rules.Global, err = c.Global.toLimit("limits.global"); err != nil {
		return rules, err
	}
	if rules.PerUser, err = c.PerUser.toLimit("limits.per_user"); err != nil {
		return rules, err
	}
	if len(c.PerChannel) > 0 {
		rules.PerChannel = make(map[string]ratelimit.Limit, len(c.PerChannel))
		for name, lc := range c.PerChannel {
			l, err := lc.toLimit("limits.per_channel." + name)
			if err != nil {
				return rules, err
			}
			rules.PerChannel[strings.ToLower(name)] = l
		}
	}
	return rules, nil
}

func (c BreakerConfig) toBreaker(path string) (breaker.Config, error) {
	rt, err := ParseDurationField(path+".recovery_timeout", c.RecoveryTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	mp, err := ParseDurationField(path+".monitoring_period", c.MonitoringPeriod)
	if err != nil {
		return breaker.Config{}, err
	}
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  rt,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
		MonitoringPeriod: mp,
	}, nil
}

func (c BreakersConfig) ToBreakers() (breaker.Config, map[string]breaker.Config, error) {
	def, err := c.Default.toBreaker("breakers.default")
	if err != nil {
		return breaker.Config{}, nil, err
	}
	var perKey map[string]breaker.Config
	if len(c.PerKey) > 0 {
		perKey = make(map[string]breaker.Config, len(c.PerKey))
		for name, bc := range c.PerKey {
			b, err := bc.toBreaker("breakers.per_key." + name)
			if err != nil {
				return breaker.Config{}, nil, err
			}
			perKey[strings.ToLower(name)] = b
		}
	}
	return def, perKey, nil
}

func (t ThresholdsConfig) toThresholds() degrade.Thresholds {
	return degrade.Thresholds{
		ErrorRate:     t.ErrorRate,
		LatencyMS:     t.LatencyMS,
		CPUPercent:    t.CPUPercent,
		MemoryPercent: t.MemoryPercent,
	}
}

func (c DegradeConfig) ToDegrade() (degrade.Config, error) {
	mi, err := ParseDurationField("degradation.monitoring_interval", c.MonitoringInterval)
	if err != nil {
		return degrade.Config{}, err
	}
	ri, err := ParseDurationField("degradation.recovery_check_interval", c.RecoveryCheckInterval)
	if err != nil {
		return degrade.Config{}, err
	}
	return degrade.Config{
		MonitoringInterval:    mi,
		RecoveryCheckInterval: ri,
		Minor:                 c.Minor.toThresholds(),
		Moderate:              c.Moderate.toThresholds(),
		Severe:                c.Severe.toThresholds(),
		Critical:              c.Critical.toThresholds(),
	}, nil
}

func (c MetricsConfig) ToMonitor() metrics.MonitorConfig {
	return metrics.MonitorConfig{
		Schedule:    c.Schedule,
		HistorySize: c.HistorySize,
		Anomaly: metrics.AnomalyConfig{
			MinSamples:          c.Anomaly.MinSamples,
			SuccessRateBelow:    c.Anomaly.SuccessRateBelow,
			MeanDurationMSAbove: c.Anomaly.MeanDurationMSAbove,
			CPUPercentAbove:     c.Anomaly.CPUPercentAbove,
			MemoryPercentAbove:  c.Anomaly.MemoryPercentAbove,
			ThrottledAbove:      c.Anomaly.ThrottledAbove,
		},
	}
}

func (c *StorageConfig) ToStorage() (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: bt}, nil
}

// Validate performs the structural checks that do not need live
// collaborators. It is also the hot-reload validation hook.
func (c *Config) Validate() error {
	if _, err := c.Limits.ToRules(); err != nil {
		return err
	}
	if _, _, err := c.Breakers.ToBreakers(); err != nil {
		return err
	}
	if _, err := c.Degrade.ToDegrade(); err != nil {
		return err
	}
	if _, err := c.Storage.ToStorage(); err != nil {
		return err
	}
	for name, rc := range c.Dispatch.Retry {
		path := "dispatch.retry." + name
		if _, err := ParseDurationField(path+".base_delay", rc.BaseDelay); err != nil {
			return err
		}
		if _, err := ParseDurationField(path+".max_delay", rc.MaxDelay); err != nil {
			return err
		}
		if _, err := ParseDurationField(path+".call_timeout", rc.CallTimeout); err != nil {
			return err
		}
	}
	if c.Alerting != nil && c.Alerting.Enabled {
		if strings.TrimSpace(c.Alerting.Token) == "" {
			return fmt.Errorf("alerting.token is required when alerting is enabled")
		}
		if c.Alerting.ChatID == 0 {
			return fmt.Errorf("alerting.chat_id is required when alerting is enabled")
		}
		switch strings.ToLower(strings.TrimSpace(c.Alerting.MinSeverity)) {
		case "", "warning", "critical":
		default:
			return fmt.Errorf("alerting.min_severity must be %q or %q", "warning", "critical")
		}
	}
	for i, t := range c.Tmpl {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("templates[%d].name is required", i)
		}
		if strings.TrimSpace(t.Body) == "" {
			return fmt.Errorf("templates[%d].body is required", i)
		}
	}
	return nil
}

// RetryFor resolves the retry profile for a channel, falling back to the
// "default" entry and then to zero (domain defaults apply downstream).
func (c DispatchConfig) RetryFor(channel string) RetryConfig {
	if rc, ok := c.Retry[channel]; ok {
		return rc
	}
	return c.Retry["default"]
}

// Delay helpers for the resolved retry profile.

func (r RetryConfig) BaseDelayOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", r.BaseDelay, def)
	if err != nil {
		return def
	}
	return d
}

func (r RetryConfig) MaxDelayOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", r.MaxDelay, def)
	if err != nil {
		return def
	}
	return d
}

func (r RetryConfig) CallTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", r.CallTimeout, def)
	if err != nil {
		return def
	}
	return d
}
