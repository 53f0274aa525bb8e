package metrics

import (
	"fmt"
	"time"
)

// Anomaly severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Anomaly is a detected irregularity in a snapshot. Anomalies are reported,
// not auto-remediated.
type Anomaly struct {
	Code        string    `json:"code"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Value       float64   `json:"value"`
	At          time.Time `json:"at"`
}

// AnomalyConfig holds detection thresholds. Zero values disable a rule.
type AnomalyConfig struct {
	// MinSamples gates the success-rate rule so a handful of early failures
	// does not trip it.
	MinSamples          uint64
	SuccessRateBelow    float64
	MeanDurationMSAbove float64
	CPUPercentAbove     float64
	MemoryPercentAbove  float64
	ThrottledAbove      uint64
}

func (c AnomalyConfig) withDefaults() AnomalyConfig {
	if c.MinSamples == 0 {
		c.MinSamples = 20
	}
	if c.SuccessRateBelow == 0 {
		c.SuccessRateBelow = 0.80
	}
	if c.MeanDurationMSAbove == 0 {
		c.MeanDurationMSAbove = 5000
	}
	if c.CPUPercentAbove == 0 {
		c.CPUPercentAbove = 90
	}
	if c.MemoryPercentAbove == 0 {
		c.MemoryPercentAbove = 90
	}
	if c.ThrottledAbove == 0 {
		c.ThrottledAbove = 100
	}
	return c
}

// Detect evaluates the anomaly rules against one snapshot.
func Detect(cfg AnomalyConfig, s Snapshot) []Anomaly {
	cfg = cfg.withDefaults()
	var out []Anomaly

	if s.Total >= cfg.MinSamples && s.SuccessRate < cfg.SuccessRateBelow {
		sev := SeverityWarning
		if s.SuccessRate < cfg.SuccessRateBelow/2 {
			sev = SeverityCritical
		}
		out = append(out, Anomaly{
			Code:        "success_rate_low",
			Severity:    sev,
			Description: fmt.Sprintf("success rate %.2f below threshold %.2f over %d dispatches", s.SuccessRate, cfg.SuccessRateBelow, s.Total),
			Value:       s.SuccessRate,
			At:          s.At,
		})
	}

	if s.MeanDurationMS > cfg.MeanDurationMSAbove {
		out = append(out, Anomaly{
			Code:        "processing_time_high",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("mean processing time %.0fms above threshold %.0fms", s.MeanDurationMS, cfg.MeanDurationMSAbove),
			Value:       s.MeanDurationMS,
			At:          s.At,
		})
	}

	if s.CPUPercent > cfg.CPUPercentAbove {
		out = append(out, Anomaly{
			Code:        "cpu_high",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("cpu usage %.1f%% above threshold %.1f%%", s.CPUPercent, cfg.CPUPercentAbove),
			Value:       s.CPUPercent,
			At:          s.At,
		})
	}

	if s.MemoryPercent > cfg.MemoryPercentAbove {
		out = append(out, Anomaly{
			Code:        "memory_high",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("memory usage %.1f%% above threshold %.1f%%", s.MemoryPercent, cfg.MemoryPercentAbove),
			Value:       s.MemoryPercent,
			At:          s.At,
		})
	}

	if s.RateBlocked > cfg.ThrottledAbove {
		out = append(out, Anomaly{
			Code:        "rate_limit_blocks_high",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%d admission checks blocked, threshold %d", s.RateBlocked, cfg.ThrottledAbove),
			Value:       float64(s.RateBlocked),
			At:          s.At,
		})
	}

	return out
}
