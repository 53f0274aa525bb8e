// Package notify implements the multi-channel notification delivery engine:
// template-gated dispatch, per-channel retry with backoff behind circuit
// breakers, degradation-aware admission, and aggregate result reporting.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel is one concrete delivery mechanism.
type Channel string

const (
	ChannelPush   Channel = "push"   // realtime push provider
	ChannelStream Channel = "stream" // fallback streaming transport
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelStream, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// Realtime reports whether the channel is served by the transport selector.
func (c Channel) Realtime() bool { return c == ChannelPush || c == ChannelStream }

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("invalid channel name %q", s)
	}
	return c, nil
}

// Priority orders notifications from low to critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Meta carries request provenance for auditing.
type Meta struct {
	Origin    string
	SourceIP  string
	UserAgent string
}

// Notification is the immutable dispatch input.
//
// Data is schema-less at this boundary; concrete template renderers declare
// the keys they read and validate them at render time.
type Notification struct {
	Recipient string
	Type      string
	Priority  Priority
	Title     string
	Body      string
	Link      string
	Channels  []Channel
	// Templates maps channels that require one to a template reference.
	Templates map[Channel]string
	Data      map[string]any
	Meta      Meta
}

// Wants reports whether ch is among the requested channels.
func (n *Notification) Wants(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// ChannelResult is produced exactly once per attempted channel, never for
// channels that were not attempted.
type ChannelResult struct {
	Channel  Channel   `json:"channel"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Response string    `json:"response,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Result is the aggregate outcome of one dispatch. Overall success is the
// logical OR over all channel results: partial delivery is still a success,
// with per-channel detail preserved.
type Result struct {
	AttemptID string          `json:"attempt_id"`
	Success   bool            `json:"success"`
	Channels  []ChannelResult `json:"channel_results"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Sentinel outcomes distinct from delivery failure.
var (
	// ErrThrottled means admission control blocked the request before any
	// channel was considered.
	ErrThrottled = errors.New("notification throttled")
	// ErrDegraded means the degradation controller rejected non-essential
	// work at the current level.
	ErrDegraded = errors.New("notification rejected under degradation")
)

// EmailSender is the external email collaborator.
type EmailSender interface {
	Send(ctx context.Context, recipient, templateRef string, data map[string]any) error
}

// SMSSender is the external SMS collaborator.
type SMSSender interface {
	Send(ctx context.Context, recipient, body string) error
}

// PipelineEvent is the bus payload for notification lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type PipelineEvent struct {
	AttemptID string            `json:"attempt_id,omitempty"`
	Recipient string            `json:"recipient"`
	Type      string            `json:"type"`
	Priority  string            `json:"priority,omitempty"`
	Succeeded []Channel         `json:"succeeded,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	At        time.Time         `json:"at"`
}
