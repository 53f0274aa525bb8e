package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/breaker"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// RetryPolicy bounds one channel's delivery attempts.
//
// The delay before attempt n+1 is BaseDelay * Multiplier^(n-1), with optional
// 0.7..1.3 jitter, capped at MaxDelay. Each individual try is bounded by
// CallTimeout; a timed-out try counts as a failure for retry and breaker
// purposes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	CallTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	return p
}

// delay returns the sleep before the attempt following `attempt` (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter {
		// Jitter 0.7..1.3
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// tryFunc performs one delivery call against the external dependency.
type tryFunc func(ctx context.Context, n *Notification) (response string, err error)

// Sender wraps one external dependency behind a uniform retry/backoff policy.
//
// Before each try it consults the breaker registry for the routed dependency;
// an open breaker fails the attempt immediately without any network cost.
// Retries within one sender are strictly sequential.
type Sender struct {
	channel  Channel
	policy   RetryPolicy
	breakers *breaker.Registry
	pacer    *rate.Limiter
	log      logx.Logger

	// route resolves the dependency for the next try. Static for
	// email/sms; realtime channels re-route per try so a transport
	// override takes effect mid-retry.
	route func() (breakerKey string, try tryFunc)

	// precheck runs once before any try; failures are precondition
	// failures that never reach the breaker (e.g. oversized payloads).
	precheck func(n *Notification) error
}

// Send delivers n over this sender's channel. It never returns an error:
// everything is captured into the ChannelResult.
func (s *Sender) Send(ctx context.Context, n *Notification) ChannelResult {
	res := ChannelResult{Channel: s.channel, At: time.Now()}

	if s.precheck != nil {
		if err := s.precheck(n); err != nil {
			res.Error = err.Error()
			res.At = time.Now()
			return res
		}
	}

	policy := s.policy.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res.Attempts = attempt

		// Pace before claiming a breaker slot so a cancelled wait never
		// leaks a half-open probe.
		if s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				res.Error = err.Error()
				res.At = time.Now()
				return res
			}
		}

		key, try := s.route()
		b := s.breakers.Get(key)
		if !b.Allow() {
			lastErr = fmt.Errorf("%s: %w", key, breaker.ErrOpen)
			// Fast-fail: the dependency is not callable, further
			// attempts in this dispatch would also short-circuit.
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
		resp, err := try(callCtx, n)
		cancel()
		if err == nil {
			b.RecordSuccess()
			res.Success = true
			res.Response = resp
			res.At = time.Now()
			return res
		}
		b.RecordFailure()
		lastErr = err
		s.log.Debug("channel send failed",
			logx.String("channel", string(s.channel)),
			logx.String("dependency", key),
			logx.Int("attempt", attempt),
			logx.Int("max", policy.MaxAttempts),
			logx.Err(err))

		if attempt >= policy.MaxAttempts {
			break
		}
		if !sleep(ctx, policy.delay(attempt)) {
			res.Error = ctx.Err().Error()
			res.At = time.Now()
			return res
		}
	}

	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	res.At = time.Now()
	return res
}

// sleep waits for d or until ctx is cancelled. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return false
	}
}

// realtimeEnvelope is the wire payload published to realtime transports.
type realtimeEnvelope struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Link     string         `json:"link,omitempty"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data,omitempty"`
}

func encodeEnvelope(n *Notification) ([]byte, error) {
	return json.Marshal(realtimeEnvelope{
		Type:     n.Type,
		Title:    n.Title,
		Body:     n.Body,
		Link:     n.Link,
		Priority: n.Priority.String(),
		Data:     n.Data,
	})
}

// NewRealtimeSender builds the sender for push/stream delivery. Every try
// routes through the selector, so breaker state, connection health, and
// manual overrides can redirect traffic between tries.
func NewRealtimeSender(ch Channel, sel *transport.Selector, policy RetryPolicy, breakers *breaker.Registry, pacer *rate.Limiter, maxPayload int, log logx.Logger) *Sender {
	pinned := transport.Kind(ch) // stream channel always uses the fallback
	return &Sender{
		channel:  ch,
		policy:   policy,
		breakers: breakers,
		pacer:    pacer,
		log:      log,
		precheck: func(n *Notification) error {
			payload, err := encodeEnvelope(n)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			if maxPayload > 0 && len(payload) > maxPayload {
				return fmt.Errorf("payload size %d exceeds limit %d bytes", len(payload), maxPayload)
			}
			return nil
		},
		route: func() (string, tryFunc) {
			kind := pinned
			if ch == ChannelPush {
				kind = sel.Select()
			}
			pub := sel.Publisher(kind)
			try := func(ctx context.Context, n *Notification) (string, error) {
				payload, err := encodeEnvelope(n)
				if err != nil {
					return "", err
				}
				if err := pub.Publish(ctx, "citizen:"+n.Recipient, n.Type, payload); err != nil {
					return "", err
				}
				return string(kind), nil
			}
			return string(kind), try
		},
	}
}

func NewEmailSender(es EmailSender, policy RetryPolicy, breakers *breaker.Registry, pacer *rate.Limiter, log logx.Logger) *Sender {
	return &Sender{
		channel:  ChannelEmail,
		policy:   policy,
		breakers: breakers,
		pacer:    pacer,
		log:      log,
		route: func() (string, tryFunc) {
			return breaker.KeyEmail, func(ctx context.Context, n *Notification) (string, error) {
				return "", es.Send(ctx, n.Recipient, n.Templates[ChannelEmail], n.Data)
			}
		},
	}
}

func NewSMSSender(ss SMSSender, policy RetryPolicy, breakers *breaker.Registry, pacer *rate.Limiter, log logx.Logger) *Sender {
	return &Sender{
		channel:  ChannelSMS,
		policy:   policy,
		breakers: breakers,
		pacer:    pacer,
		log:      log,
		route: func() (string, tryFunc) {
			return breaker.KeySMS, func(ctx context.Context, n *Notification) (string, error) {
				return "", ss.Send(ctx, n.Recipient, n.Body)
			}
		},
	}
}
