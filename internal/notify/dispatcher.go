package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/degrade"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// Deps wires the dispatcher's collaborators. Gate, Limiter and at least one
// sender are required; Degrade, Metrics, Store and Bus are optional and a nil
// value disables the corresponding behavior.
type Deps struct {
	Gate    *Gate
	Limiter *ratelimit.Limiter
	Degrade *degrade.Controller
	Metrics *metrics.Collector
	Store   storage.Store
	Bus     eventbus.Bus
	Senders map[Channel]*Sender
	Log     logx.Logger
}

// Dispatcher runs the full delivery pipeline for one notification:
// admission, degradation policy, template gate, then concurrent per-channel
// delivery with aggregate reporting.
type Dispatcher struct {
	gate    *Gate
	limiter *ratelimit.Limiter
	degr    *degrade.Controller
	coll    *metrics.Collector
	store   storage.Store
	bus     eventbus.Bus
	senders map[Channel]*Sender
	log     logx.Logger
	now     func() time.Time
}

func NewDispatcher(d Deps) *Dispatcher {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		gate:    d.Gate,
		limiter: d.Limiter,
		degr:    d.Degrade,
		coll:    d.Metrics,
		store:   d.Store,
		bus:     d.Bus,
		senders: d.Senders,
		log:     log.With(logx.String("comp", "dispatcher")),
		now:     time.Now,
	}
}

// Dispatch delivers n over its requested channels and returns the aggregate
// result. Admission and degradation rejections are reported as ErrThrottled
// and ErrDegraded respectively, before any channel is touched; everything
// past those boundaries is captured into the Result instead of an error.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) (res Result, err error) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panicked",
				logx.String("recipient", n.Recipient),
				logx.Any("panic", r))
			res = Result{
				Success: false,
				Error:   fmt.Sprintf("internal error: %v", r),
				At:      d.now(),
				Elapsed: d.now().Sub(start),
			}
			err = nil
		}
	}()

	if verr := validateRequest(n); verr != nil {
		return Result{}, verr
	}

	// Admission: a blocked request is throttled, never a failed delivery.
	if dec := d.limiter.Admit(ratelimit.KeyGlobal); !dec.Allowed {
		return Result{}, d.throttled(n, "global", dec)
	}
	if dec := d.limiter.Admit(ratelimit.UserKey(n.Recipient)); !dec.Allowed {
		return Result{}, d.throttled(n, "user", dec)
	}

	channels, derr := d.applyDegradation(n)
	if derr != nil {
		return Result{}, derr
	}

	// Per-channel admission prunes individual channels without failing
	// the whole request.
	admitted := channels[:0:0]
	var worst ratelimit.Decision
	for _, ch := range channels {
		dec := d.limiter.Admit(ratelimit.ChannelKey(string(ch)))
		if !dec.Allowed {
			if dec.RetryAfter > worst.RetryAfter {
				worst = dec
			}
			d.log.Debug("channel throttled",
				logx.String("recipient", n.Recipient),
				logx.String("channel", string(ch)))
			continue
		}
		admitted = append(admitted, ch)
	}
	if len(admitted) == 0 {
		return Result{}, d.throttled(n, "channel", worst)
	}

	if v := d.gate.Validate(ctx, n); !v.Valid {
		res := Result{
			Success:  false,
			Channels: []ChannelResult{},
			Error:    strings.Join(v.Errors, "; "),
			At:       d.now(),
			Elapsed:  d.now().Sub(start),
		}
		d.finalize(ctx, "", n, res)
		return res, nil
	}

	attemptID := uuid.NewString()
	d.recordStart(ctx, attemptID, n)

	// Channels are independent: deliver concurrently, one result slot per
	// channel, ordering preserved.
	results := make([]ChannelResult, len(admitted))
	var wg sync.WaitGroup
	for i, ch := range admitted {
		s, ok := d.senders[ch]
		if !ok {
			results[i] = ChannelResult{
				Channel: ch,
				Error:   fmt.Sprintf("no sender configured for channel %q", ch),
				At:      d.now(),
			}
			continue
		}
		wg.Add(1)
		go func(i int, s *Sender) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("channel sender panicked",
						logx.String("channel", string(admitted[i])),
						logx.Any("panic", r))
					results[i] = ChannelResult{
						Channel: admitted[i],
						Error:   fmt.Sprintf("internal error: %v", r),
						At:      d.now(),
					}
				}
			}()
			results[i] = s.Send(ctx, n)
		}(i, s)
	}
	wg.Wait()

	res = Result{
		AttemptID: attemptID,
		Channels:  results,
		At:        d.now(),
	}
	for _, cr := range results {
		if cr.Success {
			res.Success = true
		}
	}
	if !res.Success {
		res.Error = "all channels failed"
	}
	res.Elapsed = d.now().Sub(start)

	d.finalize(ctx, attemptID, n, res)
	return res, nil
}

func validateRequest(n *Notification) error {
	if n == nil {
		return fmt.Errorf("nil notification")
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("notification recipient is required")
	}
	if len(n.Channels) == 0 {
		return fmt.Errorf("notification requests no channels")
	}
	for _, ch := range n.Channels {
		if !ch.Valid() {
			return fmt.Errorf("invalid channel name %q", ch)
		}
	}
	return nil
}

// applyDegradation filters the requested channel set according to the
// current degradation level. It rejects the whole request only when the
// notifications feature is restricted to essential traffic and this one is
// not essential.
func (d *Dispatcher) applyDegradation(n *Notification) ([]Channel, error) {
	channels := dedupe(n.Channels)
	if d.degr == nil {
		return channels, nil
	}

	switch d.degr.Policy(degrade.FeatureNotifications) {
	case degrade.StrategyEssentialOnly, degrade.StrategyLocalOnly:
		if n.Priority < PriorityHigh {
			d.log.Info("notification rejected under degradation",
				logx.String("recipient", n.Recipient),
				logx.String("priority", n.Priority.String()),
				logx.String("level", d.degr.Level().String()))
			return nil, fmt.Errorf("%w: level %s requires priority high or above",
				ErrDegraded, d.degr.Level())
		}
	}

	if d.degr.Policy(degrade.FeatureNotifications) == degrade.StrategyLocalOnly {
		// External providers are shed first; realtime transports are
		// in-process and stay available.
		channels = without(channels, ChannelEmail, ChannelSMS)
	}
	if d.degr.Policy(degrade.FeaturePushChannel) == degrade.StrategyDisable {
		channels = swap(channels, ChannelPush, ChannelStream)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels remain at level %s", ErrDegraded, d.degr.Level())
	}
	return channels, nil
}

func (d *Dispatcher) throttled(n *Notification, scope string, dec ratelimit.Decision) error {
	if d.coll != nil {
		d.coll.RecordThrottle()
	}
	d.log.Info("notification throttled",
		logx.String("recipient", n.Recipient),
		logx.String("scope", scope),
		logx.Duration("retry_after", dec.RetryAfter))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.EventThrottled,
			Time: d.now(),
			Data: PipelineEvent{
				Recipient: n.Recipient,
				Type:      n.Type,
				Priority:  n.Priority.String(),
				Errors:    map[string]string{"scope": scope},
				At:        d.now(),
			},
		})
	}
	if dec.RetryAfter > 0 {
		return fmt.Errorf("%w: retry after %s", ErrThrottled, dec.RetryAfter.Round(time.Millisecond))
	}
	return ErrThrottled
}

func (d *Dispatcher) recordStart(ctx context.Context, attemptID string, n *Notification) {
	if d.store == nil {
		return
	}
	rec := storage.AttemptRecord{
		ID:        attemptID,
		Recipient: n.Recipient,
		Type:      n.Type,
		Priority:  n.Priority.String(),
		Status:    storage.StatusInProgress,
		CreatedAt: d.now(),
	}
	if err := d.store.CreateAttempt(ctx, rec); err != nil {
		// Persistence must not block delivery.
		d.log.Warn("attempt record create failed",
			logx.String("attempt_id", attemptID), logx.Err(err))
	}
}

// finalize persists, measures and publishes the outcome. Failures here are
// logged and never alter the result.
func (d *Dispatcher) finalize(ctx context.Context, attemptID string, n *Notification, res Result) {
	if d.store != nil && attemptID != "" {
		upd := storage.AttemptUpdate{
			Status:        storage.StatusSent,
			LastAttemptAt: res.At,
		}
		if !res.Success {
			upd.Status = storage.StatusFailed
		}
		for _, cr := range res.Channels {
			upd.Channels = append(upd.Channels, storage.ChannelAttempt{
				Channel:  string(cr.Channel),
				Success:  cr.Success,
				Error:    cr.Error,
				Attempts: cr.Attempts,
				At:       cr.At,
			})
		}
		if err := d.store.UpdateAttempt(ctx, attemptID, upd); err != nil {
			d.log.Warn("attempt record update failed",
				logx.String("attempt_id", attemptID), logx.Err(err))
		}
	}

	if d.coll != nil {
		out := metrics.Outcome{
			Success:  res.Success,
			Type:     n.Type,
			Priority: n.Priority.String(),
			Duration: res.Elapsed,
		}
		for _, cr := range res.Channels {
			out.Channels = append(out.Channels, metrics.ChannelOutcome{
				Channel: string(cr.Channel),
				Success: cr.Success,
			})
		}
		d.coll.Record(out)
	}

	if d.bus != nil {
		ev := PipelineEvent{
			AttemptID: attemptID,
			Recipient: n.Recipient,
			Type:      n.Type,
			Priority:  n.Priority.String(),
			At:        res.At,
		}
		typ := eventbus.EventNotificationSent
		if !res.Success {
			typ = eventbus.EventNotificationFailed
			ev.Errors = map[string]string{}
			if res.Error != "" {
				ev.Errors["dispatch"] = res.Error
			}
		}
		for _, cr := range res.Channels {
			if cr.Success {
				ev.Succeeded = append(ev.Succeeded, cr.Channel)
			} else if !res.Success && cr.Error != "" {
				ev.Errors[string(cr.Channel)] = cr.Error
			}
		}
		d.bus.Publish(eventbus.Event{Type: typ, Time: res.At, Data: ev})
	}

	d.log.Info("dispatch finished",
		logx.String("attempt_id", attemptID),
		logx.String("recipient", n.Recipient),
		logx.String("type", n.Type),
		logx.Bool("success", res.Success),
		logx.Int("channels", len(res.Channels)),
		logx.Duration("elapsed", res.Elapsed))
}

func dedupe(in []Channel) []Channel {
	out := make([]Channel, 0, len(in))
	seen := map[Channel]bool{}
	for _, ch := range in {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

func without(in []Channel, drop ...Channel) []Channel {
	out := in[:0]
	for _, ch := range in {
		keep := true
		for _, d := range drop {
			if ch == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, ch)
		}
	}
	return out
}

// swap replaces from with to, deduplicating if to is already present.
func swap(in []Channel, from, to Channel) []Channel {
	out := in[:0]
	hasTo := false
	for _, ch := range in {
		if ch == to {
			hasTo = true
		}
	}
	for _, ch := range in {
		if ch == from {
			if hasTo {
				continue
			}
			ch = to
			hasTo = true
		}
		out = append(out, ch)
	}
	return out
}
