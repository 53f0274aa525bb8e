// Package alerting bridges engine events to an operator Telegram chat.
// It is a best-effort surface: alerts that cannot be delivered are dropped,
// never retried at the expense of the delivery pipeline.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifyd/internal/breaker"
	"notifyd/internal/degrade"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	MinSeverity string // "warning" (default) or "critical"
	RatePerSec  float64
	PollTimeout time.Duration
}

// severity ranks for filtering.
const (
	sevInfo = iota
	sevWarning
	sevCritical
)

func severityRank(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return sevCritical
	case "warning":
		return sevWarning
	default:
		return sevInfo
	}
}

type sendFunc func(text string) error

// Alerter consumes engine events from the bus and forwards the ones at or
// above the configured severity to the operator chat.
type Alerter struct {
	cfg     Config
	minRank int
	limiter *rate.Limiter
	send    sendFunc
	log     logx.Logger

	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Alerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerting token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerting chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := newWithSender(cfg, log, func(text string) error {
		_, err := bot.Send(tele.ChatID(cfg.ChatID), text, tele.ModeHTML)
		return err
	})
	return a, nil
}

// newWithSender is the test seam; delivery goes through send.
func newWithSender(cfg Config, log logx.Logger, send sendFunc) *Alerter {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 0.5
	}
	minRank := severityRank(cfg.MinSeverity)
	if minRank == sevInfo {
		minRank = sevWarning
	}
	return &Alerter{
		cfg:     cfg,
		minRank: minRank,
		limiter: rate.NewLimiter(rate.Limit(perSec), 3),
		send:    send,
		log:     log.With(logx.String("comp", "alerting")),
	}
}

// Run consumes bus events until ctx is done.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(32)
	defer unsub()

	a.log.Info("alerting started",
		logx.Int64("chat_id", a.cfg.ChatID),
		logx.Int("min_severity", a.minRank))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handle(ev)
		}
	}
}

func (a *Alerter) handle(ev eventbus.Event) {
	rank, text := a.render(ev)
	if text == "" || rank < a.minRank {
		return
	}
	// Bursty incidents (e.g. a flapping breaker) are throttled; the log
	// keeps the full record.
	if !a.limiter.Allow() {
		a.dropped++
		a.log.Debug("alert dropped (rate limited)",
			logx.String("event", ev.Type),
			logx.Any("dropped_total", a.dropped))
		return
	}
	if err := a.send(text); err != nil {
		a.log.Warn("alert send failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

// render maps one bus event to (severity rank, message). An empty message
// means the event is not alert-worthy.
func (a *Alerter) render(ev eventbus.Event) (int, string) {
	switch ev.Type {
	case eventbus.EventAnomalyDetected:
		an, ok := ev.Data.(metrics.Anomaly)
		if !ok {
			return sevInfo, ""
		}
		return severityRank(an.Severity), fmt.Sprintf("⚠️ <b>Anomaly: %s</b>\n%s\nvalue: %.2f",
			an.Code, an.Description, an.Value)

	case eventbus.EventDegradationChanged:
		ch, ok := ev.Data.(eventbus.DegradationChange)
		if !ok {
			return sevInfo, ""
		}
		rank := sevWarning
		if ch.To == degrade.LevelCritical.String() {
			rank = sevCritical
		}
		if ch.To == degrade.LevelNone.String() {
			// Recovery back to normal is always worth a note.
			rank = a.minRank
		}
		return rank, fmt.Sprintf("📉 <b>Degradation level changed</b>\n%s → %s", ch.From, ch.To)

	case eventbus.EventBreakerState:
		ch, ok := ev.Data.(eventbus.BreakerChange)
		if !ok {
			return sevInfo, ""
		}
		rank := sevInfo
		switch ch.To {
		case breaker.StateOpen.String():
			rank = sevWarning
		case breaker.StateClosed.String():
			// Recovery, mirror the open alert so operators see closure.
			rank = a.minRank
		}
		return rank, fmt.Sprintf("🔌 <b>Circuit breaker %q</b>\n%s → %s", ch.Key, ch.From, ch.To)

	case eventbus.EventTransportForced:
		ch, ok := ev.Data.(eventbus.TransportForced)
		if !ok {
			return sevInfo, ""
		}
		return sevWarning, fmt.Sprintf("🛠 <b>Transport forced to %s</b>\nby %s: %s",
			ch.Kind, ch.Actor, ch.Reason)
	}
	return sevInfo, ""
}
