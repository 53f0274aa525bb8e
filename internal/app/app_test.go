package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/notify"
	"notifyd/internal/ratelimit"
	"notifyd/internal/transport"
)

const testConfig = `
logging:
  level: error
  console: true
storage:
  driver: memory
limits:
  per_user:
    window: 1m
    max_requests: 2
breakers:
  default:
    failure_threshold: 5
    recovery_timeout: 30s
degradation:
  monitoring_interval: 1h
  recovery_check_interval: 1h
metrics:
  schedule: "@every 1h"
dispatch:
  retry:
    default:
      max_attempts: 2
      base_delay: 1ms
      max_delay: 5ms
templates:
  - name: welcome_email
    body: "Hi {{.name}}"
    keys: [name]
`

type recordingEmail struct {
	calls int
	err   error
}

func (r *recordingEmail) Send(context.Context, string, string, map[string]any) error {
	r.calls++
	return r.err
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAppDispatchRealtime(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	sub, unsub := a.push.Subscribe("citizen:u1", 4)
	defer unsub()

	res, err := a.Dispatcher().Dispatch(context.Background(), &notify.Notification{
		Recipient: "u1",
		Type:      "permit.approved",
		Priority:  notify.PriorityMedium,
		Title:     "Permit approved",
		Channels:  []notify.Channel{notify.ChannelPush},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	select {
	case msg := <-sub:
		if msg.Event != "permit.approved" {
			t.Fatalf("event = %q", msg.Event)
		}
	default:
		t.Fatal("no push message delivered")
	}
}

func TestAppDispatchEmailViaInjectedProvider(t *testing.T) {
	t.Parallel()
	email := &recordingEmail{}
	a := newTestApp(t, WithEmailSender(email))

	res, err := a.Dispatcher().Dispatch(context.Background(), &notify.Notification{
		Recipient: "u1",
		Type:      "welcome",
		Priority:  notify.PriorityLow,
		Channels:  []notify.Channel{notify.ChannelEmail},
		Templates: map[notify.Channel]string{notify.ChannelEmail: "welcome_email"},
		Data:      map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || email.calls != 1 {
		t.Fatalf("result = %+v, calls = %d", res, email.calls)
	}
}

func TestAppEmailUnconfigured(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	res, err := a.Dispatcher().Dispatch(context.Background(), &notify.Notification{
		Recipient: "u1",
		Type:      "welcome",
		Channels:  []notify.Channel{notify.ChannelEmail},
		Templates: map[notify.Channel]string{notify.ChannelEmail: "welcome_email"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for unconfigured channel")
	}
}

func TestAppPerUserLimit(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	n := func() *notify.Notification {
		return &notify.Notification{
			Recipient: "u9",
			Type:      "ping",
			Channels:  []notify.Channel{notify.ChannelStream},
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := a.Dispatcher().Dispatch(context.Background(), n()); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if _, err := a.Dispatcher().Dispatch(context.Background(), n()); !errors.Is(err, notify.ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
}

func TestAppStartStop(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping twice is a no-op.
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestAppReloadAppliesLimits(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	// Tighten the per-user limit as a hot reload would.
	a.applyReload(context.Background(), a.cfgm.Get())
	a.limiter.Apply(ratelimit.Rules{
		PerUser: ratelimit.Limit{Window: time.Minute, MaxRequests: 1},
	})

	n := &notify.Notification{
		Recipient: "u1",
		Type:      "ping",
		Channels:  []notify.Channel{notify.ChannelStream},
	}
	if _, err := a.Dispatcher().Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := a.Dispatcher().Dispatch(context.Background(), n); !errors.Is(err, notify.ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
}

func TestAppPublisherAccessor(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	if a.Publisher(transport.KindPush) == nil || a.Publisher(transport.KindStream) == nil {
		t.Fatal("publishers must be exposed")
	}
}
