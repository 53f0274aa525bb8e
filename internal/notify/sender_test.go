package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"notifyd/internal/breaker"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// fastPolicy keeps retry sleeps negligible in tests.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		CallTimeout: time.Second,
	}
}

type fakeEmail struct {
	calls    int
	failures int // fail the first N calls
	err      error
}

func (f *fakeEmail) Send(_ context.Context, _, _ string, _ map[string]any) error {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return f.err
		}
		return errors.New("smtp timeout")
	}
	return nil
}

func TestSenderRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	es := &fakeEmail{failures: 1}
	s := NewEmailSender(es, fastPolicy(3), breaker.NewRegistry(breaker.Config{}, nil), nil, logx.Nop())

	res := s.Send(context.Background(), &Notification{Recipient: "u1"})
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if res.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Attempts)
	}
	if es.calls != 2 {
		t.Fatalf("dependency called %d times, want 2", es.calls)
	}
}

func TestSenderExhaustsAttempts(t *testing.T) {
	t.Parallel()

	es := &fakeEmail{failures: 10, err: errors.New("mailbox unavailable")}
	s := NewEmailSender(es, fastPolicy(3), breaker.NewRegistry(breaker.Config{}, nil), nil, logx.Nop())

	res := s.Send(context.Background(), &Notification{Recipient: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", res.Attempts)
	}
	if !strings.Contains(res.Error, "mailbox unavailable") {
		t.Fatalf("Error = %q, want last dependency error", res.Error)
	}
}

func TestSenderFastFailsWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Hour}, nil)
	es := &fakeEmail{failures: 100}
	s := NewEmailSender(es, fastPolicy(1), reg, nil, logx.Nop())

	for i := 0; i < 5; i++ {
		if res := s.Send(context.Background(), &Notification{Recipient: "u1"}); res.Success {
			t.Fatalf("send %d unexpectedly succeeded", i)
		}
	}
	if got := reg.Get(breaker.KeyEmail).State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	res := s.Send(context.Background(), &Notification{Recipient: "u1"})
	if res.Success {
		t.Fatal("expected fast failure")
	}
	if !strings.Contains(res.Error, "circuit breaker is open") {
		t.Fatalf("Error = %q", res.Error)
	}
	// The dependency must not see the short-circuited call.
	if es.calls != 5 {
		t.Fatalf("dependency called %d times, want 5", es.calls)
	}
}

func TestSenderCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	es := &fakeEmail{failures: 100}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, CallTimeout: time.Second}
	s := NewEmailSender(es, policy, breaker.NewRegistry(breaker.Config{}, nil), nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ChannelResult, 1)
	go func() { done <- s.Send(ctx, &Notification{Recipient: "u1"}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Success {
			t.Fatal("expected failure after cancellation")
		}
		if res.Attempts != 1 {
			t.Fatalf("Attempts = %d, want 1", res.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
}

func TestRealtimeSenderPublishes(t *testing.T) {
	t.Parallel()

	push := transport.NewMemoryPublisher()
	stream := transport.NewMemoryPublisher()
	reg := breaker.NewRegistry(breaker.Config{}, nil)
	sel := transport.NewSelector(push, stream, reg, logx.Nop())

	sub, unsub := push.Subscribe("citizen:u1", 4)
	defer unsub()

	s := NewRealtimeSender(ChannelPush, sel, fastPolicy(1), reg, nil, 0, logx.Nop())
	n := &Notification{
		Recipient: "u1",
		Type:      "permit.approved",
		Priority:  PriorityMedium,
		Title:     "Permit approved",
		Body:      "Your permit was approved.",
	}
	res := s.Send(context.Background(), n)
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if res.Response != "push" {
		t.Fatalf("Response = %q, want push", res.Response)
	}

	select {
	case msg := <-sub:
		if msg.Event != "permit.approved" {
			t.Fatalf("event = %q", msg.Event)
		}
		if !strings.Contains(string(msg.Payload), "Permit approved") {
			t.Fatalf("payload = %s", msg.Payload)
		}
	default:
		t.Fatal("no message published")
	}
}

func TestRealtimeSenderFallsBackToStream(t *testing.T) {
	t.Parallel()

	push := transport.NewMemoryPublisher()
	stream := transport.NewMemoryPublisher()
	reg := breaker.NewRegistry(breaker.Config{}, nil)
	sel := transport.NewSelector(push, stream, reg, logx.Nop())

	push.SetConnectionState(transport.StateFailed)
	sub, unsub := stream.Subscribe("citizen:u1", 4)
	defer unsub()

	s := NewRealtimeSender(ChannelPush, sel, fastPolicy(1), reg, nil, 0, logx.Nop())
	res := s.Send(context.Background(), &Notification{Recipient: "u1", Type: "alert"})
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if res.Response != "stream" {
		t.Fatalf("Response = %q, want stream", res.Response)
	}

	select {
	case <-sub:
	default:
		t.Fatal("stream transport saw no message")
	}
}

func TestRealtimeSenderPayloadLimit(t *testing.T) {
	t.Parallel()

	push := transport.NewMemoryPublisher()
	reg := breaker.NewRegistry(breaker.Config{}, nil)
	sel := transport.NewSelector(push, transport.NewMemoryPublisher(), reg, logx.Nop())

	s := NewRealtimeSender(ChannelPush, sel, fastPolicy(3), reg, nil, 32, logx.Nop())
	n := &Notification{
		Recipient: "u1",
		Type:      "digest",
		Body:      strings.Repeat("x", 200),
	}
	res := s.Send(context.Background(), n)
	if res.Success {
		t.Fatal("expected oversized payload to fail")
	}
	if !strings.Contains(res.Error, "exceeds limit") {
		t.Fatalf("Error = %q", res.Error)
	}
	if res.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 (precondition failure)", res.Attempts)
	}
	// Precondition failures never count against the dependency.
	if got := reg.Get(breaker.KeyPush).State(); got != breaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed", got)
	}
}

func TestRetryPolicyDelayGrowth(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.delay(i + 1); got != w {
			t.Fatalf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
