package breaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}, WithNowFunc(clk.Now))

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("call %d: expected allow while under threshold", i+1)
		}
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 4 failures = %v, want closed", got)
	}

	if !b.Allow() {
		t.Fatal("5th call should still be allowed")
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", got)
	}

	// 6th call never reaches the dependency.
	if b.Allow() {
		t.Fatal("expected fast-fail while open")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, WithNowFunc(clk.Now))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (counter reset on success)", got)
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 2}, WithNowFunc(clk.Now))

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open")
	}

	clk.Advance(30 * time.Second)

	// Exactly HalfOpenMaxCalls probes are admitted.
	if !b.Allow() {
		t.Fatal("first probe should be admitted")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if !b.Allow() {
		t.Fatal("second probe should be admitted")
	}
	if b.Allow() {
		t.Fatal("third probe should be rejected")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after probe success = %v, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("expected allow after recovery")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second}, WithNowFunc(clk.Now))

	b.RecordFailure()
	clk.Advance(10 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	// Recovery timer restarted: still open 5s later.
	clk.Advance(5 * time.Second)
	if b.Allow() {
		t.Fatal("expected still open before recovery timeout elapses again")
	}
	clk.Advance(5 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe after full recovery timeout")
	}
}

func TestBreakerStaleFailuresReset(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 2, MonitoringPeriod: time.Minute}, WithNowFunc(clk.Now))

	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	// Old failure falls out of the monitoring period; one fresh failure
	// must not trip the breaker.
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerConcurrentFailures(t *testing.T) {
	t.Parallel()
	b := New(Config{FailureThreshold: 50, RecoveryTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	if got := b.Snapshot().ConsecutiveFailures; got != 50 {
		t.Fatalf("consecutive failures = %d, want 50", got)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerHalfOpenProbeSlotsConcurrent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3}, WithNowFunc(clk.Now))

	b.RecordFailure()
	clk.Advance(time.Second)

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 3 {
		t.Fatalf("admitted %d probes, want exactly 3", admitted)
	}
}

func TestRegistryIndependentBreakers(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 2}, map[string]Config{
		KeyEmail: {FailureThreshold: 1},
	})

	r.Get(KeyEmail).RecordFailure()
	if got := r.Get(KeyEmail).State(); got != StateOpen {
		t.Fatalf("email breaker = %v, want open", got)
	}
	if got := r.Get(KeyPush).State(); got != StateClosed {
		t.Fatalf("push breaker = %v, want closed (independent)", got)
	}

	r.Reset(KeyEmail)
	if got := r.Get(KeyEmail).State(); got != StateClosed {
		t.Fatalf("email breaker after reset = %v, want closed", got)
	}
}

func TestRegistryOnChangeCallback(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var events []string
	r := NewRegistry(Config{FailureThreshold: 1}, nil,
		WithRegistryOnChange(func(key string, from, to State) {
			mu.Lock()
			events = append(events, key+":"+from.String()+"->"+to.String())
			mu.Unlock()
		}))

	r.Get(KeySMS).RecordFailure()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != "sms:closed->open" {
		t.Fatalf("unexpected transition events: %v", events)
	}
}

func TestRegistryDisabledNeverOpens(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1}, nil, WithRegistryDisabled())

	b := r.Get(KeyEmail)
	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("call %d rejected with breaking disabled", i)
		}
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if got := b.Snapshot().State; got != "disabled" {
		t.Fatalf("snapshot state = %q, want disabled", got)
	}
}
