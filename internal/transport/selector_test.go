package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifyd/internal/breaker"
	"notifyd/pkg/logx"
)

func newTestSelector(t *testing.T) (*Selector, *MemoryPublisher, *breaker.Registry) {
	t.Helper()
	push := NewMemoryPublisher()
	stream := NewMemoryPublisher()
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 2}, nil)
	return NewSelector(push, stream, reg, logx.Nop()), push, reg
}

func TestSelectPrefersPush(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSelector(t)
	if got := s.Select(); got != KindPush {
		t.Fatalf("Select = %v, want push", got)
	}
}

func TestSelectFallsBackOnUnhealthyConnection(t *testing.T) {
	t.Parallel()
	s, push, _ := newTestSelector(t)

	for _, state := range []ConnState{StateSuspended, StateFailed, StateDisconnected} {
		push.SetConnectionState(state)
		if got := s.Select(); got != KindStream {
			t.Fatalf("state %s: Select = %v, want stream", state, got)
		}
	}
	push.SetConnectionState(StateConnected)
	if got := s.Select(); got != KindPush {
		t.Fatalf("Select = %v, want push after reconnect", got)
	}
}

func TestSelectFallsBackOnOpenBreaker(t *testing.T) {
	t.Parallel()
	s, _, reg := newTestSelector(t)

	b := reg.Get(breaker.KeyPush)
	b.RecordFailure()
	b.RecordFailure()
	if got := s.Select(); got != KindStream {
		t.Fatalf("Select = %v, want stream while breaker open", got)
	}

	reg.Reset(breaker.KeyPush)
	if got := s.Select(); got != KindPush {
		t.Fatalf("Select = %v, want push after reset", got)
	}
}

func TestForceOverride(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSelector(t)

	if err := s.Force(KindStream, "", ""); err == nil {
		t.Fatal("force without actor/reason must fail")
	}
	if err := s.Force(Kind("carrier-pigeon"), "ops", "why not"); err == nil {
		t.Fatal("force with unknown kind must fail")
	}

	if err := s.Force(KindStream, "ops@city", "push provider maintenance"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if got := s.Select(); got != KindStream {
		t.Fatalf("Select = %v, want forced stream", got)
	}

	st := s.Status()
	if st.Forced == nil || st.Forced.Actor != "ops@city" {
		t.Fatalf("status missing force record: %+v", st)
	}

	if err := s.ClearForce("ops@city"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := s.Select(); got != KindPush {
		t.Fatalf("Select = %v, want push after clear", got)
	}
}

func TestForceAuditHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var audits []ForceRecord
	push := NewMemoryPublisher()
	reg := breaker.NewRegistry(breaker.Config{}, nil)
	s := NewSelector(push, NewMemoryPublisher(), reg, logx.Nop(),
		WithAuditHook(func(rec ForceRecord, cleared bool) {
			mu.Lock()
			audits = append(audits, rec)
			mu.Unlock()
		}))

	if err := s.Force(KindStream, "ops", "drill"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if err := s.ClearForce("ops"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(audits) != 2 {
		t.Fatalf("audit hook called %d times, want 2", len(audits))
	}
	if audits[0].Reason != "drill" || audits[1].Reason != "cleared" {
		t.Fatalf("unexpected audit records: %+v", audits)
	}
}

func TestMemoryPublisherFanout(t *testing.T) {
	t.Parallel()
	p := NewMemoryPublisher()

	sub, unsub := p.Subscribe("citizen:42", 4)
	defer unsub()

	if err := p.Publish(context.Background(), "citizen:42", "grant_approved", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub:
		if msg.Event != "grant_approved" || string(msg.Payload) != `{"id":1}` {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanout")
	}
}

func TestMemoryPublisherUnhealthyPublish(t *testing.T) {
	t.Parallel()
	p := NewMemoryPublisher()
	p.SetConnectionState(StateSuspended)

	err := p.Publish(context.Background(), "c", "e", nil)
	if err == nil {
		t.Fatal("expected error while suspended")
	}
	var ce *ConnError
	if !errors.As(err, &ce) || ce.State != StateSuspended {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryPublisherChannelListing(t *testing.T) {
	t.Parallel()
	p := NewMemoryPublisher()
	_ = p.Publish(context.Background(), "citizen:1", "e", nil)
	_ = p.Publish(context.Background(), "citizen:2", "e", nil)
	_ = p.Publish(context.Background(), "ops:alerts", "e", nil)

	all := p.Channels("")
	if len(all) != 3 {
		t.Fatalf("channels = %d, want 3", len(all))
	}
	citizens := p.Channels("citizen:")
	if len(citizens) != 2 || citizens[0].Name != "citizen:1" {
		t.Fatalf("filtered channels = %+v", citizens)
	}
}

func TestMemoryPublisherConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()
	p := NewMemoryPublisher()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), "shared", "e", nil)
		}()
	}
	wg.Wait()

	if got := len(p.Channels("")); got != 1 {
		t.Fatalf("channels = %d, want 1 (no duplicate-create)", got)
	}
}
