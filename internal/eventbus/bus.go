package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the delivery pipeline.
const (
	EventNotificationSent   = "notification.sent"
	EventNotificationFailed = "notification.failed"
	EventThrottled          = "notification.throttled"
	EventBreakerState       = "breaker.state_changed"
	EventTransportForced    = "transport.forced"
	EventDegradationChanged = "degradation.changed"
	EventAnomalyDetected    = "anomaly.detected"
)

// BreakerChange is the payload for EventBreakerState.
type BreakerChange struct {
	Key  string `json:"key"`
	From string `json:"from"`
	To   string `json:"to"`
}

// DegradationChange is the payload for EventDegradationChanged.
type DegradationChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TransportForced is the payload for EventTransportForced.
type TransportForced struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Data carries the payload struct matching Type: BreakerChange for
// EventBreakerState, DegradationChange for EventDegradationChanged,
// TransportForced for EventTransportForced. Pipeline and anomaly events
// carry their publishing package's own payload type.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers lose events rather than stall the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]*subscriber{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// subscriber guards its channel with its own lock so a concurrent
// unsubscribe can never race a send against close.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish holds no bus-wide lock while sending.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, unsub
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
