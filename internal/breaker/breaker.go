package breaker

import (
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker.
type State int

const (
	StateClosed   State = iota // healthy, calls pass through
	StateOpen                  // tripped, calls rejected immediately
	StateHalfOpen              // probing, limited calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by callers that want an error value for a rejected call.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds per-dependency breaker settings.
//
// MonitoringPeriod bounds how long consecutive failures are held against the
// dependency: if the last failure is older than the period, the counter is
// reset opportunistically on the next call.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	MonitoringPeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 5 * time.Minute
	}
	return c
}

// Snapshot is a point-in-time view of one breaker, safe to serialize.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	ProbesInFlight      int       `json:"probes_in_flight,omitempty"`
}

// Breaker guards one external dependency.
//
// When consecutive failures reach the threshold the breaker opens and rejects
// calls immediately. After RecoveryTimeout it transitions to half-open and
// admits at most HalfOpenMaxCalls concurrent probes; any probe success closes
// the breaker, any probe failure re-opens it and restarts the timer.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	fails    int
	lastFail time.Time
	probes   int

	disabled bool
	nowFunc  func() time.Time
	onChange func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNowFunc injects a clock for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = f }
}

// WithOnStateChange sets a callback invoked outside the lock on transitions.
func WithOnStateChange(f func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = f }
}

// WithDisabled makes the breaker a pass-through: every call is admitted and
// outcomes are not recorded, so it can never open.
func WithDisabled() Option {
	return func(b *Breaker) { b.disabled = true }
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), nowFunc: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it checks the
// recovery timeout and may transition to half-open, claiming a probe slot for
// the caller. Callers that got true MUST follow up with RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow() bool {
	if b.disabled {
		return true
	}
	b.mu.Lock()
	b.resetStaleLocked()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.nowFunc().Sub(b.lastFail) >= b.cfg.RecoveryTimeout {
			tr := b.setStateLocked(StateHalfOpen)
			b.probes = 1
			b.mu.Unlock()
			tr.fire()
			return true
		}
		b.mu.Unlock()
		return false
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxCalls {
			b.probes++
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess resets the consecutive-failure counter and closes the breaker
// if it was half-open.
func (b *Breaker) RecordSuccess() {
	if b.disabled {
		return
	}
	b.mu.Lock()
	b.fails = 0
	b.lastFail = time.Time{}
	var tr transition
	if b.state == StateHalfOpen {
		tr = b.setStateLocked(StateClosed)
		b.probes = 0
	}
	b.mu.Unlock()
	tr.fire()
}

// RecordFailure increments the failure counter, opens the breaker when the
// threshold is reached, and re-opens it immediately if a half-open probe fails.
func (b *Breaker) RecordFailure() {
	if b.disabled {
		return
	}
	b.mu.Lock()
	b.resetStaleLocked()
	b.fails++
	b.lastFail = b.nowFunc()
	var tr transition
	if b.state == StateHalfOpen {
		tr = b.setStateLocked(StateOpen)
		b.probes = 0
	} else if b.state == StateClosed && b.fails >= b.cfg.FailureThreshold {
		tr = b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()
	tr.fire()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(StateClosed)
	b.fails = 0
	b.probes = 0
	b.lastFail = time.Time{}
	b.mu.Unlock()
	tr.fire()
}

// Snapshot returns a copy of the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state.String()
	if b.disabled {
		st = "disabled"
	}
	return Snapshot{
		State:               st,
		ConsecutiveFailures: b.fails,
		LastFailure:         b.lastFail,
		ProbesInFlight:      b.probes,
	}
}

// resetStaleLocked drops the failure count when the last failure is older
// than the monitoring period. Caller MUST hold b.mu.
func (b *Breaker) resetStaleLocked() {
	if b.state != StateClosed {
		return
	}
	if !b.lastFail.IsZero() && b.nowFunc().Sub(b.lastFail) > b.cfg.MonitoringPeriod {
		b.fails = 0
		b.lastFail = time.Time{}
	}
}

// transition captures a pending callback to invoke outside the lock.
type transition struct {
	from, to State
	callback func(from, to State)
}

func (t transition) fire() {
	if t.callback != nil {
		t.callback(t.from, t.to)
	}
}

// setStateLocked records the state change under lock and returns a transition
// to fire after the lock is released. Caller MUST hold b.mu.
func (b *Breaker) setStateLocked(to State) transition {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		return transition{from: from, to: to, callback: b.onChange}
	}
	return transition{}
}
