package breaker

import (
	"sort"
	"sync"
	"time"
)

// Well-known dependency keys. Each key gets its own independent breaker so a
// failing email provider never opens the breaker guarding the push provider.
const (
	KeyPush        = "push"
	KeyStream      = "stream"
	KeyEmail       = "email"
	KeySMS         = "sms"
	KeyPersistence = "persistence"
	KeyExternal    = "external"
)

// Registry owns one breaker per dependency key.
//
// It is constructed once at process start and passed by handle into every
// component that consults it; tests substitute their own instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
	def      Config

	disabled bool
	nowFunc  func() time.Time
	onChange func(key string, from, to State)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryNowFunc injects a clock into every breaker the registry creates.
func WithRegistryNowFunc(f func() time.Time) RegistryOption {
	return func(r *Registry) { r.nowFunc = f }
}

// WithRegistryOnChange sets a per-key transition callback (e.g. bus publish).
func WithRegistryOnChange(f func(key string, from, to State)) RegistryOption {
	return func(r *Registry) { r.onChange = f }
}

// WithRegistryDisabled turns every breaker the registry hands out into a
// pass-through. Intended for environments that want retries without
// circuit-breaking, e.g. local development.
func WithRegistryDisabled() RegistryOption {
	return func(r *Registry) { r.disabled = true }
}

// NewRegistry creates a registry. def applies to keys without an explicit
// config; perKey overrides individual dependencies.
func NewRegistry(def Config, perKey map[string]Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: map[string]*Breaker{},
		configs:  map[string]Config{},
		def:      def.withDefaults(),
	}
	for k, c := range perKey {
		r.configs[k] = c.withDefaults()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg, ok := r.configs[key]
	if !ok {
		cfg = r.def
	}
	var opts []Option
	if r.disabled {
		opts = append(opts, WithDisabled())
	}
	if r.nowFunc != nil {
		opts = append(opts, WithNowFunc(r.nowFunc))
	}
	if f := r.onChange; f != nil {
		k := key
		opts = append(opts, WithOnStateChange(func(from, to State) { f(k, from, to) }))
	}
	b := New(cfg, opts...)
	r.breakers[key] = b
	return b
}

// Allow is a convenience for Get(key).Allow().
func (r *Registry) Allow(key string) bool { return r.Get(key).Allow() }

// Reset closes the breaker for key (administrative operation).
func (r *Registry) Reset(key string) { r.Get(key).Reset() }

// Snapshot returns per-key breaker snapshots for the admin surface.
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	bs := make([]*Breaker, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		bs = append(bs, r.breakers[k])
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(keys))
	for i, k := range keys {
		out[k] = bs[i].Snapshot()
	}
	return out
}
