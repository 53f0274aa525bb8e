// Package app is the composition root: it loads configuration, wires the
// delivery engine's components together, and owns their lifecycles.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/admin"
	"notifyd/internal/alerting"
	"notifyd/internal/breaker"
	"notifyd/internal/config"
	"notifyd/internal/degrade"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/notify"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
	"notifyd/internal/template"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	log     logx.Logger

	bus       eventbus.Bus
	store     storage.Store
	breakers  *breaker.Registry
	limiter   *ratelimit.Limiter
	degr      *degrade.Controller
	coll      *metrics.Collector
	monitor   *metrics.Monitor
	push      *transport.MemoryPublisher
	stream    *transport.MemoryPublisher
	selector  *transport.Selector
	templates *template.MemoryStore
	disp      *notify.Dispatcher
	admin     *admin.Server
	alerter   *alerting.Alerter

	email notify.EmailSender
	sms   notify.SMSSender

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*App)

// WithEmailSender installs the external email provider. Without one the
// email channel reports itself unconfigured at dispatch time.
func WithEmailSender(es notify.EmailSender) Option {
	return func(a *App) { a.email = es }
}

// WithSMSSender installs the external SMS provider.
func WithSMSSender(ss notify.SMSSender) Option {
	return func(a *App) { a.sms = ss }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log.With(logx.String("comp", "app"))}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.wire(cfg, log); err != nil {
		return nil, err
	}
	return a, nil
}

func buildLogger(lc config.LoggingConfig) logx.Logger {
	if lc.File.Enabled && lc.File.Path != "" {
		f, err := os.OpenFile(lc.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			if lc.Console {
				return logx.NewMulti(lc.Level, f)
			}
			return logx.New(f, lc.Level)
		}
	}
	return logx.NewConsole(lc.Level)
}

func (a *App) wire(cfg *config.Config, log logx.Logger) error {
	a.bus = eventbus.New()

	sc, err := cfg.Storage.ToStorage()
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	def, perKey, err := cfg.Breakers.ToBreakers()
	if err != nil {
		return err
	}
	regOpts := []breaker.RegistryOption{
		breaker.WithRegistryOnChange(func(key string, from, to breaker.State) {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.EventBreakerState,
				Time: time.Now(),
				Data: eventbus.BreakerChange{Key: key, From: from.String(), To: to.String()},
			})
		}),
	}
	if cfg.Breakers.Disabled {
		regOpts = append(regOpts, breaker.WithRegistryDisabled())
	}
	a.breakers = breaker.NewRegistry(def, perKey, regOpts...)

	dc, err := cfg.Degrade.ToDegrade()
	if err != nil {
		return err
	}
	a.degr = degrade.New(dc, log.With(logx.String("comp", "degrade")),
		degrade.WithOnChange(func(from, to degrade.Level) {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.EventDegradationChanged,
				Time: time.Now(),
				Data: eventbus.DegradationChange{From: from.String(), To: to.String()},
			})
		}))

	rules, err := cfg.Limits.ToRules()
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(rules, ratelimit.WithMultiplier(a.degr.Multiplier))

	a.coll = metrics.NewCollector(
		metrics.WithLevelSource(func() string { return a.degr.Level().String() }),
		metrics.WithRateSource(a.limiter.Counters),
		metrics.WithHealthSource(func() (cpu, mem float64) {
			return 0, degrade.MemoryPercent()
		}),
	)
	a.monitor = metrics.NewMonitor(cfg.Metrics.ToMonitor(), a.coll,
		log.With(logx.String("comp", "metrics")),
		metrics.WithAnomalySink(func(an metrics.Anomaly) {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.EventAnomalyDetected,
				Time: an.At,
				Data: an,
			})
		}))

	a.push = transport.NewMemoryPublisher()
	a.stream = transport.NewMemoryPublisher()
	a.selector = transport.NewSelector(a.push, a.stream, a.breakers,
		log.With(logx.String("comp", "transport")),
		transport.WithAuditHook(func(rec transport.ForceRecord, cleared bool) {
			if cleared {
				return
			}
			a.bus.Publish(eventbus.Event{
				Type: eventbus.EventTransportForced,
				Time: rec.At,
				Data: eventbus.TransportForced{
					Kind:   string(rec.Kind),
					Actor:  rec.Actor,
					Reason: rec.Reason,
				},
			})
		}))

	a.templates = template.NewMemoryStore()
	if err := seedTemplates(a.templates, cfg.Tmpl); err != nil {
		return err
	}

	a.disp = notify.NewDispatcher(notify.Deps{
		Gate:    notify.NewGate(a.templates, log),
		Limiter: a.limiter,
		Degrade: a.degr,
		Metrics: a.coll,
		Store:   a.store,
		Bus:     a.bus,
		Senders: a.buildSenders(cfg.Dispatch, log),
		Log:     log,
	})

	a.admin = admin.NewServer(admin.Deps{
		Monitor:  a.monitor,
		Breakers: a.breakers,
		Selector: a.selector,
		Degrade:  a.degr,
		Limiter:  a.limiter,
		Store:    a.store,
		Channels: a.push,
	}, log)

	if cfg.Alerting != nil && cfg.Alerting.Enabled {
		poll, err := config.ParseDurationField("alerting.poll_timeout", cfg.Alerting.PollTimeout)
		if err != nil {
			return err
		}
		a.alerter, err = alerting.New(alerting.Config{
			Token:       cfg.Alerting.Token,
			ChatID:      cfg.Alerting.ChatID,
			MinSeverity: cfg.Alerting.MinSeverity,
			RatePerSec:  cfg.Alerting.RatePerSec,
			PollTimeout: poll,
		}, log)
		if err != nil {
			return fmt.Errorf("init alerting: %w", err)
		}
	}
	return nil
}

func seedTemplates(store *template.MemoryStore, seeds []config.TemplateConfig) error {
	for _, t := range seeds {
		if err := store.Register(t.Name, t.Body, t.Keys...); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
		if t.Active != nil && !*t.Active {
			store.SetActive(t.Name, false)
		}
	}
	return nil
}

func (a *App) buildSenders(dc config.DispatchConfig, log logx.Logger) map[notify.Channel]*notify.Sender {
	retry := func(channel string) notify.RetryPolicy {
		rc := dc.RetryFor(channel)
		return notify.RetryPolicy{
			MaxAttempts: rc.MaxAttempts,
			BaseDelay:   rc.BaseDelayOr(0),
			MaxDelay:    rc.MaxDelayOr(0),
			Multiplier:  rc.Multiplier,
			Jitter:      rc.Jitter,
			CallTimeout: rc.CallTimeoutOr(0),
		}
	}
	pacer := func(channel string) *rate.Limiter {
		perSec := dc.RetryFor(channel).RatePerSec
		if perSec <= 0 {
			return nil
		}
		return rate.NewLimiter(rate.Limit(perSec), 1)
	}

	senders := map[notify.Channel]*notify.Sender{
		notify.ChannelPush: notify.NewRealtimeSender(notify.ChannelPush, a.selector,
			retry("push"), a.breakers, pacer("push"), dc.MaxPayloadBytes, log),
		notify.ChannelStream: notify.NewRealtimeSender(notify.ChannelStream, a.selector,
			retry("stream"), a.breakers, pacer("stream"), dc.MaxPayloadBytes, log),
	}
	if a.email != nil {
		senders[notify.ChannelEmail] = notify.NewEmailSender(a.email,
			retry("email"), a.breakers, pacer("email"), log)
	}
	if a.sms != nil {
		senders[notify.ChannelSMS] = notify.NewSMSSender(a.sms,
			retry("sms"), a.breakers, pacer("sms"), log)
	}
	return senders
}

// Dispatcher exposes the delivery pipeline to callers embedding the engine.
func (a *App) Dispatcher() *notify.Dispatcher { return a.disp }

// Templates exposes the template store for registration at runtime.
func (a *App) Templates() *template.MemoryStore { return a.templates }

// Publisher returns the realtime publisher clients subscribe to.
func (a *App) Publisher(kind transport.Kind) transport.Publisher {
	return a.selector.Publisher(kind)
}

// Start launches the background services: config watcher, degradation
// controller, metrics monitor, admin server, and the alert bridge.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return fmt.Errorf("app already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	cfg := a.cfgm.Get()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	updates := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(runCtx, next)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.degr.Run(runCtx, degrade.SamplerFunc(a.sampleHealth))
	}()

	if err := a.monitor.Start(runCtx); err != nil {
		a.log.Warn("metrics monitor start failed", logx.Err(err))
	}

	if cfg.Admin != nil {
		ac, err := adminConfig(cfg.Admin)
		if err != nil {
			cancel()
			return err
		}
		a.admin.Apply(runCtx, ac)
	}

	if a.alerter != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.alerter.Run(runCtx, a.bus)
		}()
	}

	a.running = true
	a.log.Info("notifyd started", logx.String("config", a.cfgPath))
	return nil
}

// sampleHealth feeds the degradation controller from the collector.
func (a *App) sampleHealth(context.Context) degrade.Sample {
	errorRate, meanMS := a.coll.ErrorStats()
	return degrade.Sample{
		ErrorRate:     errorRate,
		LatencyMS:     meanMS,
		MemoryPercent: degrade.MemoryPercent(),
		At:            time.Now(),
	}
}

func adminConfig(ac *config.AdminConfig) (admin.Config, error) {
	rt, err := config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:      ac.Enabled,
		Addr:         ac.Addr,
		Token:        ac.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

// applyReload pushes a validated config into the running components.
// Structural settings (storage driver, alerting credentials) need a restart;
// limits, breakers profile, degradation thresholds, and the admin surface
// apply live.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if rules, err := cfg.Limits.ToRules(); err == nil {
		a.limiter.Apply(rules)
	}
	if dc, err := cfg.Degrade.ToDegrade(); err == nil {
		a.degr.Apply(dc)
	}
	if cfg.Admin != nil {
		if ac, err := adminConfig(cfg.Admin); err == nil {
			a.admin.Apply(ctx, ac)
		}
	} else {
		a.admin.Apply(ctx, admin.Config{Enabled: false})
	}
	a.log.Info("configuration reload applied")
}

// Stop shuts the background services down and closes the store.
func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	a.cancel()
	a.admin.Stop(ctx)
	a.monitor.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out waiting for background services")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("notifyd stopped")
	return nil
}
