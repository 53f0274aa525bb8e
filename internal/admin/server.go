// Package admin exposes the operational HTTP surface: engine stats, breaker
// and transport state, and the manual transport override.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"notifyd/internal/breaker"
	"notifyd/internal/degrade"
	"notifyd/internal/metrics"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8686"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// ChannelLister lists active realtime channels (optional capability).
type ChannelLister interface {
	Channels(prefix string) []transport.ChannelInfo
}

// Deps are the read/control surfaces exposed over HTTP.
type Deps struct {
	Monitor  *metrics.Monitor
	Breakers *breaker.Registry
	Selector *transport.Selector
	Degrade  *degrade.Controller
	Limiter  *ratelimit.Limiter
	Store    storage.Store
	Channels ChannelLister
}

// Server manages lifecycle for the admin HTTP listener. Apply is safe to
// call repeatedly (hot reload); an address change restarts the listener.
type Server struct {
	mu    sync.Mutex
	log   logx.Logger
	deps  Deps
	srv   *http.Server
	ln    net.Listener
	addr  string
	token string

	started time.Time
}

func NewServer(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{deps: deps, log: log.With(logx.String("comp", "admin")), started: time.Now()}
}

// Apply starts or stops the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Addr && s.token == cfg.Token {
		return
	}

	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("admin listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.token = cfg.Token

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server error", logx.Err(err))
		}
	}()
	s.log.Info("admin server started", logx.String("addr", s.addr))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("admin server stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /attempts/{id}", s.handleAttempt)
	mux.HandleFunc("POST /transport/force", s.handleForce)
	mux.HandleFunc("POST /transport/clear", s.handleClear)
	return withAuth(token, mux)
}

func withAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := "Bearer " + token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"transport": s.deps.Selector.Status(),
	}
	if s.deps.Degrade != nil {
		lvl := s.deps.Degrade.Level()
		resp["degradation_level"] = lvl.String()
		if lvl >= degrade.LevelSevere {
			resp["status"] = "degraded"
		}
	}
	if s.deps.Limiter != nil {
		allowed, blocked := s.deps.Limiter.Counters()
		resp["admissions"] = map[string]uint64{"allowed": allowed, "blocked": blocked}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("history"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "invalid history parameter", http.StatusBadRequest)
			return
		}
		n = v
	}
	resp := map[string]any{
		"current": s.deps.Monitor.Current(),
	}
	if n > 0 {
		resp["history"] = s.deps.Monitor.History().Last(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Snapshot())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Channels == nil {
		http.Error(w, "channel listing unavailable", http.StatusNotImplemented)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	writeJSON(w, http.StatusOK, s.deps.Channels.Channels(prefix))
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "storage disabled", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	rec, ok, err := s.deps.Store.GetAttempt(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "attempt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type forceRequest struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func decodeForce(r *http.Request) (forceRequest, error) {
	var req forceRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	req.Kind = strings.TrimSpace(req.Kind)
	req.Actor = strings.TrimSpace(req.Actor)
	req.Reason = strings.TrimSpace(req.Reason)
	return req, nil
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	req, err := decodeForce(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.deps.Selector.Force(transport.Kind(req.Kind), req.Actor, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.audit(r.Context(), "transport.force", req.Kind, req.Actor, req.Reason)
	writeJSON(w, http.StatusOK, s.deps.Selector.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	req, err := decodeForce(r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Selector.ClearForce(req.Actor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.audit(r.Context(), "transport.clear", "", req.Actor, req.Reason)
	writeJSON(w, http.StatusOK, s.deps.Selector.Status())
}

func (s *Server) audit(ctx context.Context, action, target, actor, reason string) {
	if s.deps.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Actor:  actor,
		Action: action,
		Target: target,
		Reason: reason,
	}
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
