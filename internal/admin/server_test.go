package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notifyd/internal/breaker"
	"notifyd/internal/metrics"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server, storage.Store) {
	t.Helper()

	reg := breaker.NewRegistry(breaker.Config{}, nil)
	push := transport.NewMemoryPublisher()
	sel := transport.NewSelector(push, transport.NewMemoryPublisher(), reg, logx.Nop())
	coll := metrics.NewCollector()
	mon := metrics.NewMonitor(metrics.MonitorConfig{}, coll, logx.Nop())
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	s := NewServer(Deps{
		Monitor:  mon,
		Breakers: reg,
		Selector: sel,
		Store:    store,
		Channels: push,
	}, logx.Nop())

	ts := httptest.NewServer(s.routes(token))
	t.Cleanup(ts.Close)
	return s, ts, store
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&body)
	}
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, "")

	resp, body := get(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, "")

	resp, body := get(t, ts.URL+"/stats?history=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := body["current"]; !ok {
		t.Fatalf("body = %v", body)
	}

	resp, _ = get(t, ts.URL+"/stats?history=nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/breakers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]breaker.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTransportForceAndClear(t *testing.T) {
	t.Parallel()
	_, ts, store := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/transport/force", "application/json",
		strings.NewReader(`{"kind":"stream","actor":"ops@city","reason":"push maintenance"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st transport.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Selected != transport.KindStream {
		t.Fatalf("selected = %q", st.Selected)
	}

	// Missing actor is rejected.
	resp2, err := http.Post(ts.URL+"/transport/force", "application/json",
		strings.NewReader(`{"kind":"stream"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp2.StatusCode)
	}

	// Clearing without an actor is rejected before touching the selector.
	resp3, err := http.Post(ts.URL+"/transport/clear", "application/json",
		strings.NewReader(`{"reason":"maintenance done"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp3.StatusCode)
	}

	resp4, err := http.Post(ts.URL+"/transport/clear", "application/json",
		strings.NewReader(`{"actor":"ops@city","reason":"maintenance done"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp4.Body.Close()
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp4.StatusCode)
	}
	var cleared transport.Status
	if err := json.NewDecoder(resp4.Body).Decode(&cleared); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cleared.Forced != nil {
		t.Fatalf("override still present: %+v", cleared.Forced)
	}

	// Both operator actions are audited.
	mem, ok := store.(interface{ Audits() []storage.AuditEntry })
	if !ok {
		t.Fatal("memory store lost audit helper")
	}
	audits := mem.Audits()
	if len(audits) != 2 || audits[0].Action != "transport.force" || audits[1].Action != "transport.clear" {
		t.Fatalf("audits = %+v", audits)
	}
}

func TestAttemptLookup(t *testing.T) {
	t.Parallel()
	_, ts, store := newTestServer(t, "")

	err := store.CreateAttempt(context.Background(), storage.AttemptRecord{
		ID:        "a-1",
		Recipient: "u1",
		Status:    storage.StatusSent,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	resp, err := http.Get(ts.URL + "/attempts/a-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/attempts/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, "sekrit")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
}

func TestApplyLifecycle(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, "")

	ctx := context.Background()
	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Apply(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("server did not stop")
	}
}
