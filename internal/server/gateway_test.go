package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/auth"
	"github.com/tjfontaine/tenant-gateway/internal/health"
	"github.com/tjfontaine/tenant-gateway/internal/ratelimit"
	"github.com/tjfontaine/tenant-gateway/internal/router"
	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/tenant-gateway/internal/tenant"
)

var testSecret = []byte("gateway-test-secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream is a downstream service that records what it received.
type upstream struct {
	*httptest.Server
	calls      atomic.Int32
	lastTenant atomic.Value
}

func newUpstream(t *testing.T, status int) *upstream {
	t.Helper()
	u := &upstream{}
	u.lastTenant.Store("")
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		u.calls.Add(1)
		u.lastTenant.Store(r.Header.Get(tenant.HeaderTenantID))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	t.Cleanup(u.Close)
	return u
}

type fixture struct {
	handler  http.Handler
	store    *sqldb.Store
	sessions *session.Manager
}

type fixtureOptions struct {
	routes        []router.Route
	global        ratelimit.Rule
	store         ratelimit.Store
	enforceStatus bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := discardLogger()

	store, err := sqldb.NewSQLite("file:" + filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.DB().SetMaxOpenConns(2)

	sessions := session.NewManager(store.DB(), store.Dialect(), session.WithLogger(logger))

	reg, err := router.NewRegistry(opts.routes)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	verifier, err := auth.NewVerifier(testSecret, auth.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	limitStore := opts.store
	if limitStore == nil {
		limitStore = ratelimit.NewMemoryStore()
	}

	gw, err := NewGateway(GatewayConfig{
		Registry:  reg,
		Forwarder: router.NewForwarder(reg, router.ForwarderConfig{Timeout: 2 * time.Second, RequestID: GetRequestID, Logger: logger}),
		Resolver: tenant.NewResolver(tenant.ResolverConfig{
			Verifier:            verifier,
			TrustInternalHeader: true,
			Logger:              logger,
		}),
		Limiter:             ratelimit.New(limitStore, ratelimit.WithLogger(logger)),
		GlobalRule:          opts.global,
		Sessions:            sessions,
		Health:              health.NewAggregator(reg, health.Config{Timeout: time.Second, Logger: logger}),
		Directory:           store,
		EnforceTenantStatus: opts.enforceStatus,
		AccessLog:           store,
		Logger:              logger,
		Info:                Info{Service: "tenant-gateway", Version: "test", RateLimitStore: "memory", TrustInternalHeader: true},
	})
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}

	srv := New(Config{RequestTimeout: 5 * time.Second}, logger)
	gw.Mount(srv.Router)

	return &fixture{handler: srv.Router, store: store, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) accessRows(t *testing.T, tenantID string) int {
	t.Helper()
	var n int
	if err := f.store.DB().Get(&n, `SELECT COUNT(*) FROM gateway_access_log WHERE tenant_id = ?`, tenantID); err != nil {
		t.Fatalf("count access rows: %v", err)
	}
	return n
}

func bearer(t *testing.T, tenantID string) map[string]string {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	token, err := issuer.Issue(auth.SessionClaims{
		TenantID:  tenantID,
		UserID:    "user-1",
		Role:      "admin",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestGateway_ForwardsWithTenantSession(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
		global: ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Name: "all", Window: time.Minute, Max: 10},
	})

	rec := f.do(t, http.MethodGet, "/api/v1/orders/42", bearer(t, "tenant-a"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"path":"/api/v1/orders/42"}` {
		t.Errorf("body = %s, want upstream body unchanged", rec.Body.String())
	}
	if got := orders.lastTenant.Load(); got != "tenant-a" {
		t.Errorf("upstream x-tenant-id = %v, want tenant-a", got)
	}
	if rec.Header().Get(HeaderRateLimitLimit) != "10" || rec.Header().Get(HeaderRateLimitRemaining) != "9" {
		t.Errorf("rate limit headers = %s/%s, want 10/9",
			rec.Header().Get(HeaderRateLimitLimit), rec.Header().Get(HeaderRateLimitRemaining))
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Error("X-Request-ID missing from response")
	}
	if n := f.sessions.InUse(); n != 0 {
		t.Errorf("sessions in use = %d, want 0", n)
	}
	if n := f.accessRows(t, "tenant-a"); n != 1 {
		t.Errorf("access rows = %d, want 1", n)
	}
}

func TestGateway_MissingCredentialsNeverReachesUpstream(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
	})

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode string
	}{
		{"no credentials", nil, "TenantContextRequired"},
		{"basic auth", map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}, "MissingCredentials"},
		{"bad signature", map[string]string{"Authorization": "Bearer abc.def.ghi"}, "InvalidSignature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/orders", tt.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if body := decodeError(t, rec); body["error"] != tt.wantCode {
				t.Errorf("error = %v, want %s", body["error"], tt.wantCode)
			}
		})
	}

	if n := orders.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestGateway_RouteNotFound(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
	})

	for _, path := range []string{"/api/v1/ordersx", "/nowhere", "/gateway/unknown"} {
		rec := f.do(t, http.MethodGet, path, bearer(t, "tenant-a"))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
			continue
		}
		if body := decodeError(t, rec); body["error"] != "RouteNotFound" {
			t.Errorf("GET %s error = %v, want RouteNotFound", path, body["error"])
		}
	}
}

func TestGateway_GlobalRateLimit(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	now := time.Now()
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
		global: ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Name: "all", Window: time.Hour, Max: 2},
	})
	headers := bearer(t, "tenant-a")

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodGet, "/api/v1/orders", headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/orders", headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "RateLimitExceeded" || body["scope"] != "global" {
		t.Errorf("body = %v, want RateLimitExceeded/global", body)
	}
	retry, err := strconv.Atoi(rec.Header().Get(HeaderRetryAfter))
	if err != nil || retry < 1 || time.Duration(retry)*time.Second > time.Hour+time.Second {
		t.Errorf("Retry-After = %q, want 1..3601", rec.Header().Get(HeaderRetryAfter))
	}
	if reset, _ := strconv.ParseInt(rec.Header().Get(HeaderRateLimitReset), 10, 64); reset < now.Unix() {
		t.Errorf("X-RateLimit-Reset = %d, want in the future", reset)
	}
	if rec.Header().Get(HeaderRateLimitRemaining) != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get(HeaderRateLimitRemaining))
	}

	if n := orders.calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
	if n := f.accessRows(t, "tenant-a"); n != 2 {
		t.Errorf("access rows = %d, want 2 (rejected request acquires no session)", n)
	}

	// Another tenant has its own budget.
	if rec := f.do(t, http.MethodGet, "/api/v1/orders", bearer(t, "tenant-b")); rec.Code != http.StatusOK {
		t.Errorf("tenant-b status = %d, want 200", rec.Code)
	}
}

func TestGateway_RouteRateLimit(t *testing.T) {
	pricing := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{
			Name:         "pricing",
			Path:         "/api/v1/pricing",
			Target:       pricing.URL,
			RequiresAuth: true,
			RateLimit:    &router.RateLimit{Window: time.Hour, Max: 1},
		}},
		global: ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Name: "all", Window: time.Hour, Max: 100},
	})
	headers := bearer(t, "tenant-a")

	rec := f.do(t, http.MethodGet, "/api/v1/pricing", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(HeaderRateLimitScope); got != "route" {
		t.Errorf("X-RateLimit-Scope = %q, want the tighter route tier", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/pricing", headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if body := decodeError(t, rec); body["scope"] != "route" {
		t.Errorf("scope = %v, want route", body["scope"])
	}
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestGateway_LimiterStoreFailureFailsOpen(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
		global: ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Name: "all", Window: time.Minute, Max: 1},
		store:  failingStore{},
	})

	for i := 0; i < 3; i++ {
		if rec := f.do(t, http.MethodGet, "/api/v1/orders", bearer(t, "tenant-a")); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestGateway_UpstreamUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target := dead.URL
	dead.Close()

	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "inventory", Path: "/api/v1/inventory", Target: target, RequiresAuth: true}},
	})

	rec := f.do(t, http.MethodGet, "/api/v1/inventory/items", bearer(t, "tenant-a"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "UpstreamUnavailable" || body["route"] != "/api/v1/inventory" {
		t.Errorf("body = %v, want UpstreamUnavailable naming the route", body)
	}
	if n := f.sessions.InUse(); n != 0 {
		t.Errorf("sessions in use = %d, want 0 after upstream failure", n)
	}
	if n := f.accessRows(t, "tenant-a"); n != 1 {
		t.Errorf("access rows = %d, want 1", n)
	}
}

func TestGateway_PublicRoute(t *testing.T) {
	catalog := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "products", Path: "/api/v1/products", Target: catalog.URL, RequiresAuth: false}},
		global: ratelimit.Rule{Scope: ratelimit.ScopeGlobal, Name: "all", Window: time.Hour, Max: 1},
	})

	rec := f.do(t, http.MethodGet, "/api/v1/products", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := catalog.lastTenant.Load(); got != "" {
		t.Errorf("upstream x-tenant-id = %v, want none", got)
	}

	// Anonymous callers are limited by client address.
	if rec := f.do(t, http.MethodGet, "/api/v1/products", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second anonymous status = %d, want 429", rec.Code)
	}

	// Presented credentials must still be valid.
	rec = f.do(t, http.MethodGet, "/api/v1/products", map[string]string{"Authorization": "Bearer nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
}

func TestGateway_TenantStatusEnforced(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes:        []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
		enforceStatus: true,
	})

	seed := `INSERT INTO tenants (id, name, status, created_at) VALUES (?, ?, ?, ?)`
	for _, row := range [][]any{
		{"tenant-live", "Live", "active", time.Now()},
		{"tenant-off", "Off", "suspended", time.Now()},
	} {
		if _, err := f.store.DB().Exec(seed, row...); err != nil {
			t.Fatalf("seed tenant: %v", err)
		}
	}

	tests := []struct {
		tenant string
		want   int
	}{
		{"tenant-live", http.StatusOK},
		{"tenant-off", http.StatusForbidden},
		{"tenant-unknown", http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodGet, "/api/v1/orders", bearer(t, tt.tenant))
		if rec.Code != tt.want {
			t.Errorf("%s status = %d, want %d", tt.tenant, rec.Code, tt.want)
		}
		if tt.want == http.StatusForbidden {
			if body := decodeError(t, rec); body["error"] != "TenantInactive" {
				t.Errorf("%s error = %v, want TenantInactive", tt.tenant, body["error"])
			}
		}
	}

	if n := orders.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if n := f.sessions.InUse(); n != 0 {
		t.Errorf("sessions in use = %d, want 0", n)
	}
}

func TestGateway_InternalHeader(t *testing.T) {
	orders := newUpstream(t, http.StatusOK)
	f := newFixture(t, fixtureOptions{
		routes: []router.Route{{Name: "orders", Path: "/api/v1/orders", Target: orders.URL, RequiresAuth: true}},
	})

	rec := f.do(t, http.MethodPost, "/api/v1/orders", map[string]string{tenant.HeaderTenantID: "tenant-svc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := orders.lastTenant.Load(); got != "tenant-svc" {
		t.Errorf("upstream x-tenant-id = %v, want tenant-svc", got)
	}
}

func TestGateway_NewRequiresDependencies(t *testing.T) {
	if _, err := NewGateway(GatewayConfig{}); err == nil {
		t.Error("NewGateway() error = nil, want missing dependency error")
	}
}
