package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
	"github.com/tjfontaine/tenant-gateway/internal/health"
	"github.com/tjfontaine/tenant-gateway/internal/ratelimit"
	"github.com/tjfontaine/tenant-gateway/internal/router"
	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/storage"
	"github.com/tjfontaine/tenant-gateway/internal/tenant"
)

const (
	unmatchedRoute   = "unmatched"
	accessLogTimeout = 5 * time.Second
)

// Metrics receives pipeline events. *metrics.Metrics implements it.
type Metrics interface {
	ObserveRequest(route, method string, code int, elapsed time.Duration)
	RateLimitRejected(scope string)
	RateLimitStoreError()
	UpstreamError(route string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, int, time.Duration) {}
func (nopMetrics) RateLimitRejected(string)                         {}
func (nopMetrics) RateLimitStoreError()                             {}
func (nopMetrics) UpstreamError(string)                             {}

// Info describes the running gateway on the info endpoints.
type Info struct {
	Service             string
	Version             string
	StartedAt           time.Time
	RateLimitStore      string
	TrustInternalHeader bool
}

// GatewayConfig wires the request pipeline.
type GatewayConfig struct {
	Registry   *router.Registry
	Forwarder  *router.Forwarder
	Resolver   *tenant.Resolver
	Limiter    *ratelimit.Limiter
	GlobalRule ratelimit.Rule
	Sessions   *session.Manager
	Health     *health.Aggregator

	// Directory is consulted when EnforceTenantStatus is set.
	Directory           storage.TenantDirectory
	EnforceTenantStatus bool

	// AccessLog, when set, records every request forwarded for a tenant.
	AccessLog storage.AccessLog

	Metrics Metrics
	Logger  *slog.Logger
	Info    Info
	Now     func() time.Time
}

// Gateway runs every proxied request through tenant resolution, rate
// limiting and a tenant-tagged database session before forwarding it.
type Gateway struct {
	registry      *router.Registry
	forwarder     *router.Forwarder
	resolver      *tenant.Resolver
	limiter       *ratelimit.Limiter
	globalRule    ratelimit.Rule
	sessions      *session.Manager
	health        *health.Aggregator
	directory     storage.TenantDirectory
	enforceStatus bool
	accessLog     storage.AccessLog
	metrics       Metrics
	logger        *slog.Logger
	info          Info
	now           func() time.Time
}

// NewGateway validates cfg and builds the pipeline.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("gateway: registry is required")
	case cfg.Forwarder == nil:
		return nil, errors.New("gateway: forwarder is required")
	case cfg.Resolver == nil:
		return nil, errors.New("gateway: tenant resolver is required")
	case cfg.Limiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case cfg.Sessions == nil:
		return nil, errors.New("gateway: session manager is required")
	case cfg.EnforceTenantStatus && cfg.Directory == nil:
		return nil, errors.New("gateway: tenant directory is required to enforce tenant status")
	}

	g := &Gateway{
		registry:      cfg.Registry,
		forwarder:     cfg.Forwarder,
		resolver:      cfg.Resolver,
		limiter:       cfg.Limiter,
		globalRule:    cfg.GlobalRule,
		sessions:      cfg.Sessions,
		health:        cfg.Health,
		directory:     cfg.Directory,
		enforceStatus: cfg.EnforceTenantStatus,
		accessLog:     cfg.AccessLog,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		info:          cfg.Info,
		now:           cfg.Now,
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.info.StartedAt.IsZero() {
		g.info.StartedAt = g.now()
	}
	if g.health == nil {
		g.health = health.NewAggregator(g.registry, health.Config{Logger: g.logger})
	}
	return g, nil
}

// ServeHTTP handles a request for a routed service.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := g.now()

	route, ok := g.registry.Match(r.URL.Path)
	if !ok {
		g.metrics.ObserveRequest(unmatchedRoute, r.Method, http.StatusNotFound, g.now().Sub(start))
		WriteError(w, r, domain.ErrRouteNotFound.WithDetail("path", r.URL.Path))
		return
	}
	AddLogField(r.Context(), "route", route.Path)

	rw := &loggingResponseWriter{ResponseWriter: w}
	defer func() {
		g.metrics.ObserveRequest(route.Path, r.Method, rw.Status(), g.now().Sub(start))
	}()

	if err := g.serveRoute(rw, r, route, start); err != nil {
		WriteError(rw, r, err)
	}
}

func (g *Gateway) serveRoute(w *loggingResponseWriter, r *http.Request, route *router.Route, start time.Time) error {
	tc, err := g.resolveTenant(r, route)
	if err != nil {
		return err
	}

	identity := clientIP(r)
	if tc != nil {
		r = r.WithContext(tenant.NewContext(r.Context(), tc))
		AddLogField(r.Context(), "tenant_id", tc.TenantID())
		identity = tc.TenantID()
	}

	if err := g.enforceRateLimits(w, r, route, identity); err != nil {
		return err
	}

	if tc == nil {
		return g.forward(w, r, route)
	}

	s, err := g.sessions.Acquire(r.Context(), tc.TenantID())
	if err != nil {
		return err
	}
	defer g.release(r.Context(), s)

	if g.enforceStatus {
		if err := g.checkTenantStatus(r.Context(), s, tc.TenantID()); err != nil {
			return err
		}
	}

	if err := g.forward(w, r, route); err != nil {
		WriteError(w, r, err)
	}
	g.recordAccess(r, s, tc, route, w.Status(), g.now().Sub(start))
	return nil
}

// resolveTenant returns nil without error for a public route called without
// credentials. Credentials that are presented must be valid.
func (g *Gateway) resolveTenant(r *http.Request, route *router.Route) (*tenant.Context, error) {
	if !route.RequiresAuth && !g.resolver.HasCredentials(r) {
		return nil, nil
	}
	return g.resolver.Resolve(r)
}

// enforceRateLimits evaluates the global tier, then the route tier. The
// headers describe whichever admitted tier has the least headroom, or the
// tier that rejected.
func (g *Gateway) enforceRateLimits(w http.ResponseWriter, r *http.Request, route *router.Route, identity string) error {
	rules := []ratelimit.Rule{g.globalRule}
	if rl := route.RateLimit; rl != nil {
		rules = append(rules, ratelimit.Rule{
			Scope:  ratelimit.ScopeRoute,
			Name:   route.Path,
			Window: rl.Window,
			Max:    rl.Max,
		})
	}

	now := g.now()
	var shown ratelimit.Decision
	for _, rule := range rules {
		d, err := g.limiter.Allow(r.Context(), rule, identity)
		if err != nil {
			g.metrics.RateLimitStoreError()
			g.logger.Warn("rate limit store unavailable, admitting request",
				slog.String("scope", string(rule.Scope)),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("error", err.Error()))
		}

		if !d.Allowed {
			writeRateLimitHeaders(w.Header(), d, now)
			g.metrics.RateLimitRejected(string(d.Scope))
			AddLogField(r.Context(), "rate_limit_scope", string(d.Scope))
			return domain.ErrRateLimitExceeded.
				WithDetail("scope", string(d.Scope)).
				WithDetail("retryAfter", int64(d.RetryAfter(now)/time.Second))
		}
		if tighter(d, shown) {
			shown = d
		}
	}

	writeRateLimitHeaders(w.Header(), shown, now)
	return nil
}

func (g *Gateway) checkTenantStatus(ctx context.Context, s *session.Session, tenantID string) error {
	rec, err := g.directory.LookupTenant(ctx, s, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrTenantInactive.WithMessage("tenant is not registered")
	}
	if err != nil {
		return domain.ErrInternal.WithCause(fmt.Errorf("lookup tenant: %w", err))
	}
	if !rec.Active() {
		return domain.ErrTenantInactive.WithMessage(fmt.Sprintf("tenant is %s", rec.Status))
	}
	return nil
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, route *router.Route) error {
	err := g.forwarder.Forward(w, r, route)
	if err != nil {
		g.metrics.UpstreamError(route.Path)
	}
	return err
}

func (g *Gateway) release(ctx context.Context, s *session.Session) {
	if err := s.Release(); err != nil {
		AddLogField(ctx, "release_error", err.Error())
		g.logger.Error("session release failed",
			slog.String("tenant_id", s.TenantID()),
			slog.String("request_id", GetRequestID(ctx)),
			slog.String("error", err.Error()))
	}
}

// recordAccess writes the access row through the request's own session so
// the write carries the tenant tag. It outlives a cancelled request.
func (g *Gateway) recordAccess(r *http.Request, s *session.Session, tc *tenant.Context, route *router.Route, status int, elapsed time.Duration) {
	if g.accessLog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), accessLogTimeout)
	defer cancel()

	err := g.accessLog.RecordAccess(ctx, s, &storage.AccessEntry{
		TenantID:   tc.TenantID(),
		UserID:     tc.UserID(),
		RequestID:  GetRequestID(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      route.Path,
		StatusCode: status,
		Duration:   elapsed,
		CreatedAt:  g.now(),
	})
	if err != nil {
		g.logger.Warn("failed to record access",
			slog.String("tenant_id", tc.TenantID()),
			slog.String("route", route.Path),
			slog.String("error", err.Error()))
	}
}
