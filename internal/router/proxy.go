package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
	"github.com/tjfontaine/tenant-gateway/internal/tenant"
)

const (
	defaultTimeout  = 30 * time.Second
	headerRequestID = "X-Request-ID"
)

// identityHeaders are owned by the gateway. Client-supplied values are dropped
// before forwarding and replaced with the resolved identity.
var identityHeaders = []string{
	tenant.HeaderTenantID,
	tenant.HeaderUserID,
	tenant.HeaderUserRole,
	tenant.HeaderInternalToken,
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// Timeout is the per-request upstream bound for routes without their own.
	Timeout time.Duration

	// Transport overrides the upstream transport. It is wrapped for tracing.
	Transport http.RoundTripper

	// RequestID returns the id of the inbound request, forwarded as
	// X-Request-ID.
	RequestID func(ctx context.Context) string

	Logger *slog.Logger
}

// Forwarder proxies requests to the service of a matched route.
type Forwarder struct {
	proxies map[string]*httputil.ReverseProxy
	timeout time.Duration
	logger  *slog.Logger
}

type upstreamErrorKey struct{}

type upstreamError struct {
	err error
}

// NewForwarder builds one reverse proxy per route in reg.
func NewForwarder(reg *Registry, cfg ForwarderConfig) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.Transport
	if base == nil {
		base = defaultTransport()
	}
	transport := otelhttp.NewTransport(base)

	f := &Forwarder{
		proxies: make(map[string]*httputil.ReverseProxy, reg.Len()),
		timeout: timeout,
		logger:  logger,
	}
	for _, r := range reg.routes {
		f.proxies[r.Path] = f.newReverseProxy(r, transport, cfg.RequestID)
	}
	return f
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.MaxIdleConnsPerHost = 32
	return t
}

func (f *Forwarder) newReverseProxy(route *Route, transport http.RoundTripper, requestID func(context.Context) string) *httputil.ReverseProxy {
	target := route.TargetURL()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if route.StripPrefix {
				stripped := strings.TrimPrefix(pr.In.URL.Path, route.Path)
				if !strings.HasPrefix(stripped, "/") {
					stripped = "/" + stripped
				}
				pr.Out.URL.Path = stripped
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()

			for _, h := range identityHeaders {
				pr.Out.Header.Del(h)
			}

			ctx := pr.In.Context()
			if tc, ok := tenant.FromContext(ctx); ok {
				pr.Out.Header.Set(tenant.HeaderTenantID, tc.TenantID())
				if tc.UserID() != "" {
					pr.Out.Header.Set(tenant.HeaderUserID, tc.UserID())
				}
				if tc.Role() != "" {
					pr.Out.Header.Set(tenant.HeaderUserRole, tc.Role())
				}
			}
			if requestID != nil {
				if id := requestID(ctx); id != "" {
					pr.Out.Header.Set(headerRequestID, id)
				}
			}
		},
		Transport: transport,
		ErrorLog:  slog.NewLogLogger(f.logger.Handler(), slog.LevelWarn),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if holder, ok := r.Context().Value(upstreamErrorKey{}).(*upstreamError); ok {
				holder.err = err
			}
		},
	}
}

// Forward proxies r to route's service and relays the response unchanged.
// When the service cannot be reached or does not answer within the route
// timeout, nothing is written and domain.ErrUpstreamUnavailable is returned
// for the caller to render.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *Route) error {
	proxy, ok := f.proxies[route.Path]
	if !ok {
		return domain.ErrRouteNotFound.WithDetail("route", route.Path)
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	holder := &upstreamError{}
	ctx = context.WithValue(ctx, upstreamErrorKey{}, holder)

	start := time.Now()
	proxy.ServeHTTP(w, r.WithContext(ctx))

	if holder.err == nil {
		return nil
	}

	attrs := []any{
		slog.String("route", route.Path),
		slog.String("target", route.Target),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("error", holder.err.Error()),
	}
	if errors.Is(holder.err, context.Canceled) && r.Context().Err() != nil {
		f.logger.Info("client went away before upstream answered", attrs...)
	} else {
		f.logger.Warn("upstream unavailable", attrs...)
	}

	return domain.ErrUpstreamUnavailable.
		WithMessage(fmt.Sprintf("service for %s is unavailable", route.Path)).
		WithDetail("route", route.Path).
		WithCause(holder.err)
}
