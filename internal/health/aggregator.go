// Package health probes every routed service and folds the results into one
// report.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/tenant-gateway/internal/router"
)

const defaultTimeout = 5 * time.Second

// Status is a health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ServiceResult is the probe outcome for one route.
type ServiceResult struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Target     string `json:"target"`
	Status     Status `json:"status"`
	StatusCode int    `json:"statusCode,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
	Error      string `json:"error,omitempty"`
}

// Report is the aggregate result of one Check.
type Report struct {
	Status    Status          `json:"status"`
	Services  []ServiceResult `json:"services"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Healthy reports whether every service answered 2xx.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Observer receives per-service results.
type Observer interface {
	ServiceHealth(name string, healthy bool)
}

// Config configures an Aggregator.
type Config struct {
	// Timeout bounds each probe.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
	// Observer is optional.
	Observer Observer
}

// Aggregator probes the health endpoint of every route.
type Aggregator struct {
	routes   []router.Route
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewAggregator creates an aggregator over the routes of reg.
func NewAggregator(reg *router.Registry, cfg Config) *Aggregator {
	routes := reg.Routes()
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Name < routes[j].Name
	})

	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		routes:   routes,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		observer: cfg.Observer,
		now:      time.Now,
	}
}

// Check probes all services in parallel. A failing probe never aborts the
// others; the overall status is healthy only when all of them pass.
func (a *Aggregator) Check(ctx context.Context) Report {
	results := make([]ServiceResult, len(a.routes))

	var g errgroup.Group
	for i := range a.routes {
		i := i
		g.Go(func() error {
			results[i] = a.probe(ctx, &a.routes[i])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Services:  results,
		CheckedAt: a.now().UTC(),
	}
	for _, r := range results {
		if r.Status != StatusHealthy {
			report.Status = StatusDegraded
		}
		if a.observer != nil {
			a.observer.ServiceHealth(r.Name, r.Status == StatusHealthy)
		}
	}

	if !report.Healthy() {
		a.logger.Warn("downstream services degraded", slog.Any("unhealthy", unhealthyNames(results)))
	}
	return report
}

func (a *Aggregator) probe(ctx context.Context, route *router.Route) (result ServiceResult) {
	result = ServiceResult{
		Name:   route.Name,
		Path:   route.Path,
		Target: route.Target,
		Status: StatusUnhealthy,
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		result.LatencyMs = time.Since(start).Milliseconds()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, route.HealthURL(), nil)
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		return result
	}

	resp, err := a.client.Do(req)
	if err != nil {
		result.Error = probeError(ctx, err)
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusHealthy
	} else {
		result.Error = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return result
}

func probeError(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "health probe timed out"
	}
	return "health probe failed: " + err.Error()
}

func unhealthyNames(results []ServiceResult) []string {
	var names []string
	for _, r := range results {
		if r.Status != StatusHealthy {
			names = append(names, r.Name)
		}
	}
	return names
}
