// Package router maps request paths to downstream services and forwards
// requests to them.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultHealthPath is probed when a route does not name its own.
const DefaultHealthPath = "/health"

// RateLimit is a per-route request budget.
type RateLimit struct {
	Window time.Duration
	Max    int
}

// Route maps a path prefix to a downstream service.
type Route struct {
	Name         string
	Path         string
	Target       string
	RequiresAuth bool
	// StripPrefix removes Path from the forwarded request path.
	StripPrefix bool
	// Timeout bounds one forwarded request. Zero uses the forwarder default.
	Timeout    time.Duration
	HealthPath string
	RateLimit  *RateLimit

	target *url.URL
}

// TargetURL returns the parsed target.
func (r *Route) TargetURL() *url.URL {
	u := *r.target
	return &u
}

// HealthURL returns the URL probed by health checks.
func (r *Route) HealthURL() string {
	path := r.HealthPath
	if path == "" {
		path = DefaultHealthPath
	}
	return strings.TrimRight(r.Target, "/") + path
}

// matches reports whether path falls under the route prefix on a segment
// boundary.
func (r *Route) matches(path string) bool {
	if r.Path == "/" {
		return true
	}
	if !strings.HasPrefix(path, r.Path) {
		return false
	}
	return len(path) == len(r.Path) || path[len(r.Path)] == '/'
}

// Registry is the immutable, validated route table.
type Registry struct {
	routes []*Route
}

// NewRegistry validates routes and orders them for longest-prefix matching.
func NewRegistry(routes []Route) (*Registry, error) {
	seen := make(map[string]string, len(routes))
	out := make([]*Route, 0, len(routes))

	for i := range routes {
		r := routes[i]
		if err := normalize(&r); err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, r.Name, err)
		}
		if other, dup := seen[r.Path]; dup {
			return nil, fmt.Errorf("route %s: duplicate path %s (already used by %s)", r.Name, r.Path, other)
		}
		seen[r.Path] = r.Name
		out = append(out, &r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Path) > len(out[j].Path)
	})
	return &Registry{routes: out}, nil
}

func normalize(r *Route) error {
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with /", r.Path)
	}
	if len(r.Path) > 1 {
		r.Path = strings.TrimRight(r.Path, "/")
	}
	if r.Name == "" {
		r.Name = strings.TrimPrefix(r.Path, "/")
	}

	u, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", r.Target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target %q must be an absolute http(s) URL", r.Target)
	}
	r.target = u

	if r.HealthPath != "" && !strings.HasPrefix(r.HealthPath, "/") {
		r.HealthPath = "/" + r.HealthPath
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if r.RateLimit != nil && (r.RateLimit.Max <= 0 || r.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit needs a positive window and max")
	}
	return nil
}

// Match returns the route with the longest prefix covering path.
func (reg *Registry) Match(path string) (*Route, bool) {
	for _, r := range reg.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns copies of the routes in match order.
func (reg *Registry) Routes() []Route {
	out := make([]Route, len(reg.routes))
	for i, r := range reg.routes {
		out[i] = *r
	}
	return out
}

// Len returns the number of routes.
func (reg *Registry) Len() int {
	return len(reg.routes)
}
