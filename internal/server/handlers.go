package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type routeView struct {
	Name         string         `json:"name"`
	Path         string         `json:"path"`
	Target       string         `json:"target"`
	RequiresAuth bool           `json:"requiresAuth"`
	StripPrefix  bool           `json:"stripPrefix,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
	HealthPath   string         `json:"healthPath,omitempty"`
	RateLimit    *rateLimitView `json:"rateLimit,omitempty"`
}

type rateLimitView struct {
	WindowMs int64  `json:"windowMs"`
	Max      int    `json:"max"`
	Store    string `json:"store,omitempty"`
}

// Mount registers the gateway endpoints on r and sends every other path
// through the proxy pipeline.
func (g *Gateway) Mount(r chi.Router) {
	r.Get("/health", g.handleLiveness)
	r.Get("/info", g.handleInfo)
	r.Get("/gateway/info", g.handleGatewayInfo)
	r.Get("/gateway/routes", g.handleRoutes)
	r.Get("/gateway/health", g.handleAggregateHealth)

	r.Handle("/*", g)
	r.NotFound(g.ServeHTTP)
}

func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   g.info.Service,
		"timestamp": g.now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	now := g.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":       g.info.Service,
		"version":       g.info.Version,
		"startedAt":     g.info.StartedAt.UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(now.Sub(g.info.StartedAt).Seconds()),
	})
}

func (g *Gateway) handleGatewayInfo(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"service": g.info.Service,
		"version": g.info.Version,
		"routes":  g.registry.Len(),
		"auth": map[string]any{
			"mode":                "jwt",
			"trustInternalHeader": g.info.TrustInternalHeader,
		},
	}
	if g.globalRule.Enabled() {
		body["rateLimit"] = rateLimitView{
			WindowMs: g.globalRule.Window.Milliseconds(),
			Max:      g.globalRule.Max,
			Store:    g.info.RateLimitStore,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := g.registry.Routes()
	views := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		v := routeView{
			Name:         rt.Name,
			Path:         rt.Path,
			Target:       rt.Target,
			RequiresAuth: rt.RequiresAuth,
			StripPrefix:  rt.StripPrefix,
			HealthPath:   rt.HealthPath,
		}
		if rt.Timeout > 0 {
			v.Timeout = rt.Timeout.String()
		}
		if rt.RateLimit != nil {
			v.RateLimit = &rateLimitView{WindowMs: rt.RateLimit.Window.Milliseconds(), Max: rt.RateLimit.Max}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": views})
}

func (g *Gateway) handleAggregateHealth(w http.ResponseWriter, r *http.Request) {
	report := g.health.Check(r.Context())

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
