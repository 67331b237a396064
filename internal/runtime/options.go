package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/tenant-gateway/internal/metrics"
	"github.com/tjfontaine/tenant-gateway/internal/pkg/config"
	"github.com/tjfontaine/tenant-gateway/internal/storage"
	"github.com/tjfontaine/tenant-gateway/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads configuration from path and GATEWAY_* environment
// variables.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.config = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		g.config = cfg
		return nil
	}
}

// WithStore uses an open database store instead of opening one from config.
// The caller keeps ownership and closes it.
func WithStore(store *sqldb.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithTenantDirectory replaces the database tenant directory consulted when
// tenant status is enforced.
func WithTenantDirectory(d storage.TenantDirectory) Option {
	return func(g *Gateway) error {
		g.directory = d
		return nil
	}
}

// WithAccessLog sends access entries to l instead of the database. Entries are
// only written when database.access_log is enabled.
func WithAccessLog(l storage.AccessLog) Option {
	return func(g *Gateway) error {
		g.access = l
		return nil
	}
}

// WithRedisClient shares an existing client for the redis rate limit store.
// The caller keeps ownership and closes it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) error {
		g.redis = client
		return nil
	}
}

// WithMetrics registers gateway metrics on m instead of a fresh registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithUpstreamTransport overrides the transport used to reach services.
func WithUpstreamTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) error {
		g.transport = rt
		return nil
	}
}

// WithListenAddr overrides the address derived from server.port, e.g.
// "127.0.0.1:0" in tests.
func WithListenAddr(addr string) Option {
	return func(g *Gateway) error {
		g.listenAddr = addr
		return nil
	}
}

// WithVersion sets the version reported by the info endpoints.
func WithVersion(version string) Option {
	return func(g *Gateway) error {
		g.version = version
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
