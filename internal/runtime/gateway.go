// Package runtime assembles the gateway from configuration and manages its
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/tenant-gateway/internal/auth"
	"github.com/tjfontaine/tenant-gateway/internal/health"
	"github.com/tjfontaine/tenant-gateway/internal/metrics"
	"github.com/tjfontaine/tenant-gateway/internal/pkg/config"
	"github.com/tjfontaine/tenant-gateway/internal/ratelimit"
	"github.com/tjfontaine/tenant-gateway/internal/router"
	"github.com/tjfontaine/tenant-gateway/internal/server"
	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/storage"
	"github.com/tjfontaine/tenant-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/tenant-gateway/internal/tenant"
)

// Gateway is the main entry point for running the tenant gateway.
// It owns the database pool, the rate limit store, and the HTTP server.
type Gateway struct {
	// Dependencies (injected via options)
	config     *config.Config
	store      *sqldb.Store
	redis      redis.UniversalClient
	metrics    *metrics.Metrics
	transport  http.RoundTripper
	listenAddr string
	version    string

	directory storage.TenantDirectory
	access    storage.AccessLog

	ownsStore bool
	ownsRedis bool

	// Internal state
	server   *server.Server
	listener net.Listener
	sessions *session.Manager
	logger   *slog.Logger

	// Lifecycle management
	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. A configuration is
// required (WithConfig or WithFileConfig).
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:  slog.Default(),
		version: "dev",
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config required (use WithConfig or WithFileConfig)")
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}
	if gw.listenAddr == "" {
		gw.listenAddr = fmt.Sprintf(":%d", gw.config.Server.Port)
	}

	return gw, nil
}

// Start opens the database, builds the request pipeline and begins serving.
// It returns once the listener is bound.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}
	cfg := g.config

	if g.store == nil {
		store, err := sqldb.New(sqldb.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			TenantSetting:   cfg.Database.TenantSetting,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			Migrate:         cfg.Database.Migrate,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		g.store = store
		g.ownsStore = true
	}

	g.sessions = session.NewManager(g.store.DB(), g.store.Dialect(),
		session.WithAcquireTimeout(cfg.Database.AcquireTimeout),
		session.WithReleaseTimeout(cfg.Database.ReleaseTimeout),
		session.WithLogger(g.logger),
		session.WithObserver(g.metrics),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, runCtx := errgroup.WithContext(runCtx)
	g.cancel = cancel
	g.group = group

	limitStore, err := g.rateLimitStore(runCtx)
	if err != nil {
		g.stopBackground()
		g.closeResources()
		return err
	}

	handler, err := g.buildGateway(limitStore)
	if err != nil {
		g.stopBackground()
		g.closeResources()
		return err
	}

	srv := server.New(server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
	}, g.logger)
	srv.Router.Handle("/metrics", g.metrics.Handler())
	handler.Mount(srv.Router)

	ln, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		g.stopBackground()
		g.closeResources()
		return fmt.Errorf("listen on %s: %w", g.listenAddr, err)
	}
	g.listener = ln
	g.server = srv

	group.Go(func() error {
		return srv.Serve(ln)
	})

	g.logger.Info("gateway started",
		slog.String("addr", ln.Addr().String()),
		slog.Int("routes", len(cfg.Routes)),
		slog.String("database", g.store.Dialect().Name()),
		slog.String("rate_limit_store", cfg.RateLimit.Store))

	return nil
}

// Addr returns the bound listen address once started.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Shutdown gracefully stops the gateway. In-flight requests finish, and with
// them release their database sessions, before the pool is closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := g.stopBackground(); err != nil {
		errs = append(errs, err)
	}

	if n := g.inUse(); n > 0 {
		g.logger.Warn("closing database with sessions still checked out", slog.Int64("sessions", n))
	}
	g.closeResources()
	g.server = nil

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) inUse() int64 {
	if g.sessions == nil {
		return 0
	}
	return g.sessions.InUse()
}

func (g *Gateway) stopBackground() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.group == nil {
		return nil
	}
	err := g.group.Wait()
	g.group = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) closeResources() {
	if g.ownsRedis && g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Error("failed to close redis client", slog.String("error", err.Error()))
		}
		g.redis = nil
	}
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close database", slog.String("error", err.Error()))
		}
		g.store = nil
	}
}

// rateLimitStore returns the configured counter store. The memory store is
// swept in the background until ctx ends.
func (g *Gateway) rateLimitStore(ctx context.Context) (ratelimit.Store, error) {
	cfg := g.config.RateLimit

	switch cfg.Store {
	case "redis":
		if g.redis == nil {
			g.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			g.ownsRedis = true
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := g.redis.Ping(pingCtx).Err(); err != nil {
			// Requests fail open while redis is unreachable.
			g.logger.Warn("redis unreachable at startup", slog.String("error", err.Error()))
		}
		return ratelimit.NewRedisStore(g.redis, cfg.Redis.KeyPrefix), nil

	case "memory", "":
		store := ratelimit.NewMemoryStore()
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		g.group.Go(func() error {
			sweep(ctx, store, interval, g.logger)
			return nil
		})
		return store, nil

	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}
}

func sweep(ctx context.Context, store *ratelimit.MemoryStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Debug("swept expired rate limit windows", slog.Int("removed", n))
			}
		}
	}
}

func (g *Gateway) buildGateway(limitStore ratelimit.Store) (*server.Gateway, error) {
	cfg := g.config

	reg, err := router.NewRegistry(cfg.RouterRoutes())
	if err != nil {
		return nil, fmt.Errorf("build route registry: %w", err)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), auth.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}

	gw, err := server.NewGateway(server.GatewayConfig{
		Registry: reg,
		Forwarder: router.NewForwarder(reg, router.ForwarderConfig{
			Timeout:   cfg.Proxy.Timeout,
			Transport: g.transport,
			RequestID: server.GetRequestID,
			Logger:    g.logger,
		}),
		Resolver: tenant.NewResolver(tenant.ResolverConfig{
			Verifier:            verifier,
			TrustInternalHeader: cfg.Auth.TrustInternalHeader,
			InternalToken:       cfg.Auth.InternalToken,
			Logger:              g.logger,
		}),
		Limiter:    ratelimit.New(limitStore, ratelimit.WithLogger(g.logger)),
		GlobalRule: cfg.GlobalRule(),
		Sessions:   g.sessions,
		Health: health.NewAggregator(reg, health.Config{
			Timeout:  cfg.Health.Timeout,
			Logger:   g.logger,
			Observer: g.metrics,
		}),
		Directory:           g.tenantDirectory(),
		EnforceTenantStatus: cfg.Database.EnforceTenantStatus,
		AccessLog:           g.accessLog(),
		Metrics:             g.metrics,
		Logger:              g.logger,
		Info: server.Info{
			Service:             cfg.Telemetry.ServiceName,
			Version:             g.version,
			StartedAt:           time.Now(),
			RateLimitStore:      cfg.RateLimit.Store,
			TrustInternalHeader: cfg.Auth.TrustInternalHeader,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	return gw, nil
}

func (g *Gateway) tenantDirectory() storage.TenantDirectory {
	if g.directory != nil {
		return g.directory
	}
	return g.store
}

func (g *Gateway) accessLog() storage.AccessLog {
	if !g.config.Database.AccessLog {
		return nil
	}
	if g.access != nil {
		return g.access
	}
	return g.store
}
