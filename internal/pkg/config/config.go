// Package config loads gateway configuration from a YAML file and GATEWAY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/tenant-gateway/internal/ratelimit"
	"github.com/tjfontaine/tenant-gateway/internal/router"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

const envPrefix = "GATEWAY_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Database  DatabaseConfig  `koanf:"database"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Health    HealthConfig    `koanf:"health"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Routes    []RouteConfig   `koanf:"routes"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	// TrustInternalHeader accepts x-tenant-id from service-to-service calls.
	TrustInternalHeader bool `koanf:"trust_internal_header"`
	// InternalToken, when set, must accompany x-tenant-id.
	InternalToken string `koanf:"internal_token"`
}

type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres, sqlite
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	AcquireTimeout  time.Duration `koanf:"acquire_timeout"`
	ReleaseTimeout  time.Duration `koanf:"release_timeout"`
	// TenantSetting is the PostgreSQL setting row-level security reads.
	TenantSetting string `koanf:"tenant_setting"`
	Migrate       bool   `koanf:"migrate"`
	// AccessLog writes one row per forwarded request through the tagged session.
	AccessLog bool `koanf:"access_log"`
	// EnforceTenantStatus rejects suspended and cancelled tenants.
	EnforceTenantStatus bool `koanf:"enforce_tenant_status"`
}

type RateLimitConfig struct {
	WindowMs      int64         `koanf:"window_ms"`
	Max           int           `koanf:"max"`
	Store         string        `koanf:"store"` // memory, redis
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Redis         RedisConfig   `koanf:"redis"`
}

// Window returns the global window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type ProxyConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type HealthConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Path    string        `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type RouteConfig struct {
	Name   string `koanf:"name"`
	Path   string `koanf:"path"`
	Target string `koanf:"target"`
	// RequiresAuth defaults to true when omitted.
	RequiresAuth *bool           `koanf:"requires_auth"`
	StripPrefix  bool            `koanf:"strip_prefix"`
	Timeout      time.Duration   `koanf:"timeout"`
	HealthPath   string          `koanf:"health_path"`
	RateLimit    *RouteRateLimit `koanf:"rate_limit"`
}

// AuthRequired reports whether the route needs a tenant.
func (r RouteConfig) AuthRequired() bool {
	return r.RequiresAuth == nil || *r.RequiresAuth
}

type RouteRateLimit struct {
	WindowMs int64 `koanf:"window_ms"`
	Max      int   `koanf:"max"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then GATEWAY_* environment
// variables, then applies defaults. A missing file is not an error; nested
// keys are addressed with a double underscore, e.g. GATEWAY_SERVER__PORT.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes()
	}

	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)
	cfg.Auth.InternalToken = substituteEnvVars(cfg.Auth.InternalToken)
	cfg.Database.DSN = substituteEnvVars(cfg.Database.DSN)
	cfg.RateLimit.Redis.Addr = substituteEnvVars(cfg.RateLimit.Redis.Addr)
	cfg.RateLimit.Redis.Password = substituteEnvVars(cfg.RateLimit.Redis.Password)
	for i := range cfg.Routes {
		cfg.Routes[i].Target = substituteEnvVars(cfg.Routes[i].Target)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                    8080,
		"server.read_timeout":            "15s",
		"server.write_timeout":           "60s",
		"server.request_timeout":         "45s",
		"server.shutdown_timeout":        "30s",
		"log.level":                      "info",
		"log.format":                     "json",
		"auth.trust_internal_header":     true,
		"database.driver":                "sqlite",
		"database.dsn":                   "file:gateway.db",
		"database.max_open_conns":        20,
		"database.max_idle_conns":        10,
		"database.conn_max_lifetime":     "30m",
		"database.acquire_timeout":       "5s",
		"database.release_timeout":       "5s",
		"database.migrate":               true,
		"database.access_log":            true,
		"database.enforce_tenant_status": false,
		"rate_limit.window_ms":           900000,
		"rate_limit.max":                 1000,
		"rate_limit.store":               "memory",
		"rate_limit.sweep_interval":      "1m",
		"rate_limit.redis.key_prefix":    "gateway:ratelimit:",
		"proxy.timeout":                  "30s",
		"health.timeout":                 "5s",
		"health.path":                    "/health",
		"telemetry.enabled":              false,
		"telemetry.service_name":         "tenant-gateway",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
}

// DefaultRoutes is the registry used when the config file names no routes.
// Targets come from <SERVICE>_SERVICE_URL with a localhost fallback.
func DefaultRoutes() []RouteConfig {
	services := []struct {
		name string
		port int
	}{
		{"accounting", 3001},
		{"inventory", 3002},
		{"tenants", 3003},
		{"products", 3004},
		{"orders", 3005},
		{"pricing", 3006},
		{"marketplace", 3007},
	}

	routes := make([]RouteConfig, 0, len(services))
	for _, svc := range services {
		envName := strings.ToUpper(svc.name) + "_SERVICE_URL"
		target := os.Getenv(envName)
		if target == "" {
			target = fmt.Sprintf("http://localhost:%d", svc.port)
		}
		routes = append(routes, RouteConfig{
			Name:   svc.name,
			Path:   "/api/v1/" + svc.name,
			Target: target,
		})
	}
	return routes
}

// Validate checks the configuration for values the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (set GATEWAY_AUTH__JWT_SECRET)"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.RateLimit.WindowMs < 0 || c.RateLimit.Max < 0 {
		errs = append(errs, errors.New("rate_limit.window_ms and rate_limit.max must not be negative"))
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.Redis.Addr == "" {
			errs = append(errs, errors.New("rate_limit.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store %q must be memory or redis", c.RateLimit.Store))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d].path %q must start with /", i, r.Path))
		}
		if u, err := url.Parse(r.Target); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("routes[%d].target %q is not an absolute URL", i, r.Target))
		}
		if rl := r.RateLimit; rl != nil && (rl.WindowMs <= 0 || rl.Max <= 0) {
			errs = append(errs, fmt.Errorf("routes[%d].rate_limit needs positive window_ms and max", i))
		}
	}

	return errors.Join(errs...)
}

// RouterRoutes converts the configured routes for router.NewRegistry. Routes
// without a health_path are probed at health.path.
func (c *Config) RouterRoutes() []router.Route {
	routes := make([]router.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		if rc.HealthPath == "" {
			rc.HealthPath = c.Health.Path
		}
		r := router.Route{
			Name:         rc.Name,
			Path:         rc.Path,
			Target:       rc.Target,
			RequiresAuth: rc.AuthRequired(),
			StripPrefix:  rc.StripPrefix,
			Timeout:      rc.Timeout,
			HealthPath:   rc.HealthPath,
		}
		if rc.RateLimit != nil {
			r.RateLimit = &router.RateLimit{
				Window: time.Duration(rc.RateLimit.WindowMs) * time.Millisecond,
				Max:    rc.RateLimit.Max,
			}
		}
		routes = append(routes, r)
	}
	return routes
}

// GlobalRule is the limit applied to every request.
func (c *Config) GlobalRule() ratelimit.Rule {
	return ratelimit.Rule{
		Scope:  ratelimit.ScopeGlobal,
		Name:   "all",
		Window: c.RateLimit.Window(),
		Max:    c.RateLimit.Max,
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
