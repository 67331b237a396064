// Package sqldb opens the gateway's database pool and implements the tenant
// directory and access log over tenant-tagged sessions.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/storage"
	"github.com/tjfontaine/tenant-gateway/internal/storage/dialect"
)

// Store owns the connection pool.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var (
	_ storage.TenantDirectory = (*Store)(nil)
	_ storage.AccessLog       = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string

	// TenantSetting names the PostgreSQL setting used as the tenant tag.
	TenantSetting string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Migrate creates the gateway tables when they are missing.
	Migrate bool
}

// New opens the pool described by cfg.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver, dialect.Options{TenantSetting: cfg.TenantSetting})
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if cfg.Migrate {
		if err := store.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return store, nil
}

// NewSQLite creates a migrated SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath, Migrate: true})
}

// DB returns the underlying pool. Request work must go through a session.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
status TEXT NOT NULL DEFAULT 'active',
created_at %s NOT NULL
)`, s.dialect.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS gateway_access_log (
id %s,
tenant_id TEXT NOT NULL,
user_id TEXT,
request_id TEXT,
method TEXT NOT NULL,
path TEXT NOT NULL,
route TEXT NOT NULL,
status_code INTEGER NOT NULL,
duration_ms INTEGER NOT NULL,
created_at %s NOT NULL
)`, s.dialect.AutoIncrementClause(), s.dialect.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_access_log_tenant ON gateway_access_log(tenant_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// LookupTenant reads a tenant through the request's session.
func (s *Store) LookupTenant(ctx context.Context, q session.Queryer, tenantID string) (*storage.TenantRecord, error) {
	query := q.Rebind(`SELECT id, name, status, created_at FROM tenants WHERE id = ?`)

	var rec storage.TenantRecord
	err := q.GetContext(ctx, &rec, query, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant %s: %w", tenantID, err)
	}
	return &rec, nil
}

// RecordAccess appends an access log row through the request's session.
func (s *Store) RecordAccess(ctx context.Context, q session.Queryer, e *storage.AccessEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	query := q.Rebind(`INSERT INTO gateway_access_log
	(tenant_id, user_id, request_id, method, path, route, status_code, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.ExecContext(ctx, query,
		e.TenantID, e.UserID, e.RequestID, e.Method, e.Path, e.Route,
		e.StatusCode, e.Duration.Milliseconds(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
