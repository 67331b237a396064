// Package session pins a pooled database connection to one request and tags it
// with the request's tenant for the lifetime of that request.
//
// A Session owns exactly one *sqlx.Conn. The tag is set on that connection at
// Acquire and cleared on the same connection at Release; a connection whose tag
// cannot be cleared is destroyed rather than returned to the pool.
package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
	"github.com/tjfontaine/tenant-gateway/internal/storage/dialect"
)

const (
	defaultReleaseTimeout  = 5 * time.Second
	defaultMaxStaleRetries = 3
)

// Reasons passed to Observer.SessionDestroyed.
const (
	ReasonStaleTag    = "stale_tag"
	ReasonSetupFailed = "setup_failed"
	ReasonClearFailed = "clear_failed"
)

// Queryer is the query surface available to request work. It is satisfied by
// *Session and deliberately not by the pool.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

// Observer receives session lifecycle events.
type Observer interface {
	SessionAcquired(tenantID string)
	SessionReleased(tenantID string, held time.Duration)
	SessionDestroyed(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionAcquired(string)                {}
func (nopObserver) SessionReleased(string, time.Duration) {}
func (nopObserver) SessionDestroyed(string)               {}

// Manager hands out tenant-tagged sessions from a bounded pool.
type Manager struct {
	db       *sqlx.DB
	dialect  dialect.Dialect
	logger   *slog.Logger
	observer Observer

	acquireTimeout  time.Duration
	releaseTimeout  time.Duration
	maxStaleRetries int

	inUse atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithAcquireTimeout bounds the wait for a free connection. Zero means the
// caller's context is the only bound.
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.acquireTimeout = d
	}
}

// WithReleaseTimeout bounds the clear statement run at release.
func WithReleaseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.releaseTimeout = d
		}
	}
}

// WithMaxStaleRetries sets how many tagged connections Acquire discards before
// giving up.
func WithMaxStaleRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxStaleRetries = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager creates a session manager over db.
func NewManager(db *sqlx.DB, d dialect.Dialect, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		dialect:         d,
		logger:          slog.Default(),
		observer:        nopObserver{},
		releaseTimeout:  defaultReleaseTimeout,
		maxStaleRetries: defaultMaxStaleRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InUse returns the number of sessions currently held.
func (m *Manager) InUse() int64 {
	return m.inUse.Load()
}

// Acquire checks out a dedicated connection and tags it with tenantID. It
// blocks until a connection is free, ctx ends, or the acquire timeout passes.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Session, error) {
	if tenantID == "" {
		return nil, domain.ErrSessionAcquireFailed.WithMessage("tenant id is required to acquire a session")
	}

	if m.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()
	}

	for attempt := 0; attempt <= m.maxStaleRetries; attempt++ {
		conn, err := m.db.Connx(ctx)
		if err != nil {
			return nil, domain.ErrSessionAcquireFailed.WithCause(fmt.Errorf("checkout connection: %w", err))
		}

		current, err := m.prepare(ctx, conn)
		if err != nil {
			m.destroy(conn, ReasonSetupFailed)
			return nil, domain.ErrSessionAcquireFailed.WithCause(err)
		}
		if current != "" {
			m.logger.Warn("discarding connection with uncleared tenant tag",
				slog.String("stale_tenant_id", current),
				slog.String("tenant_id", tenantID),
				slog.Int("attempt", attempt+1))
			m.destroy(conn, ReasonStaleTag)
			continue
		}

		if err := m.execAll(ctx, conn, m.dialect.SetTenant(tenantID)); err != nil {
			m.destroy(conn, ReasonSetupFailed)
			return nil, domain.ErrSessionAcquireFailed.WithCause(fmt.Errorf("tag connection: %w", err))
		}

		m.inUse.Add(1)
		m.observer.SessionAcquired(tenantID)
		m.logger.Debug("session acquired", slog.String("tenant_id", tenantID))
		return &Session{
			manager:    m,
			conn:       conn,
			tenantID:   tenantID,
			acquiredAt: time.Now(),
		}, nil
	}

	return nil, domain.ErrSessionAcquireFailed.WithMessage(
		fmt.Sprintf("no clean connection after discarding %d tagged connections", m.maxStaleRetries+1))
}

// Release clears the tag and returns the connection to the pool. The clear runs
// on a context detached from any request so that a cancelled request still
// cleans up. If clearing fails the connection is destroyed and
// domain.ErrSessionClearFailed is returned. Releasing twice is a no-op.
func (m *Manager) Release(s *Session) error {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return nil
	}
	defer m.inUse.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
	defer cancel()

	if err := m.execAll(ctx, s.conn, m.dialect.ClearTenant()); err != nil {
		m.logger.Error("failed to clear tenant tag, destroying connection",
			slog.String("tenant_id", s.tenantID),
			slog.String("error", err.Error()))
		m.destroy(s.conn, ReasonClearFailed)
		return domain.ErrSessionClearFailed.WithCause(err)
	}

	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		m.logger.Warn("failed to return connection to pool", slog.String("error", err.Error()))
	}

	held := time.Since(s.acquiredAt)
	m.observer.SessionReleased(s.tenantID, held)
	m.logger.Debug("session released",
		slog.String("tenant_id", s.tenantID),
		slog.Duration("held", held))
	return nil
}

// WithSession runs fn with a session tagged for tenantID. The session is
// released whether fn returns normally, returns an error, or panics; a panic is
// re-raised after release. A release failure is returned only when fn itself
// succeeded.
func (m *Manager) WithSession(ctx context.Context, tenantID string, fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := m.Acquire(ctx, tenantID)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = m.Release(s)
			panic(p)
		}
		if relErr := m.Release(s); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(ctx, s)
}

// prepare runs per-connection setup and returns the tag currently on conn.
func (m *Manager) prepare(ctx context.Context, conn *sqlx.Conn) (string, error) {
	if err := m.execAll(ctx, conn, m.dialect.SessionSetup()); err != nil {
		return "", fmt.Errorf("session setup: %w", err)
	}

	stmt := m.dialect.CurrentTenant()
	var current sql.NullString
	if err := conn.QueryRowContext(ctx, stmt.Query, stmt.Args...).Scan(&current); err != nil {
		return "", fmt.Errorf("read tenant tag: %w", err)
	}
	return current.String, nil
}

func (m *Manager) execAll(ctx context.Context, conn *sqlx.Conn, stmts []dialect.Statement) error {
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
			return err
		}
	}
	return nil
}

// destroy closes the underlying driver connection instead of returning it to
// the pool. database/sql discards a connection when a Raw callback reports
// driver.ErrBadConn.
func (m *Manager) destroy(conn *sqlx.Conn, reason string) {
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	_ = conn.Close()
	m.observer.SessionDestroyed(reason)
}

// Session is one request's tagged connection.
type Session struct {
	manager    *Manager
	conn       *sqlx.Conn
	tenantID   string
	acquiredAt time.Time
	released   atomic.Bool
}

var _ Queryer = (*Session)(nil)

// TenantID returns the tenant the connection is tagged with.
func (s *Session) TenantID() string {
	return s.tenantID
}

// Release returns the session to its manager.
func (s *Session) Release() error {
	return s.manager.Release(s)
}

// Released reports whether the session has been released.
func (s *Session) Released() bool {
	return s.released.Load()
}

// Query methods fail with sql.ErrConnDone once the session is released.

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.released.Load() {
		return nil, sql.ErrConnDone
	}
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.released.Load() {
		return nil, sql.ErrConnDone
	}
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *Session) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	if s.released.Load() {
		return sql.ErrConnDone
	}
	return s.conn.GetContext(ctx, dest, query, args...)
}

// Rebind converts ? placeholders to the session dialect's format.
func (s *Session) Rebind(query string) string {
	return s.manager.dialect.Rebind(query)
}
