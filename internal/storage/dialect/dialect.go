// Package dialect provides database dialect abstractions for the tenant
// session tag and the gateway's own tables.
package dialect

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTenantSetting is the PostgreSQL custom setting that row-level
// security policies read the current tenant from.
const DefaultTenantSetting = "app.current_tenant"

// Statement is a query with its positional arguments.
type Statement struct {
	Query string
	Args  []any
}

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// For example, PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// PragmaStatements returns statements run once when the pool is opened.
	PragmaStatements() []string

	// SessionSetup returns statements run on a connection before it is tagged.
	SessionSetup() []Statement

	// SetTenant returns the statements that tag the connection with tenantID.
	SetTenant(tenantID string) []Statement

	// ClearTenant returns the statements that remove the tag.
	ClearTenant() []Statement

	// CurrentTenant returns a single-row, single-column query yielding the
	// tag on the connection, or "" when untagged.
	CurrentTenant() Statement

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// AutoIncrementClause returns the clause for auto-increment primary keys
	AutoIncrementClause() string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// Options tune a dialect.
type Options struct {
	// TenantSetting names the PostgreSQL setting used as the tenant tag.
	TenantSetting string
}

var settingName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType, opts Options) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		setting := opts.TenantSetting
		if setting == "" {
			setting = DefaultTenantSetting
		}
		if !settingName.MatchString(setting) {
			return nil, fmt.Errorf("invalid tenant setting %q: want namespace.name", setting)
		}
		return &postgresDialect{setting: setting}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string, opts Options) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return New(SQLite, opts)
	case "postgres", "postgresql", "pq":
		return New(Postgres, opts)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// sqliteDialect implements Dialect for SQLite. SQLite has no session
// variables, so the tag lives in a connection-local temp table.
type sqliteDialect struct{}

const sqliteSessionTable = "gateway_session"

func (d *sqliteDialect) Name() string {
	return "sqlite"
}

func (d *sqliteDialect) DriverName() string {
	return "sqlite"
}

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

func (d *sqliteDialect) SessionSetup() []Statement {
	return []Statement{{
		Query: "CREATE TEMP TABLE IF NOT EXISTS " + sqliteSessionTable + " (tenant_id TEXT NOT NULL)",
	}}
}

func (d *sqliteDialect) SetTenant(tenantID string) []Statement {
	return []Statement{
		{Query: "DELETE FROM temp." + sqliteSessionTable},
		{Query: "INSERT INTO temp." + sqliteSessionTable + " (tenant_id) VALUES (?)", Args: []any{tenantID}},
	}
}

func (d *sqliteDialect) ClearTenant() []Statement {
	return []Statement{{Query: "DELETE FROM temp." + sqliteSessionTable}}
}

func (d *sqliteDialect) CurrentTenant() Statement {
	return Statement{
		Query: "SELECT COALESCE((SELECT tenant_id FROM temp." + sqliteSessionTable + " LIMIT 1), '')",
	}
}

func (d *sqliteDialect) TimestampType() string {
	return "TIMESTAMP"
}

func (d *sqliteDialect) AutoIncrementClause() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// postgresDialect implements Dialect for PostgreSQL. The tag is a
// session-scoped custom setting, visible to row-level security policies via
// current_setting().
type postgresDialect struct {
	setting string
}

func (d *postgresDialect) Name() string {
	return "postgres"
}

func (d *postgresDialect) DriverName() string {
	return "postgres"
}

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			result.WriteString(fmt.Sprintf("$%d", idx))
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

func (d *postgresDialect) SessionSetup() []Statement {
	return nil
}

// SetTenant uses set_config with is_local=false so the value outlives any
// single transaction on the connection.
func (d *postgresDialect) SetTenant(tenantID string) []Statement {
	return []Statement{{
		Query: "SELECT set_config($1, $2, false)",
		Args:  []any{d.setting, tenantID},
	}}
}

func (d *postgresDialect) ClearTenant() []Statement {
	return []Statement{{
		Query: "SELECT set_config($1, '', false)",
		Args:  []any{d.setting},
	}}
}

func (d *postgresDialect) CurrentTenant() Statement {
	return Statement{
		Query: "SELECT COALESCE(current_setting($1, true), '')",
		Args:  []any{d.setting},
	}
}

func (d *postgresDialect) TimestampType() string {
	return "TIMESTAMP WITH TIME ZONE"
}

func (d *postgresDialect) AutoIncrementClause() string {
	return "BIGSERIAL PRIMARY KEY"
}
