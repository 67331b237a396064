// Package storage defines the gateway's own persistence: the tenant directory
// consulted before forwarding and the per-request access log.
//
// Every operation takes the request's session.Queryer so that reads and writes
// run on the tenant-tagged connection and are subject to row-level security.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/session"
	"github.com/tjfontaine/tenant-gateway/internal/tenant"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the session's tenant.
var ErrNotFound = errors.New("storage: not found")

// TenantRecord is a row of the tenant directory.
type TenantRecord struct {
	ID        string        `db:"id"`
	Name      string        `db:"name"`
	Status    tenant.Status `db:"status"`
	CreatedAt time.Time     `db:"created_at"`
}

// Active reports whether requests for the tenant may be forwarded.
func (r *TenantRecord) Active() bool {
	switch r.Status {
	case tenant.StatusSuspended, tenant.StatusCancelled:
		return false
	default:
		return true
	}
}

// AccessEntry is one forwarded request.
type AccessEntry struct {
	TenantID   string
	UserID     string
	RequestID  string
	Method     string
	Path       string
	Route      string
	StatusCode int
	Duration   time.Duration
	CreatedAt  time.Time
}

// TenantDirectory looks up tenants.
type TenantDirectory interface {
	LookupTenant(ctx context.Context, q session.Queryer, tenantID string) (*TenantRecord, error)
}

// AccessLog records forwarded requests.
type AccessLog interface {
	RecordAccess(ctx context.Context, q session.Queryer, entry *AccessEntry) error
}
