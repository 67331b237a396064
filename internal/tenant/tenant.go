// Package tenant holds the per-request tenant context and the resolver that
// derives it from a verified token or a trusted internal header.
package tenant

import (
	"context"
	"sort"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
)

// Headers carrying tenant identity between the gateway and internal services.
const (
	HeaderTenantID      = "X-Tenant-Id"
	HeaderUserID        = "X-User-Id"
	HeaderUserRole      = "X-User-Role"
	HeaderInternalToken = "X-Internal-Token"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusTrial     Status = "trial"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

// Source records where the tenant identity came from.
type Source string

const (
	SourceToken    Source = "token"
	SourceInternal Source = "internal"
)

// Fields is the input to New.
type Fields struct {
	TenantID   string
	TenantName string
	Status     Status
	Features   []string
	Limits     map[string]int
	UserID     string
	Role       string
	Source     Source
}

// Context is the resolved tenant identity of one request. It is immutable:
// all fields are read through accessors that return copies.
type Context struct {
	tenantID   string
	tenantName string
	status     Status
	features   map[string]struct{}
	limits     map[string]int
	userID     string
	role       string
	source     Source
}

// New builds a Context. A tenant id is mandatory.
func New(f Fields) (*Context, error) {
	if f.TenantID == "" {
		return nil, domain.ErrTenantContextRequired
	}

	c := &Context{
		tenantID:   f.TenantID,
		tenantName: f.TenantName,
		status:     f.Status,
		features:   make(map[string]struct{}, len(f.Features)),
		limits:     make(map[string]int, len(f.Limits)),
		userID:     f.UserID,
		role:       f.Role,
		source:     f.Source,
	}
	for _, feature := range f.Features {
		c.features[feature] = struct{}{}
	}
	for k, v := range f.Limits {
		c.limits[k] = v
	}
	return c, nil
}

func (c *Context) TenantID() string   { return c.tenantID }
func (c *Context) TenantName() string { return c.tenantName }
func (c *Context) Status() Status     { return c.status }
func (c *Context) UserID() string     { return c.userID }
func (c *Context) Role() string       { return c.role }
func (c *Context) Source() Source     { return c.source }

// HasFeature reports whether the tenant context grants feature.
func (c *Context) HasFeature(feature string) bool {
	_, ok := c.features[feature]
	return ok
}

// Features returns the feature set in sorted order.
func (c *Context) Features() []string {
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Limit returns a named limit.
func (c *Context) Limit(name string) (int, bool) {
	v, ok := c.limits[name]
	return v, ok
}

// Limits returns a copy of the limits map.
func (c *Context) Limits() map[string]int {
	out := make(map[string]int, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

// contextKey is the type for tenant context keys
type contextKey string

const tenantContextKey contextKey = "tenant"

// NewContext returns a new context with the tenant attached.
func NewContext(ctx context.Context, t *Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, t)
}

// FromContext extracts the tenant from the context.
func FromContext(ctx context.Context) (*Context, bool) {
	t, ok := ctx.Value(tenantContextKey).(*Context)
	return t, ok && t != nil
}

// IDFromContext returns the tenant id, or "" when no tenant is attached.
func IDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.TenantID()
	}
	return ""
}
