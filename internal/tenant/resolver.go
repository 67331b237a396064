package tenant

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/tenant-gateway/internal/auth"
	"github.com/tjfontaine/tenant-gateway/internal/domain"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Verifier *auth.Verifier

	// TrustInternalHeader enables the x-tenant-id path used by
	// service-to-service calls.
	TrustInternalHeader bool

	// InternalToken, when set, must be presented in x-internal-token for the
	// internal header to be honoured.
	InternalToken string

	Logger *slog.Logger
}

// Resolver derives a tenant Context from an inbound request.
type Resolver struct {
	verifier      *auth.Verifier
	trustInternal bool
	internalToken []byte
	logger        *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		verifier:      cfg.Verifier,
		trustInternal: cfg.TrustInternalHeader,
		logger:        logger,
	}
	if cfg.InternalToken != "" {
		r.internalToken = []byte(cfg.InternalToken)
	}
	return r
}

// Resolve checks the internal trust header first and falls back to the bearer
// token. It fails with domain.ErrTenantContextRequired when neither source is
// present, or with the verifier's error when the token is rejected.
func (r *Resolver) Resolve(req *http.Request) (*Context, error) {
	if tc, ok := r.fromInternalHeader(req); ok {
		return tc, nil
	}

	header := req.Header.Get("Authorization")
	if header == "" || r.verifier == nil {
		return nil, domain.ErrTenantContextRequired.WithMessage(
			"tenant context required: send a bearer token or an internal tenant header")
	}

	claims, err := r.verifier.VerifyHeader(header)
	if err != nil {
		return nil, err
	}

	return New(Fields{
		TenantID: claims.TenantID,
		Features: claims.Permissions,
		UserID:   claims.UserID,
		Role:     claims.Role,
		Source:   SourceToken,
	})
}

// HasCredentials reports whether the request presents any tenant credential.
// Routes that do not require auth only resolve a tenant when one is offered.
func (r *Resolver) HasCredentials(req *http.Request) bool {
	if req.Header.Get("Authorization") != "" {
		return true
	}
	return r.trustInternal && strings.TrimSpace(req.Header.Get(HeaderTenantID)) != ""
}

func (r *Resolver) fromInternalHeader(req *http.Request) (*Context, bool) {
	if !r.trustInternal {
		return nil, false
	}
	tenantID := strings.TrimSpace(req.Header.Get(HeaderTenantID))
	if tenantID == "" {
		return nil, false
	}

	if r.internalToken != nil {
		presented := []byte(req.Header.Get(HeaderInternalToken))
		if subtle.ConstantTimeCompare(presented, r.internalToken) != 1 {
			r.logger.Warn("ignoring internal tenant header without valid internal token",
				slog.String("remote_addr", req.RemoteAddr))
			return nil, false
		}
	}

	tc, err := New(Fields{
		TenantID: tenantID,
		UserID:   strings.TrimSpace(req.Header.Get(HeaderUserID)),
		Role:     strings.TrimSpace(req.Header.Get(HeaderUserRole)),
		Source:   SourceInternal,
	})
	if err != nil {
		return nil, false
	}
	return tc, true
}
