package tenant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/tenant-gateway/internal/auth"
	"github.com/tjfontaine/tenant-gateway/internal/domain"
)

var secret = []byte("resolver-test-secret")

func newResolver(t *testing.T, trust bool, internalToken string) *Resolver {
	t.Helper()
	v, err := auth.NewVerifier(secret, auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return NewResolver(ResolverConfig{
		Verifier:            v,
		TrustInternalHeader: trust,
		InternalToken:       internalToken,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func issue(t *testing.T, c auth.SessionClaims) string {
	t.Helper()
	issuer, err := auth.NewIssuer(secret)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	token, err := issuer.Issue(c)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func TestResolver_FromToken(t *testing.T) {
	r := newResolver(t, true, "")
	token := issue(t, auth.SessionClaims{
		TenantID:    "tenant-a",
		UserID:      "user-1",
		Role:        "manager",
		Permissions: []string{"orders:write", "orders:read"},
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	tc, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if tc.TenantID() != "tenant-a" || tc.UserID() != "user-1" || tc.Role() != "manager" {
		t.Errorf("Resolve() = %s/%s/%s, want tenant-a/user-1/manager", tc.TenantID(), tc.UserID(), tc.Role())
	}
	if tc.Source() != SourceToken {
		t.Errorf("Source() = %s, want token", tc.Source())
	}
	if !tc.HasFeature("orders:read") || tc.HasFeature("orders:delete") {
		t.Errorf("Features() = %v", tc.Features())
	}
	if got := tc.Features(); got[0] != "orders:read" {
		t.Errorf("Features() = %v, want sorted", got)
	}
}

func TestResolver_InternalHeader(t *testing.T) {
	r := newResolver(t, true, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory", nil)
	req.Header.Set(HeaderTenantID, " tenant-b ")
	req.Header.Set(HeaderUserID, "svc-orders")
	req.Header.Set(HeaderUserRole, "service")

	tc, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if tc.TenantID() != "tenant-b" {
		t.Errorf("TenantID() = %q, want tenant-b", tc.TenantID())
	}
	if tc.UserID() != "svc-orders" || tc.Role() != "service" {
		t.Errorf("user = %s/%s, want svc-orders/service", tc.UserID(), tc.Role())
	}
	if tc.Source() != SourceInternal {
		t.Errorf("Source() = %s, want internal", tc.Source())
	}
}

func TestResolver_InternalHeaderTakesPrecedence(t *testing.T) {
	r := newResolver(t, true, "")
	token := issue(t, auth.SessionClaims{TenantID: "tenant-a", UserID: "u", ExpiresAt: time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderTenantID, "tenant-b")

	tc, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if tc.TenantID() != "tenant-b" {
		t.Errorf("TenantID() = %q, want tenant-b", tc.TenantID())
	}
}

func TestResolver_Failures(t *testing.T) {
	expired := issue(t, auth.SessionClaims{TenantID: "tenant-a", UserID: "u", ExpiresAt: time.Now().Add(-time.Minute).Unix()})

	tests := []struct {
		name          string
		trust         bool
		internalToken string
		headers       map[string]string
		want          *domain.APIError
	}{
		{
			name: "no credentials",
			want: domain.ErrTenantContextRequired,
		},
		{
			name:    "internal header without trust",
			headers: map[string]string{HeaderTenantID: "tenant-b"},
			want:    domain.ErrTenantContextRequired,
		},
		{
			name:          "internal header with wrong internal token",
			trust:         true,
			internalToken: "s3cret",
			headers:       map[string]string{HeaderTenantID: "tenant-b", HeaderInternalToken: "guess"},
			want:          domain.ErrTenantContextRequired,
		},
		{
			name:    "basic auth",
			trust:   true,
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			want:    domain.ErrMissingCredentials,
		},
		{
			name:    "expired token",
			trust:   true,
			headers: map[string]string{"Authorization": "Bearer " + expired},
			want:    domain.ErrExpired,
		},
		{
			name:    "garbage token",
			headers: map[string]string{"Authorization": "Bearer abc.def.ghi"},
			want:    domain.ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(t, tt.trust, tt.internalToken)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			tc, err := r.Resolve(req)
			if err == nil {
				t.Fatalf("Resolve() = %s, want error %s", tc.TenantID(), tt.want.Code)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve() error = %v, want %s", err, tt.want.Code)
			}
			if status := domain.AsAPIError(err).HTTPStatusCode(); status != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", status)
			}
		})
	}
}

func TestResolver_InternalTokenAccepted(t *testing.T) {
	r := newResolver(t, true, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "tenant-c")
	req.Header.Set(HeaderInternalToken, "s3cret")

	tc, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if tc.TenantID() != "tenant-c" {
		t.Errorf("TenantID() = %q, want tenant-c", tc.TenantID())
	}
}

func TestResolver_HasCredentials(t *testing.T) {
	r := newResolver(t, false, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if r.HasCredentials(req) {
		t.Error("HasCredentials() = true for bare request")
	}
	req.Header.Set(HeaderTenantID, "tenant-a")
	if r.HasCredentials(req) {
		t.Error("HasCredentials() = true for untrusted internal header")
	}
	req.Header.Set("Authorization", "Bearer x")
	if !r.HasCredentials(req) {
		t.Error("HasCredentials() = false with Authorization header")
	}
}

func TestContext_IsolatedFromInputs(t *testing.T) {
	features := []string{"a"}
	limits := map[string]int{"orders": 10}
	tc, err := New(Fields{TenantID: "t", Features: features, Limits: limits})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	features[0] = "mutated"
	limits["orders"] = 99
	tc.Limits()["orders"] = 1

	if !tc.HasFeature("a") || tc.HasFeature("mutated") {
		t.Errorf("Features() = %v, want [a]", tc.Features())
	}
	if v, _ := tc.Limit("orders"); v != 10 {
		t.Errorf("Limit(orders) = %d, want 10", v)
	}
}

func TestNew_RequiresTenantID(t *testing.T) {
	if _, err := New(Fields{}); !errors.Is(err, domain.ErrTenantContextRequired) {
		t.Errorf("New() error = %v, want TenantContextRequired", err)
	}
}

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() ok = true on empty context")
	}
	if IDFromContext(context.Background()) != "" {
		t.Error("IDFromContext() non-empty on empty context")
	}

	tc, _ := New(Fields{TenantID: "tenant-a"})
	ctx := NewContext(context.Background(), tc)
	got, ok := FromContext(ctx)
	if !ok || got.TenantID() != "tenant-a" {
		t.Errorf("FromContext() = %v, %v", got, ok)
	}
	if IDFromContext(ctx) != "tenant-a" {
		t.Errorf("IDFromContext() = %q", IDFromContext(ctx))
	}
}
