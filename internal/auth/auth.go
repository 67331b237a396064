// Package auth verifies and issues the signed session tokens carried in the
// Authorization header.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/tenant-gateway/internal/domain"
)

// Claim names of the token payload.
const (
	ClaimTenantID    = "tenantId"
	ClaimUserID      = "userId"
	ClaimRole        = "role"
	ClaimPermissions = "permissions"
	ClaimExpiresAt   = "exp"
	ClaimIssuedAt    = "iat"
)

var validMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// SessionClaims is the typed claim set of a verified token.
type SessionClaims struct {
	TenantID    string
	UserID      string
	Role        string
	Permissions []string
	// ExpiresAt is the expiry in Unix seconds.
	ExpiresAt int64
}

// Verifier validates bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
	logger *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger used to record verification attempts.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is empty")
	}

	v := &Verifier{
		secret: secret,
		// Expiry is checked by Verify against its own clock so that an
		// injected clock applies and the error maps to domain.ErrExpired.
		parser: jwt.NewParser(
			jwt.WithValidMethods(validMethods),
			jwt.WithoutClaimsValidation(),
			jwt.WithJSONNumber(),
		),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyHeader extracts the bearer token from an Authorization header value
// and verifies it.
func (v *Verifier) VerifyHeader(header string) (*SessionClaims, error) {
	token, err := ExtractBearer(header)
	if err != nil {
		v.logger.Info("token rejected", slog.String("reason", string(domain.CodeMissingCredentials)))
		return nil, err
	}
	return v.Verify(token)
}

// Verify checks the token signature, decodes the claim set and checks expiry.
func (v *Verifier) Verify(token string) (*SessionClaims, error) {
	claims, err := v.verify(token)
	if err != nil {
		apiErr := domain.AsAPIError(err)
		attrs := []any{slog.String("reason", string(apiErr.Code))}
		if claims != nil {
			attrs = append(attrs, slog.String("tenant_id", claims.TenantID))
		}
		v.logger.Info("token rejected", attrs...)
		return nil, err
	}

	v.logger.Debug("token verified",
		slog.String("tenant_id", claims.TenantID),
		slog.String("user_id", claims.UserID))
	return claims, nil
}

func (v *Verifier) verify(token string) (*SessionClaims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, mapClaims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidSignature.WithCause(err)
	}
	if !parsed.Valid {
		return nil, domain.ErrInvalidSignature
	}

	claims, err := decodeClaims(mapClaims)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt <= v.now().Unix() {
		return claims, domain.ErrExpired.WithMessage(
			fmt.Sprintf("token expired at %s", time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339)))
	}
	return claims, nil
}

func decodeClaims(m jwt.MapClaims) (*SessionClaims, error) {
	tenantID, err := requiredString(m, ClaimTenantID)
	if err != nil {
		return nil, err
	}
	userID, err := requiredString(m, ClaimUserID)
	if err != nil {
		return nil, err
	}
	exp, err := numericClaim(m, ClaimExpiresAt)
	if err != nil {
		return nil, err
	}

	claims := &SessionClaims{
		TenantID:  tenantID,
		UserID:    userID,
		ExpiresAt: exp,
	}

	if raw, ok := m[ClaimRole]; ok && raw != nil {
		role, ok := raw.(string)
		if !ok {
			return nil, malformed("%s must be a string", ClaimRole)
		}
		claims.Role = role
	}

	if raw, ok := m[ClaimPermissions]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, malformed("%s must be an array of strings", ClaimPermissions)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, malformed("%s must be an array of strings", ClaimPermissions)
			}
			claims.Permissions = append(claims.Permissions, s)
		}
	}

	return claims, nil
}

func requiredString(m jwt.MapClaims, name string) (string, error) {
	raw, ok := m[name]
	if !ok || raw == nil {
		return "", malformed("missing %s claim", name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed("%s must be a string", name)
	}
	if strings.TrimSpace(s) == "" {
		return "", malformed("%s must not be empty", name)
	}
	return s, nil
}

func numericClaim(m jwt.MapClaims, name string) (int64, error) {
	raw, ok := m[name]
	if !ok || raw == nil {
		return 0, malformed("missing %s claim", name)
	}

	var f float64
	switch n := raw.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		parsed, err := n.Float64()
		if err != nil {
			return 0, malformed("%s must be a number", name)
		}
		f = parsed
	case float64:
		f = n
	default:
		return 0, malformed("%s must be a number", name)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, malformed("%s must be a finite number", name)
	}
	return int64(math.Floor(f)), nil
}

func malformed(format string, args ...any) error {
	return domain.ErrMalformedClaims.WithMessage(fmt.Sprintf(format, args...))
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>"
// header value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", domain.ErrMissingCredentials
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", domain.ErrMissingCredentials.WithMessage("Authorization header must use the Bearer scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", domain.ErrMissingCredentials.WithMessage("bearer token is empty")
	}
	return token, nil
}

// Issuer signs session tokens with the shared secret. It is used by the
// tokengen command and by tests; the gateway itself never issues tokens.
type Issuer struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// NewIssuer creates an HS256 issuer.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is empty")
	}
	return &Issuer{secret: secret, method: jwt.SigningMethodHS256, now: time.Now}, nil
}

// Issue signs claims. ExpiresAt must be set by the caller.
func (i *Issuer) Issue(c SessionClaims) (string, error) {
	m := jwt.MapClaims{
		ClaimTenantID:  c.TenantID,
		ClaimUserID:    c.UserID,
		ClaimExpiresAt: c.ExpiresAt,
		ClaimIssuedAt:  i.now().Unix(),
	}
	if c.Role != "" {
		m[ClaimRole] = c.Role
	}
	if len(c.Permissions) > 0 {
		m[ClaimPermissions] = c.Permissions
	}

	signed, err := jwt.NewWithClaims(i.method, m).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
