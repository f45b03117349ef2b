package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/api"
)

// Identity headers honoured when JWT authentication is disabled.
const (
	TenantHeader   = "X-Tenant-ID"
	OperatorHeader = "X-Operator-ID"
)

// Claims are the JWT claims expected by the coworker API.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator returns nil when secret is empty.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("validator uninitialized")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign mints a token for subject in tenantID. It backs the CLI's token
// command and tests.
func (v *JWTValidator) Sign(subject, tenantID string, roles []string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("validator uninitialized")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
	"/version",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates the authentication middleware.
//
// With a validator every non-public request needs a bearer token carrying a
// subject and a tenant_id claim. Without one, identity is taken from the
// X-Tenant-ID and X-Operator-ID headers and the caller is treated as an
// operator; this mode is meant for single-tenant and local deployments.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if validator == nil {
				principal, ok := headerPrincipal(r)
				if !ok {
					api.WriteUnauthorized(w, "X-Tenant-ID header is required")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			if claims.TenantID == "" {
				api.WriteUnauthorized(w, "Token tenant binding is required")
				return
			}

			principal := &BasePrincipal{
				ID:       claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func headerPrincipal(r *http.Request) (*BasePrincipal, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenantID == "" {
		return nil, false
	}
	operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
	if operator == "" {
		operator = "anonymous"
	}
	return &BasePrincipal{ID: operator, TenantID: tenantID, Roles: []string{"operator"}}, true
}
