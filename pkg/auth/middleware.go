package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

// JWTValidator validates bearer tokens against a KeySet.
type JWTValidator struct {
	KeySet KeySet
}

// Claims are the JWT claims the Request Surface requires: every token
// must bind a subject to exactly one tenant.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenantId"`
	Roles    []string `json:"roles"`
}

// NewJWTValidator creates a validator bound to ks. A nil ks yields a nil
// validator, which NewMiddleware treats as "auth not configured" and
// fails closed.
func NewJWTValidator(ks KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{KeySet: ks}
}

// Validate parses and verifies a bearer token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v.KeySet == nil {
		return nil, fmt.Errorf("auth: validator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// publicPaths lists the only routes reachable without a bearer token
// (§4.9/§6: health and readiness probes).
var publicPaths = []string{
	"/health",
	"/ready",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware builds the fail-closed JWT authentication middleware. A
// nil validator rejects every non-public request rather than letting
// requests through unauthenticated.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "missing_authorization_header", "Authorization header is required"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "invalid_authorization_header", "expected 'Bearer <token>'"))
				return
			}

			if validator == nil {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "auth_not_configured", "authentication is not configured"))
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "invalid_token", "token is invalid or expired"))
				return
			}
			if claims.Subject == "" {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "missing_subject_claim", "token subject is required"))
				return
			}
			if claims.TenantID == "" {
				kernelerr.WriteError(w, kernelerr.New(kernelerr.KindUnauthenticated, "missing_tenant_claim", "token tenant binding is required"))
				return
			}

			principal := &BasePrincipal{ID: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
