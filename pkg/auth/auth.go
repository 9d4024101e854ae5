// Package auth carries the HTTP authentication layer: HMAC-signed JWT
// validation, the request principal, and request id propagation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Principal is the authenticated caller: entity id, tenant binding, roles.
type Principal struct {
	EntityID string
	TenantID string
	Roles    []string
}

// HasRole reports whether the principal holds the named role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims are the JWT claims the API expects. Subject is the entity id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// Validator checks bearer tokens with a shared HMAC secret.
type Validator struct {
	secret []byte
}

// NewValidator returns a validator, or nil for an empty secret; a nil
// validator fails every request closed.
func NewValidator(secret string) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies one token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: validator not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// Sign mints a token for the given principal. Used by tests and the CLI.
func (v *Validator) Sign(claims *Claims) (string, error) {
	if v == nil {
		return "", errors.New("auth: validator not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type principalKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the principal, nil when the request is unauthenticated.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// publicPaths need no token: probes and the metrics scrape.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// ErrorWriter renders an authentication failure; the api package supplies
// its RFC 7807 writer so this package stays transport-format agnostic.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, title, detail string)

// Middleware returns JWT auth middleware. A nil validator rejects every
// non-public request.
func Middleware(validator *Validator, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, http.StatusUnauthorized, "Unauthorized", "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, r, http.StatusUnauthorized, "Unauthorized", "expected 'Bearer <token>'")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
				return
			}
			if claims.Subject == "" || claims.TenantID == "" {
				writeError(w, r, http.StatusUnauthorized, "Unauthorized", "token subject and tenant binding are required")
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{
				EntityID: claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type requestIDKey struct{}

// RequestID injects an X-Request-ID into the context and response header,
// reusing the client's when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
