// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachhub/chat-realtime/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated identity.
	IdentityKey ContextKey = "identity"
	// ScopesKey is the context key for JWT scopes.
	ScopesKey ContextKey = "scopes"
)

// ScopeAdmin grants access to administrative endpoints.
const ScopeAdmin = "admin"

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scope,omitempty"`
}

// Identity returns the chat identity carried by the claims.
func (c *Claims) Identity() model.Identity {
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return model.Identity{
		UserID:   c.Subject,
		UserName: name,
		Email:    c.Email,
		Role:     c.Role,
	}
}

var (
	errMissingToken = errors.New("missing authorization header")
	errBadHeader    = errors.New("invalid authorization header format")
)

// Auth creates JWT authentication middleware. The token comes from the
// Authorization header; when allowQuery is set, a ?token= parameter is
// accepted too, since browsers cannot set headers on websocket upgrades.
func Auth(jwtSecret string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := tokenFromRequest(r, allowQuery)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}

			claims, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if u, ok := r.Context().Value(requestUserKey).(*requestUser); ok {
				u.id = claims.Subject
			}

			ctx := context.WithValue(r.Context(), IdentityKey, claims.Identity())
			ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if token := r.URL.Query().Get("token"); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errBadHeader
	}
	return parts[1], nil
}

// ParseToken validates an HMAC-signed token and returns its claims.
func ParseToken(jwtSecret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueToken signs a token for an identity. Used by tests and local tooling;
// production tokens come from the platform's identity service.
func IssueToken(jwtSecret string, id model.Identity, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   id.UserName,
		Email:  id.Email,
		Role:   id.Role,
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

// GetIdentity gets the authenticated identity from context.
func GetIdentity(ctx context.Context) model.Identity {
	if v, ok := ctx.Value(IdentityKey).(model.Identity); ok {
		return v
	}
	return model.Identity{}
}

// GetUserID gets the authenticated user ID from context.
func GetUserID(ctx context.Context) string {
	return GetIdentity(ctx).UserID
}

// GetScopes gets scopes from context.
func GetScopes(ctx context.Context) []string {
	if v, ok := ctx.Value(ScopesKey).([]string); ok {
		return v
	}
	return nil
}

// HasScope checks if the context has a specific scope.
func HasScope(ctx context.Context, scope string) bool {
	for _, s := range GetScopes(ctx) {
		if s == scope {
			return true
		}
	}
	return false
}

// RequireScope creates middleware that requires a specific scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				writeJSONError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
