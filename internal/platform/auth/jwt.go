// Package auth verifies HS256 bearer tokens presented by API callers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/threadrecon/internal/platform/api"
	"github.com/example/threadrecon/internal/platform/httpserver"
)

type ctxKeyCaller struct{}
type ctxKeyRole struct{}

func CallerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyCaller{}).(string)
	return v, ok
}

// WithCaller injects a caller id into ctx. Useful for testing.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, caller)
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRole{}).(string)
	return v, ok
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTVerifier struct {
	Secret []byte
	// Issuer is checked when set.
	Issuer string
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireCaller validates the Bearer token and injects the caller id (the
// token subject) and role into the request context.
func RequireCaller(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				api.Unauthorized(w, "MISSING_TOKEN", "bearer token required", rid)
				return
			}
			scheme, token, ok := strings.Cut(authz, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				api.Unauthorized(w, "INVALID_TOKEN", "bearer token required", rid)
				return
			}
			claims, err := verifier.Parse(strings.TrimSpace(token))
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, "INVALID_TOKEN", "token rejected", rid)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyCaller{}, claims.Subject)
			if strings.TrimSpace(claims.Role) != "" {
				ctx = context.WithValue(ctx, ctxKeyRole{}, claims.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
