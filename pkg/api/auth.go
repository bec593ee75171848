package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the JWT claims required by operator endpoints.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTValidator validates HS256 bearer tokens for operator endpoints.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the shared operator secret.
// A nil return means operator endpoints fail closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// RequireAdmin wraps operator endpoints with bearer authentication.
// If validator is nil all requests are rejected.
func RequireAdmin(validator *JWTValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if validator == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}

		claims, err := validator.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Role != "admin" {
			WriteUnauthorized(w, "Operator role required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
