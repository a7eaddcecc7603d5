package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/signalspot/backend/internal/auth"
	"github.com/signalspot/backend/pkg/response"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	VerifiedKey contextKey = "verified"
)

// AuthMiddleware requires a valid access token and stores the caller in the request context.
func AuthMiddleware(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				response.Unauthorized(w, "missing or malformed authorization header")
				return
			}
			claims, err := jwtManager.ValidateAccessToken(raw)
			switch {
			case errors.Is(err, auth.ErrExpiredToken):
				response.Unauthorized(w, "token has expired")
				return
			case err != nil:
				response.Unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.UserID, claims.Verified)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on websocket
// upgrades, so those may pass the token as a query parameter instead.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return "", false
		}
		t := r.URL.Query().Get("token")
		return t, t != ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// RequireVerified rejects callers whose account is not verified.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsVerified(r.Context()) {
			response.Forbidden(w, "account verification required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores the caller identity in ctx.
func WithUser(ctx context.Context, userID uuid.UUID, verified bool) context.Context {
	recordUser(ctx, userID)
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, VerifiedKey, verified)
}

// GetUserID returns the authenticated caller, if any.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

// IsVerified reports the verified claim of the caller.
func IsVerified(ctx context.Context) bool {
	v, _ := ctx.Value(VerifiedKey).(bool)
	return v
}
