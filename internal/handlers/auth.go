package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/libs/auth"
	"github.com/pawmi/pawmi-server/libs/httpx"
)

type contextKey int

const claimsContextKey contextKey = iota

// ClaimsFromContext returns the verified claims stored by RequireAuth, nil
// when the request skipped authentication.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims
}

// RequireAuth verifies the bearer token and stores its claims on the request
// context. Tokens must carry an acting account.
func RequireAuth(jwtSecret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			claims, err := auth.ParseAndVerifyHS256(token, jwtSecret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Sub == "" || claims.AccountID == "" {
				http.Error(w, "token missing subject or account", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MemberStore is the membership lookup the middleware consults.
type MemberStore interface {
	GetMember(ctx context.Context, accountID, userID string) (model.AccountMember, error)
}

// RequireMember rejects callers whose membership in the token's account is
// missing or not yet accepted.
func RequireMember(store MemberStore, logger *slog.Logger) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			member, err := store.GetMember(r.Context(), claims.AccountID, claims.Sub)
			if err != nil || member.Status != model.MemberAccepted {
				if err != nil {
					logger.Warn("membership lookup failed", "account_id", claims.AccountID, "user_id", claims.Sub, "err", err)
				}
				http.Error(w, "not a member of this account", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
