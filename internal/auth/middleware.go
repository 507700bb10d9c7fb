package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/backend-checkout/internal/common"
)

// Middleware guards admin routes with bearer tokens.
type Middleware struct {
	Service *Service
}

// RequireAdmin rejects requests without a valid token carrying the admin role
// and attaches the subject and roles to the request context.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.RequireRole(RoleAdmin)(next)
}

// RequireRole rejects requests whose token lacks role.
func (m Middleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.Service == nil {
				common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "auth service not configured", nil)
				return
			}
			token := bearerToken(r)
			if token == "" {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}
			claims, err := m.Service.ParseAccessToken(token)
			if err != nil {
				var appErr *common.AppError
				if errors.As(err, &appErr) {
					common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, nil)
					return
				}
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}
			if !claims.HasRole(role) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
				return
			}
			ctx := common.WithUserID(r.Context(), claims.Subject)
			ctx = common.WithRoles(ctx, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
