package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"mes/internal/models"
)

const (
	HeaderTenant = "X-Company-Id"
	HeaderRole   = "X-Role"

	RoleViewer = "VIEWER"
)

const (
	tenantKey ctxKey = "tenant"
	roleKey   ctxKey = "role"
)

// Tenant требует x-company-id и кладёт тенант и роль в контекст.
// Роль по умолчанию VIEWER.
func Tenant() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(HeaderTenant))
			if tenant == "" {
				models.WriteError(w, models.ErrCompanyNeeded)
				return
			}
			role := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderRole)))
			if role == "" {
				role = RoleViewer
			}
			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			ctx = context.WithValue(ctx, roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireWriter: VIEWER не может ничего менять.
func RequireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRole(r) == RoleViewer {
			models.WriteError(w, models.ErrForbidden.WithMessage("VIEWER role cannot modify data"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetTenant(r *http.Request) string {
	s, _ := r.Context().Value(tenantKey).(string)
	return s
}

// GetRole: роль из контекста; вне Tenant() считается VIEWER.
func GetRole(r *http.Request) string {
	if s, ok := r.Context().Value(roleKey).(string); ok {
		return s
	}
	return RoleViewer
}
