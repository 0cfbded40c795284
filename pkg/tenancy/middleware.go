package tenancy

import (
	"encoding/json"
	"net/http"
)

// Middleware resolves the tenant context with resolver and stores it in the
// request context. Resolution failures are answered with a 400 JSON error.
func Middleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := resolver.Resolve(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "bad_request",
					"message": err.Error(),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
		})
	}
}

// NewMiddleware creates middleware with the resolver for mode.
func NewMiddleware(mode TenancyMode, defaultEnvironment string) func(http.Handler) http.Handler {
	if mode == ModeNamespace {
		return Middleware(NamespaceTenantResolver{DefaultEnvironment: defaultEnvironment})
	}
	return Middleware(SingleTenantResolver{DefaultEnvironment: defaultEnvironment})
}
