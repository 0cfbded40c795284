package authz

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// RequirePermission returns middleware that enforces a specific resource/verb
// permission check. It retrieves the identity from context (via IdentityMiddleware)
// and the namespace from context (via tenancy middleware), then calls the authorizer.
func RequirePermission(authorizer Authorizer, resource, verb string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFromContext(r.Context())
			ns := tenancy.NamespaceFromContext(r.Context())

			req := AuthzRequest{
				User:      id.User,
				Groups:    id.Groups,
				Role:      id.Role,
				Resource:  resource,
				Verb:      verb,
				Namespace: ns,
			}

			allowed, err := authorizer.Authorize(r.Context(), req)
			if err != nil {
				writeAuthzError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
				return
			}
			if !allowed {
				writeAuthzError(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("insufficient permissions for %s/%s in namespace %s", resource, verb, ns))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthzError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
