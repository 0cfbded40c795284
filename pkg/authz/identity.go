package authz

import (
	"context"
	"net/http"
	"strings"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity represents the authenticated caller.
type Identity struct {
	User   string
	Groups []string
	Role   Role
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// RoleExtractor derives the caller's role from a request.
type RoleExtractor func(r *http.Request) Role

// HeaderRoleExtractor reads the role from X-User-Role. Anything other than
// "operator" is a viewer.
func HeaderRoleExtractor(r *http.Request) Role {
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-User-Role")), string(RoleOperator)) {
		return RoleOperator
	}
	return RoleViewer
}

// IdentityMiddleware returns HTTP middleware that extracts identity from
// X-Remote-User and X-Remote-Group headers and the role through extractor
// (HeaderRoleExtractor when nil), and stores it in the request context.
// If X-Remote-User is missing, the user defaults to "anonymous".
// X-Remote-Group is comma-separated.
func IdentityMiddleware(extractor RoleExtractor) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = HeaderRoleExtractor
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
			if user == "" {
				user = "anonymous"
			}

			var groups []string
			if groupHeader := strings.TrimSpace(r.Header.Get("X-Remote-Group")); groupHeader != "" {
				for _, g := range strings.Split(groupHeader, ",") {
					if g = strings.TrimSpace(g); g != "" {
						groups = append(groups, g)
					}
				}
			}

			id := Identity{User: user, Groups: groups, Role: extractor(r)}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
