package tenancy

import "context"

type ctxKey struct{}

// TenantContext carries the resolved tenant and environment.
type TenantContext struct {
	Namespace   string
	Environment string
}

// WithTenant returns a new context with tc attached.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// TenantFromContext retrieves the TenantContext from the context.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok
}

// NamespaceFromContext returns the tenant namespace, or "" if unset.
func NamespaceFromContext(ctx context.Context) string {
	tc, _ := TenantFromContext(ctx)
	return tc.Namespace
}

// EnvironmentFromContext returns the environment, or "" if unset.
func EnvironmentFromContext(ctx context.Context) string {
	tc, _ := TenantFromContext(ctx)
	return tc.Environment
}
