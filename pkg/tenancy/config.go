// Package tenancy resolves the tenant (namespace) and deployment environment
// a request acts on. Events are unique per (tenant, environment,
// idempotency key) so both values are carried together.
package tenancy

// TenancyMode controls how the tenant is resolved.
type TenancyMode string

const (
	// ModeSingle pins every request to the "default" tenant.
	ModeSingle TenancyMode = "single"
	// ModeNamespace requires a tenant on every request.
	ModeNamespace TenancyMode = "namespace"
)

// DefaultTenant is used in single-tenant mode.
const DefaultTenant = "default"

// DefaultEnvironment is used when neither the request nor the resolver
// names an environment.
const DefaultEnvironment = "production"
