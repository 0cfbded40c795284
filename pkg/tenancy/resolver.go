package tenancy

import (
	"fmt"
	"net/http"
	"regexp"
)

// maxLabelLen follows the Kubernetes DNS label limit.
const maxLabelLen = 63

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

const (
	NamespaceQueryParam   = "namespace"
	NamespaceHeader       = "X-Namespace"
	EnvironmentQueryParam = "environment"
	EnvironmentHeader     = "X-Environment"
)

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// SingleTenantResolver always resolves to DefaultTenant. The environment is
// still read from the request.
type SingleTenantResolver struct {
	DefaultEnvironment string
}

// Resolve implements TenantResolver.
func (s SingleTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	env, err := resolveEnvironment(r, s.DefaultEnvironment)
	if err != nil {
		return TenantContext{}, err
	}
	return TenantContext{Namespace: DefaultTenant, Environment: env}, nil
}

// NamespaceTenantResolver requires the tenant in the query string or the
// X-Namespace header; the query parameter wins.
type NamespaceTenantResolver struct {
	DefaultEnvironment string
}

// Resolve implements TenantResolver.
func (n NamespaceTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	ns := firstNonEmpty(r.URL.Query().Get(NamespaceQueryParam), r.Header.Get(NamespaceHeader))
	if ns == "" {
		return TenantContext{}, fmt.Errorf("namespace is required in multi-tenant mode (use ?namespace= query param or X-Namespace header)")
	}
	if err := validateLabel("namespace", ns); err != nil {
		return TenantContext{}, err
	}
	env, err := resolveEnvironment(r, n.DefaultEnvironment)
	if err != nil {
		return TenantContext{}, err
	}
	return TenantContext{Namespace: ns, Environment: env}, nil
}

func resolveEnvironment(r *http.Request, fallback string) (string, error) {
	env := firstNonEmpty(r.URL.Query().Get(EnvironmentQueryParam), r.Header.Get(EnvironmentHeader), fallback, DefaultEnvironment)
	if err := validateLabel("environment", env); err != nil {
		return "", err
	}
	return env, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func validateLabel(kind, v string) error {
	if len(v) > maxLabelLen {
		return fmt.Errorf("%s %q exceeds maximum length of %d characters", kind, v, maxLabelLen)
	}
	if !labelRe.MatchString(v) {
		return fmt.Errorf("%s %q is invalid: must consist of lowercase alphanumeric characters or hyphens, and must start and end with an alphanumeric character", kind, v)
	}
	return nil
}
