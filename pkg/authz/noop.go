package authz

import (
	"context"
	"fmt"
)

// NoopAuthorizer always allows all requests. Used when auth mode is "none".
type NoopAuthorizer struct{}

// Authorize always returns true.
func (n *NoopAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	return true, nil
}

// RoleAuthorizer lets everyone read and only operators mutate. Members of
// OperatorGroups are treated as operators regardless of their role claim.
type RoleAuthorizer struct {
	OperatorGroups []string
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	if IsReadOnly(req.Verb) {
		return true, nil
	}
	if req.Role == RoleOperator {
		return true, nil
	}
	for _, g := range req.Groups {
		for _, og := range a.OperatorGroups {
			if g == og {
				return true, nil
			}
		}
	}
	return false, nil
}

// NewAuthorizer returns the authorizer for an auth mode: "none" allows
// everything, "header" and "jwt" use role-based checks.
func NewAuthorizer(mode string, operatorGroups []string) (Authorizer, error) {
	switch mode {
	case "none":
		return &NoopAuthorizer{}, nil
	case "header", "jwt", "":
		return &RoleAuthorizer{OperatorGroups: operatorGroups}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q (expected none, header or jwt)", mode)
	}
}
