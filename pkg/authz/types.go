// Package authz provides authorization primitives for the trust API.
// Readers (viewers) may query KPIs, agents and reports; operators may
// additionally force refreshes and change agent status.
package authz

import "context"

// Resource names used in permission checks.
const (
	ResourceTrust   = "trust"
	ResourceAgents  = "agents"
	ResourceHealing = "healing"
	ResourceSync    = "sync"
	ResourceAudit   = "audit"
	ResourceJobs    = "jobs"
	ResourceEvents  = "events"
)

// Verb names used in permission checks.
const (
	VerbGet     = "get"
	VerbList    = "list"
	VerbCreate  = "create"
	VerbUpdate  = "update"
	VerbExecute = "execute"
)

// Role is the coarse role of a caller.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User      string
	Groups    []string
	Role      Role
	Resource  string
	Verb      string
	Namespace string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}

// IsReadOnly reports whether verb never mutates state.
func IsReadOnly(verb string) bool {
	return verb == VerbGet || verb == VerbList
}
