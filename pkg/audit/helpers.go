package audit

import (
	"strings"
)

// extractArea returns the API area of a path.
// For /api/agents/v1alpha1/... it returns "agents".
// For /trust/refresh it returns "trust".
func extractArea(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	if parts[0] == "api" {
		if len(parts) < 2 {
			return ""
		}
		return parts[1]
	}
	return parts[0]
}

// extractResourceID returns the ID that follows an "agents", "jobs" or
// "audits" collection segment, without any action suffix.
//
//	/api/agents/v1alpha1/agents/{id}:promote
//	/api/healing/v1alpha1/agents/{id}:quarantine
//	/api/jobs/v1alpha1/jobs/{jobId}:cancel
func extractResourceID(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	start := 0
	if parts[0] == "api" {
		// Skip the area and version segments.
		start = 3
	}
	for i := start; i < len(parts); i++ {
		switch parts[i] {
		case "agents", "jobs", "audits":
			if i+1 < len(parts) {
				id := parts[i+1]
				if colonIdx := strings.Index(id, ":"); colonIdx > 0 {
					id = id[:colonIdx]
				}
				return id
			}
		}
	}
	return ""
}

// extractActionVerb returns a human-readable action name from the HTTP method and path.
func extractActionVerb(method, path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	// Check for :action suffix in path segments.
	for _, p := range parts {
		if colonIdx := strings.Index(p, ":"); colonIdx > 0 {
			switch suffix := p[colonIdx+1:]; suffix {
			case "promote", "suspend", "retire", "quarantine", "release", "cancel":
				return suffix
			}
		}
	}

	// A trailing collection name is a trigger endpoint.
	if method == "POST" {
		switch parts[len(parts)-1] {
		case "refresh":
			return "refresh"
		case "audits":
			return "run-audit"
		case "jobs":
			return "enqueue"
		}
	}

	// Fall back to HTTP method mapping.
	switch method {
	case "POST":
		return "create"
	case "PUT":
		return "update"
	case "PATCH":
		return "patch"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// isOperatorAction returns true if the request should be recorded.
// Mutating calls are operator actions; webhook deliveries come from
// adapters and are recorded by the ingestor instead.
func isOperatorAction(method, path string) bool {
	if isHealthEndpoint(path) || strings.HasPrefix(path, "/webhooks/") {
		return false
	}

	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// isHealthEndpoint returns true for health-check and scrape paths.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz", "/metrics":
		return true
	}
	return false
}
