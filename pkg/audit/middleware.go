package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// OperatorActionMiddleware records every mutating API call as a signed
// operator_action entry once the handler has completed.
func OperatorActionMiddleware(ledger *Ledger, cfg *RetentionConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ledger == nil || cfg == nil || !cfg.CaptureActions || !isOperatorAction(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			statusCode := capture.statusCode
			outcome := outcomeFromStatus(statusCode)
			if outcome == "denied" && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			actor := "anonymous"
			var groups []string
			var role authz.Role
			if id, ok := authz.IdentityFromContext(ctx); ok {
				actor = id.User
				groups = id.Groups
				role = id.Role
			}

			requestID := middleware.GetReqID(ctx)
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			area := extractArea(r.URL.Path)
			resourceID := extractResourceID(r.URL.Path)
			verb := extractActionVerb(r.Method, r.URL.Path)

			msg := fmt.Sprintf("%s %s %s", actor, verb, area)
			if resourceID != "" {
				msg += " " + resourceID
			}
			msg += ": " + outcome

			entry := Entry{
				Kind:     KindOperatorAction,
				Severity: "info",
				Actor:    actor,
				Message:  msg,
				Details: map[string]any{
					"method":        r.Method,
					"path":          r.URL.Path,
					"area":          area,
					"resourceId":    resourceID,
					"action":        verb,
					"outcome":       outcome,
					"statusCode":    statusCode,
					"role":          string(role),
					"groups":        groups,
					"namespace":     tenancy.NamespaceFromContext(ctx),
					"requestId":     requestID,
					"correlationId": correlationID,
					"duration":      time.Since(startTime).String(),
				},
			}

			// Best-effort write: the response has already been sent.
			if _, err := ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
				logger.Error("failed to record operator action", "error", err, "requestID", requestID)
			}
		})
	}
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusForbidden:
		return "denied"
	default:
		return "failure"
	}
}
