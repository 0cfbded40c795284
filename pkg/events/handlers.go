package events

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/agent-trust/pkg/tenancy"
)

// Webhook request headers.
const (
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"
)

// WebhookSettings are read on every request so a config reload applies to
// the next delivery.
type WebhookSettings struct {
	Secret       string
	MaxBodyBytes int64
}

// WebhookHandler accepts one signed delivery for the {source} path
// parameter. It answers 401 on a bad signature, 400 on malformed input,
// 429 when the source is over its rate, and 200 for first and duplicate
// deliveries alike.
func WebhookHandler(ingestor *Ingestor, limiter *SourceLimiter, settings func() WebhookSettings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		if source == "" {
			writeError(w, http.StatusBadRequest, "source is required")
			return
		}
		if limiter != nil && !limiter.Allow(source) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded for source "+source)
			return
		}

		cfg := settings()
		maxBytes := cfg.MaxBodyBytes
		if maxBytes <= 0 {
			maxBytes = 1 << 20
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "body exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if cfg.Secret != "" {
			if err := VerifySignature([]byte(cfg.Secret), body, r.Header.Get(HeaderSignature)); err != nil {
				ingestor.observe(source, OutcomeRejected)
				writeError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
		}

		tc, _ := tenancy.TenantFromContext(r.Context())
		res, err := ingestor.Ingest(r.Context(), Delivery{
			Tenant:         tc.Namespace,
			Environment:    tc.Environment,
			Source:         source,
			IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
			CorrelationID:  r.Header.Get(HeaderCorrelationID),
			Body:           body,
		})
		if err != nil {
			if IsValidationError(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			ingestor.logger.Error("webhook ingest failed", "source", source, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to store event")
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{
			EventID:       res.Event.ID,
			CorrelationID: res.Event.CorrelationID,
			Duplicate:     res.Duplicate,
			ReceivedAt:    res.Event.ReceivedAt,
		})
	}
}

type webhookResponse struct {
	EventID       string    `json:"eventId"`
	CorrelationID string    `json:"correlationId"`
	Duplicate     bool      `json:"duplicate"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// ListEventsHandler returns recent events of the caller's tenant.
func ListEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := EventFilter{
			Tenant:        tenancy.NamespaceFromContext(r.Context()),
			Source:        q.Get("source"),
			CorrelationID: q.Get("correlationId"),
			Limit:         100,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			filter.Limit = n
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			filter.Since = t
		}
		evs, err := store.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list events")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": evs, "size": len(evs)})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
