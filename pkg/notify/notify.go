// Package notify delivers escalations raised by the healing and audit
// engines.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/events"
)

// Message is one escalation.
type Message struct {
	Kind       string         `json:"kind"`
	Severity   string         `json:"severity"`
	Subject    string         `json:"subject"`
	AgentID    string         `json:"agentId,omitempty"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("escalation", "kind", msg.Kind, "severity", msg.Severity,
		"subject", msg.Subject, "agentID", msg.AgentID, "summary", msg.Summary)
	return nil
}

// Multi fans a message out to every notifier. All notifiers are tried;
// their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier POSTs messages as JSON. When a secret is set the body is
// signed with the same X-Signature scheme the ingest webhook verifies.
type WebhookNotifier struct {
	url        string
	secret     string
	client     *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url, secret string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
		logger: logger,
	}
}

// Notify implements Notifier. Server errors and 429 are retried with
// backoff; other client errors are not.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if n.secret != "" {
			req.Header.Set(events.HeaderSignature, events.SignaturePrefix+events.Sign([]byte(n.secret), body))
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("notification webhook returned %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("notification webhook returned %s", resp.Status))
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(n.newBackOff(), ctx)); err != nil {
		n.logger.Error("notification delivery failed", "url", n.url, "attempts", attempt, "error", err)
		return fmt.Errorf("deliver notification: %w", err)
	}
	return nil
}

// New builds the notifier for cfg: always the log, plus the webhook when a
// URL is configured.
func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	multi := Multi{&LogNotifier{Logger: logger}}
	if cfg.WebhookURL != "" {
		multi = append(multi, NewWebhookNotifier(cfg.WebhookURL, cfg.Secret, cfg.Timeout, logger))
	}
	return multi
}
