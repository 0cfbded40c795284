package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kubeflow/agent-trust/pkg/events"
)

// ErrBadSignature is returned when an entry does not verify.
var ErrBadSignature = errors.New("audit entry signature mismatch")

// Entry is one signed record of the audit trail. PrevSignature chains it
// to the entry written before it, so removing or reordering lines breaks
// verification as well as editing them.
type Entry struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	AuditID       string         `json:"auditId,omitempty"`
	CheckID       string         `json:"checkId,omitempty"`
	Category      Category       `json:"category,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	RecordedAt    time.Time      `json:"recordedAt"`
	PrevSignature string         `json:"prevSignature,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// Canonical returns the bytes that are signed: the JSON encoding of the
// entry without its signature. Field order is fixed by the struct and map
// keys are sorted by encoding/json.
func (e Entry) Canonical() ([]byte, error) {
	e.Signature = ""
	e.RecordedAt = e.RecordedAt.UTC()
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonical entry: %w", err)
	}
	return b, nil
}

// Sign sets e.Signature to the hex HMAC-SHA256 of its canonical form.
func Sign(key []byte, e *Entry) error {
	e.RecordedAt = e.RecordedAt.UTC()
	b, err := e.Canonical()
	if err != nil {
		return err
	}
	e.Signature = events.Sign(key, b)
	return nil
}

// Verify recomputes the signature of e and compares it in constant time.
func Verify(key []byte, e Entry) error {
	b, err := e.Canonical()
	if err != nil {
		return err
	}
	if events.VerifySignature(key, b, e.Signature) != nil {
		return ErrBadSignature
	}
	return nil
}
