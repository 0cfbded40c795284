package events

import (
	"errors"
	"fmt"
)

// ErrSignatureMismatch is returned when a delivery's signature does not
// match its body.
var ErrSignatureMismatch = errors.New("signature mismatch")

// ValidationError rejects a malformed delivery. Rejected deliveries are
// never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
