package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIError is any non-2xx answer without a more specific type.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// AuthenticationError is a 401 answer.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Message)
}

// NotFoundError is a 404 answer.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

// RateLimitError is a 429 answer. RetryAfter is zero when the server sent
// no hint.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s", e.Message)
}

// ValidationError is a 400 answer.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// errorBody covers both error shapes the server writes:
// {"error": message} and {"error": code, "message": message}.
type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	message, code := resp.Status, ""
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Message != "":
			message, code = body.Message, body.Error
		case body.Error != "":
			message = body.Error
		}
	} else if len(data) > 0 {
		message = string(data)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &ValidationError{Message: message, Fields: body.Fields}
	case http.StatusUnauthorized:
		return &AuthenticationError{Message: message}
	case http.StatusNotFound:
		return &NotFoundError{Message: message}
	case http.StatusTooManyRequests:
		e := &RateLimitError{Message: message}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: message, Code: code}
	}
}

// retryable reports whether a request failing with err may succeed later.
func retryable(err error) bool {
	switch e := err.(type) {
	case *RateLimitError:
		return true
	case *APIError:
		return e.StatusCode >= http.StatusInternalServerError
	case *AuthenticationError, *NotFoundError, *ValidationError:
		return false
	}
	return true
}
