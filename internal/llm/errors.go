package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the unified error interface returned by the upstream client.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) StatusCode() int { return 0 }
func (e *ConfigurationError) Retryable() bool { return false }

type httpErrorBase struct {
	statusCode int
	message    string
	retryable  bool
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("upstream error (status=%d): %s", e.statusCode, msg)
}
func (e *httpErrorBase) StatusCode() int { return e.statusCode }
func (e *httpErrorBase) Retryable() bool { return e.retryable }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps a non-2xx upstream response onto the typed
// hierarchy.
func ErrorFromHTTPStatus(statusCode int, message string) error {
	base := httpErrorBase{statusCode: statusCode, message: message}
	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{base}
	case 401, 403:
		return &AuthenticationError{base}
	case 404:
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewRequestTimeoutError constructs a non-HTTP timeout error (context
// deadline exceeded while waiting on the upstream stream). Surfaced to
// callers the same way an upstream HTTP failure is.
func NewRequestTimeoutError(message string) error {
	return &RequestTimeoutError{httpErrorBase{statusCode: 0, message: message, retryable: true}}
}

func IsTimeout(err error) bool {
	var e *RequestTimeoutError
	return errors.As(err, &e)
}
