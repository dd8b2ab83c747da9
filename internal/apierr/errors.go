// Package apierr classifies failures of the chat sync core.
//
// Credential failures (ErrNoCredentials, ErrUnauthorized) end the session and
// must reach the caller. Transient failures are retried by background paths
// and reported once for foreground actions. Validation failures are reported
// with the server's message and never retried.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCredentials means neither an access nor a refresh token is cached.
	ErrNoCredentials = errors.New("no credentials")
	// ErrUnauthorized means the refresh-token exchange itself was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransientError wraps a network failure, timeout or 5xx response.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a request rejected for bad input or a conflict.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Transient wraps err as a TransientError for op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Invalid returns a ValidationError that did not come from the server.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP response. The REST client only calls
// it for a 401 after its single refresh-and-retry has been spent.
func FromStatus(op string, code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return &ValidationError{StatusCode: code, Message: message}
	default:
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(message)}
	}
}

// IsCredential reports whether err must force a re-authentication flow.
func IsCredential(err error) bool {
	return errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrUnauthorized)
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a rejected request.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
