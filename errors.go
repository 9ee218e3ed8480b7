package chatspace

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrEngineClosed is returned by intents issued after Teardown.
var ErrEngineClosed = errors.New("chatspace: engine closed")

// AuthError reports rejected credentials or an unreachable authority during login.
type AuthError struct {
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Detail)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError reports a non-2xx response, or a 2xx response whose payload
// could not be accepted.
type RequestError struct {
	Op     string
	Status int
	Detail string
	Errors []APIError
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: request failed with status %d: %s", e.Op, e.Status, e.Detail)
}

// TransportError reports a failure below the HTTP layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports input rejected locally, before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err is a RequestError with status 404.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// IsValidation reports whether err was produced by local validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
