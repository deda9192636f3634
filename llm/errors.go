package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BackendError carries the provider name, HTTP status, and whether the
// failure is worth retrying on the same backend.
type BackendError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s backend error (%d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend error: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError classifies a status code: 429 and 5xx are transient,
// everything else is permanent for that backend.
func NewBackendError(provider string, status int, err error) *BackendError {
	return &BackendError{
		Provider:   provider,
		StatusCode: status,
		Transient:  status == 429 || status >= 500,
		Err:        err,
	}
}

// Transient reports whether an error justifies another attempt on the same
// backend. Network failures and timeouts count; context cancellation and
// request-shape errors do not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
