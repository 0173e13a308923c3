package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConfigured means no authority URL is set; the device runs offline.
	ErrNotConfigured = errors.New("remote authority not configured")
	// ErrNoRecord is returned by GetSettings on 404.
	ErrNoRecord = errors.New("no remote security record")
)

// ConnectivityError covers transport failures, timeouts and server-side
// unavailability. Callers degrade to local-only behaviour.
type ConnectivityError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: unavailable (status %d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("remote %s: unavailable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectionError is an explicit refusal by the authority. It must propagate.
type RejectionError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote %s: rejected (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: rejected (status %d)", e.Op, e.StatusCode)
}

// Unauthorized reports a 401, which validate-pin uses for a wrong PIN.
func (e *RejectionError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// classify maps a non-2xx status to the error taxonomy.
func classify(op string, status int, message string) error {
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &ConnectivityError{Op: op, StatusCode: status}
	default:
		return &RejectionError{Op: op, StatusCode: status, Message: message}
	}
}
