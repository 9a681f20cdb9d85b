package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Fatal conditions that abort a whole run.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidCredentials     = errors.New("invalid password/token")
	ErrMissingReadPermission  = errors.New("missing the Overall/Read permission")
	ErrNoBuilds               = errors.New("no build URLs collected")
	ErrViewsNotImplemented    = errors.New("dumping views is not implemented")
)

// FetchError describes a failed GET. StatusCode is zero when the server could
// not be reached at all.
type FetchError struct {
	URL        string
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements error.
func (e *FetchError) Error() string {
	if e.Unreachable() {
		return fmt.Sprintf("GET %s: unreachable: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap exposes the transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Unreachable reports whether no HTTP response was received.
func (e *FetchError) Unreachable() bool {
	return e.StatusCode == 0
}

// IsAuthFailure reports whether err is one of the root listing auth failures.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrMissingReadPermission)
}
