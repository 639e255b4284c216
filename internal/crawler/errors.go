package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the fetch client, the extractors and the scheduler.
var (
	// ErrTransport marks a failed network exchange (connection error or non-2xx status).
	ErrTransport = errors.New("transport failure")
	// ErrTaskTimeout marks an attempt abandoned after exceeding its stage timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrExtractionMismatch marks markup that lacks an expected element.
	ErrExtractionMismatch = errors.New("extraction mismatch")
	// ErrMissingResource marks a detail page without a media reference.
	ErrMissingResource = fmt.Errorf("missing media resource: %w", ErrExtractionMismatch)
	// ErrZeroPageSize marks pagination metadata that cannot yield a page count.
	ErrZeroPageSize = errors.New("page size must be > 0")
	// ErrConfiguration marks invalid settings detected at run time.
	ErrConfiguration = errors.New("invalid configuration")
)

// StatusError reports a non-2xx HTTP response. It unwraps to ErrTransport.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Unwrap lets errors.Is match ErrTransport.
func (e *StatusError) Unwrap() error {
	return ErrTransport
}

// IsPermanent reports whether retrying err cannot change the outcome.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrExtractionMismatch) ||
		errors.Is(err, ErrZeroPageSize) ||
		errors.Is(err, ErrConfiguration)
}
