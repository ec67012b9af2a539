package acquire

import (
	"errors"
	"fmt"
)

var (
	// ErrReadTimeout is returned when no bytes arrive within the read timeout.
	ErrReadTimeout = errors.New("acquire: read timed out")
	// ErrUnsupportedSource is returned for schemes other than http, https and s3.
	ErrUnsupportedSource = errors.New("acquire: unsupported source")
	// ErrUnsupportedDigest is returned for an integrity hint with an unknown algorithm.
	ErrUnsupportedDigest = errors.New("acquire: unsupported digest algorithm")
)

// TransferError reports a non-success status from the artifact server.
// Transfers are never retried internally.
type TransferError struct {
	StatusCode int
	Message    string
}

func (e *TransferError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IntegrityError reports a digest mismatch. The downloaded file has been removed.
type IntegrityError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s digest %s does not match expected %s", e.Algorithm, e.Actual, e.Expected)
}
