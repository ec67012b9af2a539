// Package failure turns pipeline and API errors into the single line shown
// to the user.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/internal/archive"
	"github.com/shipth-is/shipgo/internal/runtime"
	"github.com/shipth-is/shipgo/pkg/api/client"
)

const (
	networkMessage    = "Please check your internet connection."
	unexpectedMessage = "An unexpected error occurred"
)

var statusDefaults = map[int]string{
	http.StatusBadRequest:          "Invalid request. Please check your input.",
	http.StatusUnauthorized:        "Authentication failed. Please try again.",
	http.StatusNotFound:            "Resource not found.",
	http.StatusInternalServerError: "Server error. Please try again later.",
}

// Message renders err for display. It never includes stack traces or
// wrapped internal detail for known error kinds.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var apiErr client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return StatusMessage(apiErr.Status)
	}

	var transferErr *acquire.TransferError
	if errors.As(err, &transferErr) {
		if transferErr.Message == "" {
			return fmt.Sprintf("Download failed (HTTP %d)", transferErr.StatusCode)
		}
		return fmt.Sprintf("Download failed (HTTP %d): %s", transferErr.StatusCode, transferErr.Message)
	}

	var traversal *archive.PathTraversalError
	if errors.As(err, &traversal) {
		return traversal.Error()
	}
	var integrity *acquire.IntegrityError
	if errors.As(err, &integrity) {
		return integrity.Error()
	}
	var provisioning *runtime.ProvisioningError
	if errors.As(err, &provisioning) {
		return provisioning.Error()
	}

	var parseErr *client.ParseError
	if errors.As(err, &parseErr) {
		return "Unexpected response from server."
	}

	if IsNetwork(err) {
		return networkMessage
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unexpectedMessage
}

// StatusMessage is the default text for an HTTP status without a server message.
func StatusMessage(status int) string {
	if msg, ok := statusDefaults[status]; ok {
		return msg
	}
	return fmt.Sprintf("Request failed with status %d", status)
}

// IsNetwork reports whether err came from the network rather than the server.
func IsNetwork(err error) bool {
	if errors.Is(err, acquire.ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
