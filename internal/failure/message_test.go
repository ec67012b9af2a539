package failure

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/shipth-is/shipgo/internal/acquire"
	"github.com/shipth-is/shipgo/internal/archive"
	"github.com/shipth-is/shipgo/pkg/api/client"
)

func TestMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"server message", client.APIError{Status: 400, Message: "Error - bad email"}, "Error - bad email"},
		{"400 default", client.APIError{Status: 400}, "Invalid request. Please check your input."},
		{"401 default", fmt.Errorf("me: %w", client.APIError{Status: 401}), "Authentication failed. Please try again."},
		{"404 default", client.APIError{Status: 404}, "Resource not found."},
		{"500 default", client.APIError{Status: 500}, "Server error. Please try again later."},
		{"other status", client.APIError{Status: 418}, "Request failed with status 418"},
		{"transfer", fmt.Errorf("download: %w", &acquire.TransferError{StatusCode: 403, Message: "Forbidden"}), "Download failed (HTTP 403): Forbidden"},
		{"traversal", &archive.PathTraversalError{Entry: "../x"}, `blocked path traversal in archive entry "../x"`},
		{"dial", fmt.Errorf("perform request: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), "Please check your internet connection."},
		{"dns", &net.DNSError{Name: "api.shipth.is", Err: "no such host"}, "Please check your internet connection."},
		{"read timeout", fmt.Errorf("download: %w", acquire.ErrReadTimeout), "Please check your internet connection."},
		{"plain", errors.New("no runtime"), "no runtime"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Message(tc.err); got != tc.want {
				t.Fatalf("Message() = %q, want %q", got, tc.want)
			}
		})
	}
	if Message(nil) != "" {
		t.Fatal("nil error renders empty")
	}
}
