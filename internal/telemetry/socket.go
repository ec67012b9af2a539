package telemetry

import (
	"context"

	sio "github.com/shipth-is/shipgo/pkg/runtime/telemetry"
)

// SocketDialer connects to the backend's socket.io endpoint.
type SocketDialer struct {
	URL     string
	Options sio.DialOptions
}

func (d SocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	em, err := sio.Dial(ctx, d.URL, token, d.Options)
	if err != nil {
		return nil, err
	}
	return em, nil
}
