// Package telemetry is a minimal Socket.IO v5 (Engine.IO v4) client over a
// websocket, sufficient to authenticate and emit events.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 20 * time.Second
)

var (
	// ErrUnauthorized indicates the server rejected the namespace connect.
	ErrUnauthorized = errors.New("runtime telemetry unauthorized")
	// ErrInvalidResponse indicates the server spoke something other than Engine.IO v4.
	ErrInvalidResponse = errors.New("runtime telemetry invalid response")
	// ErrClosed is returned by Emit after the connection has ended.
	ErrClosed = errors.New("runtime telemetry connection closed")
)

// Emitter is a connected Socket.IO client on the default namespace.
type Emitter struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingWindow   time.Duration

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// DialOptions tunes Dial.
type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// SocketURL turns a base such as wss://ws.shipth.is into the Engine.IO
// websocket endpoint.
func SocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported socket scheme %q", u.Scheme)
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, "/socket.io") {
		path += "/socket.io"
	}
	u.Path = path + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, completes the Engine.IO handshake and connects
// to the default namespace with {"token": token} as auth payload.
func Dial(ctx context.Context, base, token string, opts DialOptions) (*Emitter, error) {
	endpoint, err := SocketURL(base)
	if err != nil {
		return nil, err
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	e := &Emitter{conn: conn, writeTimeout: opts.WriteTimeout, done: make(chan struct{})}
	if err := e.handshake(ctx, token, opts.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	go e.readLoop()
	return e, nil
}

func (e *Emitter) handshake(ctx context.Context, token string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	e.conn.SetReadDeadline(deadline)
	defer e.conn.SetReadDeadline(time.Time{})

	msg, err := e.readText()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if !strings.HasPrefix(msg, "0") {
		return fmt.Errorf("%w: expected open packet, got %q", ErrInvalidResponse, msg)
	}
	var open openPacket
	if err := json.Unmarshal([]byte(msg[1:]), &open); err != nil {
		return fmt.Errorf("%w: decode open packet: %v", ErrInvalidResponse, err)
	}
	interval := time.Duration(open.PingInterval) * time.Millisecond
	wait := time.Duration(open.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if wait <= 0 {
		wait = defaultPingTimeout
	}
	e.pingWindow = interval + wait

	auth, _ := json.Marshal(map[string]string{"token": token})
	if err := e.write("40" + string(auth)); err != nil {
		return fmt.Errorf("send namespace connect: %w", err)
	}
	for {
		msg, err := e.readText()
		if err != nil {
			return fmt.Errorf("read namespace connect: %w", err)
		}
		switch {
		case msg == "2":
			if err := e.write("3"); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "40"):
			return nil
		case strings.HasPrefix(msg, "44"):
			var reason struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(msg[2:]), &reason)
			if reason.Message == "" {
				reason.Message = msg[2:]
			}
			return fmt.Errorf("%w: %s", ErrUnauthorized, reason.Message)
		default:
			return fmt.Errorf("%w: unexpected packet %q", ErrInvalidResponse, msg)
		}
	}
}

func (e *Emitter) readText() (string, error) {
	for {
		kind, data, err := e.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (e *Emitter) readLoop() {
	for {
		e.conn.SetReadDeadline(time.Now().Add(e.pingWindow))
		msg, err := e.readText()
		if err != nil {
			e.shutdown(err)
			return
		}
		switch {
		case msg == "2":
			if err := e.write("3"); err != nil {
				e.shutdown(err)
				return
			}
		case msg == "1", strings.HasPrefix(msg, "41"):
			e.shutdown(ErrClosed)
			return
		}
	}
}

func (e *Emitter) write(msg string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Emit sends event with payload. ctx only bounds waiting for the write lock
// to be taken; the write itself is bounded by the write timeout.
func (e *Emitter) Emit(ctx context.Context, event string, payload any) error {
	select {
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	frame, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := e.write("42" + string(frame)); err != nil {
		e.shutdown(err)
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Done is closed when the connection ends.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Err reports why the connection ended.
func (e *Emitter) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close disconnects from the namespace and closes the socket.
func (e *Emitter) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	_ = e.write("41")
	e.shutdown(ErrClosed)
	return nil
}

func (e *Emitter) shutdown(err error) {
	e.closeOnce.Do(func() {
		e.err = err
		e.conn.Close()
		close(e.done)
	})
}
