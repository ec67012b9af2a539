package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeServer struct {
	token  string
	frames chan string
	ping   bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","pingInterval":200,"pingTimeout":200}`))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var auth map[string]string
	if !strings.HasPrefix(string(data), "40") || json.Unmarshal(data[2:], &auth) != nil || auth["token"] != f.token {
		conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"invalid token"}`))
		return
	}
	if f.ping {
		conn.WriteMessage(websocket.TextMessage, []byte("2"))
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"ns"}`))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.frames <- string(data)
	}
}

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"wss://ws.shipth.is":           "wss://ws.shipth.is/socket.io/?EIO=4&transport=websocket",
		"https://ws.example.com/":      "wss://ws.example.com/socket.io/?EIO=4&transport=websocket",
		"http://127.0.0.1:9/socket.io": "ws://127.0.0.1:9/socket.io/?EIO=4&transport=websocket",
	}
	for in, want := range cases {
		got, err := SocketURL(in)
		if err != nil {
			t.Fatalf("SocketURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("SocketURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := SocketURL("ftp://x"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestDialAndEmit(t *testing.T) {
	fake := &fakeServer{token: "jwt", frames: make(chan string, 8), ping: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	em, err := Dial(ctx, srv.URL, "jwt", DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer em.Close()

	if got := <-fake.frames; got != "3" {
		t.Fatalf("expected pong during handshake, got %q", got)
	}
	if err := em.Emit(ctx, "build:runtime-log", map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case got := <-fake.frames:
		if got != `42["build:runtime-log",{"message":"hi"}]` {
			t.Fatalf("unexpected frame %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for frame")
	}
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{token: "good", frames: make(chan string, 1)})
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL, "bad", DialOptions{HandshakeTimeout: 2 * time.Second})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDoneAfterServerHangup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"a","pingInterval":100,"pingTimeout":100}`))
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"b"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`41`))
		conn.Close()
	}))
	defer srv.Close()

	em, err := Dial(context.Background(), srv.URL, "t", DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-em.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected connection to end")
	}
	if err := em.Emit(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
