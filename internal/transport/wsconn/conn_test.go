package wsconn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		onConn(ws)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func echo(ws *websocket.Conn) {
	for {
		mt, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(mt, payload); err != nil {
			return
		}
	}
}

func TestDialSendReceive(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, echo)
	conn, err := Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case frame := <-conn.Frames():
		if string(frame) != `{"type":"ping"}` {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for echo")
	}
}

func TestCloseIsIdempotentAndStopsSends(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, echo)
	conn, err := Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after Close")
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("intentional close should not report an error, got %v", err)
	}
	if err := conn.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	for range conn.Frames() {
		t.Fatalf("no frames expected after close")
	}
}

func TestCloseDiscardsBufferedFrames(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(ws *websocket.Conn) {
		for i := 0; i < 3; i++ {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"state"}`)); err != nil {
				return
			}
		}
		echo(ws)
	})
	conn, err := Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Frames()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("frames never buffered, have %d", len(conn.Frames()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	for frame := range conn.Frames() {
		t.Fatalf("unexpected frame after close: %s", frame)
	}
}

func TestServerDropReportsError(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(ws *websocket.Conn) {
		_ = ws.UnderlyingConn().Close()
	})
	conn, err := Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not signalled after server drop")
	}
	if conn.Err() == nil {
		t.Fatalf("expected an error after abrupt drop")
	}
}

func TestServerNormalCloseIsClean(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})
	conn, err := Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not signalled after normal close")
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("normal close should be clean, got %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	if _, err := Dial(context.Background(), "ws://"+addr, 200*time.Millisecond); err == nil {
		t.Fatalf("expected dial failure on closed port")
	}
}
