// Package wsconn wraps one physical WebSocket connection to the engine.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 4 << 20
	writeTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("socket is not connected")

// Conn owns a single socket. It emits inbound text frames in arrival order and
// signals exactly once when the connection ends.
type Conn struct {
	conn *websocket.Conn
	url  string

	frames   chan []byte
	done     chan struct{}
	readDone chan struct{}

	writeMu sync.Mutex

	closed     atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens a connection or fails within timeout.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Conn{
		conn:   ws,
		url:    url,
		frames:   make(chan []byte, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// URL returns the address this connection was dialed with.
func (c *Conn) URL() string {
	return c.url
}

// Frames yields inbound text frames. It is closed when the connection ends.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Done is closed once the connection has ended for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. Nil means a clean or intentional close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close ends the connection. Safe to call any number of times. Frames still
// buffered when the first Close returns are discarded.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(250*time.Millisecond),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.finish()

		<-c.readDone
		for range c.frames {
		}
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) finish() {
	c.finishOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) setErr(err error) {
	if err == nil || c.closed.Load() {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.frames)
	defer c.finish()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(fmt.Errorf("connection lost: %w", err))
			_ = c.conn.Close()
			return
		}
		if c.closed.Load() {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		select {
		case c.frames <- payload:
		case <-c.done:
			return
		}
	}
}
