// Package client keeps one logical session with the engine: it correlates
// commands with responses and forwards unsolicited events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/protocol"
	"keyvoxdesk/internal/transport/probe"
	"keyvoxdesk/internal/transport/wsconn"
)

const DefaultCommandTimeout = 10 * time.Second

var (
	ErrNotConnected       = errors.New("socket is not connected")
	ErrSocketDisconnected = errors.New("socket disconnected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrNoBackendReachable = errors.New("no backend reachable")
	ErrConnectSuperseded  = errors.New("connect superseded")
)

// CommandError is a server-side rejection of a command.
type CommandError struct {
	Type    string
	Code    string
	Message string
	Details json.RawMessage
}

func (e *CommandError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("%s failed", e.Type)
}

// Prober finds a reachable engine among candidate ports.
type Prober interface {
	Probe(ctx context.Context, ports []int) (int, *wsconn.Conn, error)
}

// Metrics receives client-side counters. All methods must be safe for
// concurrent use.
type Metrics interface {
	ObserveCommand(cmdType, outcome string, elapsed time.Duration)
	IncDecodeErrors()
	SetConnectionStatus(status domain.ConnectionStatus)
}

// Lifecycle describes one connection status transition.
type Lifecycle struct {
	Status domain.ConnectionStatus
	Port   int
	Err    error
	// Intentional is set when the transition was caused by Disconnect.
	Intentional bool
}

type (
	LifecycleListener func(Lifecycle)
	EventHandler      func(protocol.Event)
	ProtocolHandler   func(error)
)

type Client struct {
	prober         Prober
	logger         *zap.Logger
	metrics        Metrics
	commandTimeout time.Duration

	idPrefix string
	seq      atomic.Uint64

	mu         sync.Mutex
	conn       *wsconn.Conn
	status     domain.ConnectionStatus
	port       int
	generation uint64
	pending    map[string]*pendingRequest

	hooksMu    sync.RWMutex
	listeners  []LifecycleListener
	onEvent    EventHandler
	onProtocol ProtocolHandler
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

func WithCommandTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.commandTimeout = timeout
		}
	}
}

func New(prober Prober, opts ...Option) *Client {
	if prober == nil {
		prober = probe.New()
	}
	c := &Client{
		prober:         prober,
		logger:         zap.NewNop(),
		metrics:        nopMetrics{},
		commandTimeout: DefaultCommandTimeout,
		idPrefix:       uuid.NewString(),
		status:         domain.ConnectionDisconnected,
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnLifecycle registers a listener for status transitions. Listeners run
// synchronously and must not block.
func (c *Client) OnLifecycle(listener LifecycleListener) {
	if listener == nil {
		return
	}
	c.hooksMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.hooksMu.Unlock()
}

// SetEventHandler sets the receiver of unsolicited events. It is called on the
// connection's read goroutine in arrival order.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.hooksMu.Lock()
	c.onEvent = handler
	c.hooksMu.Unlock()
}

// SetProtocolErrorHandler sets the receiver of undecodable frame errors.
func (c *Client) SetProtocolErrorHandler(handler ProtocolHandler) {
	c.hooksMu.Lock()
	c.onProtocol = handler
	c.hooksMu.Unlock()
}

func (c *Client) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Port returns the last port a connection was bound on, or zero.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// PendingCount reports how many commands are awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect drops any current session and binds to the first reachable port.
func (c *Client) Connect(ctx context.Context, ports []int) (int, error) {
	c.Disconnect()

	c.mu.Lock()
	gen := c.generation
	c.status = domain.ConnectionConnecting
	c.mu.Unlock()
	c.emit(Lifecycle{Status: domain.ConnectionConnecting})

	port, conn, err := c.prober.Probe(ctx, ports)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoBackendReachable, err)
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return 0, ErrConnectSuperseded
		}
		c.status = domain.ConnectionError
		c.mu.Unlock()
		c.logger.Warn("connect failed", zap.Ints("ports", ports), zap.Error(err))
		c.emit(Lifecycle{Status: domain.ConnectionError, Err: err})
		return 0, err
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, ErrConnectSuperseded
	}
	c.conn = conn
	c.port = port
	c.status = domain.ConnectionConnected
	c.mu.Unlock()

	go c.readLoop(gen, conn)

	c.logger.Info("connected to engine", zap.Int("port", port))
	c.emit(Lifecycle{Status: domain.ConnectionConnected, Port: port})
	return port, nil
}

// Disconnect closes the session and rejects every pending command. Safe to
// call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	pending := c.takePendingLocked()
	changed := c.status != domain.ConnectionDisconnected
	c.status = domain.ConnectionDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	rejectAll(pending, ErrSocketDisconnected)

	if changed {
		c.emit(Lifecycle{Status: domain.ConnectionDisconnected, Intentional: true})
	}
}

// SendCommand sends one command and waits for its response. A zero timeout
// uses the client default.
func (c *Client) SendCommand(ctx context.Context, cmdType string, payload map[string]any, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.commandTimeout
	}

	c.mu.Lock()
	if c.status != domain.ConnectionConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	req := newPendingRequest(c.nextID(), cmdType)
	c.pending[req.id] = req
	c.mu.Unlock()

	data, err := json.Marshal(protocol.Command{Type: cmdType, RequestID: req.id, Payload: payload})
	if err == nil {
		err = conn.Send(data)
	}
	if err != nil {
		if c.abandon(req) {
			c.metrics.ObserveCommand(cmdType, "send_error", time.Since(req.started))
			return nil, fmt.Errorf("send %s: %w", cmdType, err)
		}
		return c.await(req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-req.done:
		return c.finish(req, out)
	case <-timer.C:
		if c.abandon(req) {
			c.logger.Debug("command timed out", zap.String("type", cmdType), zap.String("request_id", req.id))
			c.metrics.ObserveCommand(cmdType, "timeout", time.Since(req.started))
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, cmdType)
		}
		return c.await(req)
	case <-ctx.Done():
		if c.abandon(req) {
			c.metrics.ObserveCommand(cmdType, "canceled", time.Since(req.started))
			return nil, fmt.Errorf("%s: %w", cmdType, ctx.Err())
		}
		return c.await(req)
	}
}

func (c *Client) await(req *pendingRequest) (*protocol.Response, error) {
	return c.finish(req, <-req.done)
}

func (c *Client) finish(req *pendingRequest, out outcome) (*protocol.Response, error) {
	result := "ok"
	var cmdErr *CommandError
	switch {
	case errors.As(out.err, &cmdErr):
		result = "rejected"
	case errors.Is(out.err, ErrSocketDisconnected):
		result = "disconnected"
	case out.err != nil:
		result = "error"
	}
	c.metrics.ObserveCommand(req.cmdType, result, time.Since(req.started))
	return out.resp, out.err
}

// abandon removes req from the pending map and claims it for the caller.
// False means another path already resolved it.
func (c *Client) abandon(req *pendingRequest) bool {
	c.mu.Lock()
	if current, ok := c.pending[req.id]; ok && current == req {
		delete(c.pending, req.id)
	}
	c.mu.Unlock()
	return req.claim()
}

func (c *Client) nextID() string {
	return c.idPrefix + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) takePendingLocked() map[string]*pendingRequest {
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	return pending
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Client) readLoop(gen uint64, conn *wsconn.Conn) {
	for frame := range conn.Frames() {
		if !c.current(gen) {
			continue
		}
		c.handleFrame(frame)
	}
	c.connectionEnded(gen, conn.Err())
}

func (c *Client) handleFrame(frame []byte) {
	in, err := protocol.Decode(frame)
	if err != nil {
		c.metrics.IncDecodeErrors()
		c.logger.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(frame)))
		c.hooksMu.RLock()
		handler := c.onProtocol
		c.hooksMu.RUnlock()
		if handler != nil {
			handler(err)
		}
		return
	}

	if in.Response != nil {
		c.handleResponse(in.Response)
		return
	}

	c.hooksMu.RLock()
	handler := c.onEvent
	c.hooksMu.RUnlock()
	if handler != nil {
		handler(in.Event)
	}
}

func (c *Client) handleResponse(resp *protocol.Response) {
	id := string(resp.RequestID)

	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response without pending request",
			zap.String("request_id", id),
			zap.String("response_type", resp.ResponseType),
		)
		return
	}

	out := outcome{resp: resp}
	if !resp.OK {
		cmdErr := &CommandError{Type: req.cmdType}
		if resp.Error != nil {
			cmdErr.Code = resp.Error.Code
			cmdErr.Message = resp.Error.Message
			cmdErr.Details = resp.Error.Details
		}
		out.err = cmdErr
	}
	req.resolve(out)
}

func (c *Client) connectionEnded(gen uint64, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.conn = nil
	pending := c.takePendingLocked()
	status := domain.ConnectionDisconnected
	if cause != nil {
		status = domain.ConnectionError
	}
	c.status = status
	port := c.port
	c.mu.Unlock()

	rejectAll(pending, ErrSocketDisconnected)

	if cause != nil {
		c.logger.Warn("engine connection lost", zap.Int("port", port), zap.Error(cause))
	} else {
		c.logger.Info("engine closed the connection", zap.Int("port", port))
	}
	c.emit(Lifecycle{Status: status, Port: port, Err: cause})
}

func (c *Client) emit(event Lifecycle) {
	c.metrics.SetConnectionStatus(event.Status)

	c.hooksMu.RLock()
	listeners := make([]LifecycleListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.hooksMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveCommand(string, string, time.Duration) {}
func (nopMetrics) IncDecodeErrors()                               {}
func (nopMetrics) SetConnectionStatus(domain.ConnectionStatus)    {}
