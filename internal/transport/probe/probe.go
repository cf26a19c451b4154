// Package probe finds the engine among a window of candidate ports.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"keyvoxdesk/internal/transport/wsconn"
)

const (
	DefaultPort    = 9876
	DefaultWindow  = 10
	DefaultTimeout = time.Second
	DefaultHost    = "127.0.0.1"
)

var ErrNoCandidateReachable = errors.New("no candidate port reachable")

// DialFunc opens one physical connection.
type DialFunc func(ctx context.Context, url string, timeout time.Duration) (*wsconn.Conn, error)

// Candidates returns [lastKnown?, base..base+window-1] without duplicates or
// out-of-range ports.
func Candidates(lastKnown, base, window int) []int {
	if window <= 0 {
		window = DefaultWindow
	}
	ports := make([]int, 0, window+1)
	if lastKnown > 0 {
		ports = append(ports, lastKnown)
	}
	for i := 0; i < window; i++ {
		ports = append(ports, base+i)
	}
	return lo.Uniq(lo.Filter(ports, func(p int, _ int) bool {
		return p > 0 && p <= 65535
	}))
}

// Prober tries candidates in order and returns the first that accepts.
type Prober struct {
	host    string
	timeout time.Duration
	dial    DialFunc
	logger  *zap.Logger
}

type Option func(*Prober)

func WithHost(host string) Option {
	return func(p *Prober) {
		if host != "" {
			p.host = host
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithDialer(dial DialFunc) Option {
	return func(p *Prober) {
		if dial != nil {
			p.dial = dial
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(opts ...Option) *Prober {
	p := &Prober{
		host:    DefaultHost,
		timeout: DefaultTimeout,
		dial:    wsconn.Dial,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL builds the engine address for a port.
func (p *Prober) URL(port int) string {
	return fmt.Sprintf("ws://%s:%d", p.host, port)
}

// Probe dials candidates sequentially. Total time is bounded by
// timeout × len(ports).
func (p *Prober) Probe(ctx context.Context, ports []int) (int, *wsconn.Conn, error) {
	if len(ports) == 0 {
		return 0, nil, fmt.Errorf("%w: empty candidate list", ErrNoCandidateReachable)
	}

	var lastErr error
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		conn, err := p.dial(ctx, p.URL(port), p.timeout)
		if err == nil {
			p.logger.Debug("probe succeeded", zap.Int("port", port))
			return port, conn, nil
		}
		p.logger.Debug("probe failed", zap.Int("port", port), zap.Error(err))
		lastErr = err
	}
	return 0, nil, fmt.Errorf("%w (tried %v): %v", ErrNoCandidateReachable, ports, lastErr)
}
