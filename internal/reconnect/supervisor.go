// Package reconnect re-establishes the engine session after unplanned
// transport loss, with bounded exponential backoff.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/transport/probe"
)

const (
	DefaultBaseDelay   = 1200 * time.Millisecond
	DefaultMaxDelay    = 9000 * time.Millisecond
	DefaultMaxAttempts = 5
)

var ErrAttemptInFlight = errors.New("reconnect attempt already in flight")

// Connector is the part of the protocol client the supervisor drives.
type Connector interface {
	Connect(ctx context.Context, ports []int) (int, error)
	Port() int
}

// Timer is the handle returned by a TimerFactory.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d.
type TimerFactory func(d time.Duration, fn func()) Timer

// Metrics counts reconnect attempts by outcome.
type Metrics interface {
	IncReconnectAttempts(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) IncReconnectAttempts(string) {}

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DefaultPort int
	PortWindow  int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DefaultPort <= 0 {
		c.DefaultPort = probe.DefaultPort
	}
	if c.PortWindow <= 0 {
		c.PortWindow = probe.DefaultWindow
	}
	return c
}

type Supervisor struct {
	connector Connector
	cfg       Config
	logger    *zap.Logger
	newTimer  TimerFactory

	onReconnected func(port int)
	onState       func(domain.ReconnectState)
	onPaused      func(attempts int)
	metrics       Metrics

	mu         sync.Mutex
	expectLive bool
	attempts   int
	paused     bool
	inFlight   bool
	timer      Timer
	nextDelay  time.Duration
	backoff    *backoff.ExponentialBackOff
	cancel     context.CancelFunc
}

type Option func(*Supervisor)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTimerFactory(factory TimerFactory) Option {
	return func(s *Supervisor) {
		if factory != nil {
			s.newTimer = factory
		}
	}
}

// OnReconnected runs after every successful automatic or manual attempt.
func WithMetrics(metrics Metrics) Option {
	return func(s *Supervisor) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

func OnReconnected(fn func(port int)) Option {
	return func(s *Supervisor) { s.onReconnected = fn }
}

// OnState receives a copy of the state after each change.
func OnState(fn func(domain.ReconnectState)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

// OnPaused runs once when automatic attempts are exhausted.
func OnPaused(fn func(attempts int)) Option {
	return func(s *Supervisor) { s.onPaused = fn }
}

func New(connector Connector, cfg Config, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		connector: connector,
		cfg:       cfg,
		logger:    zap.NewNop(),
		newTimer: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
		backoff: newBackoff(cfg),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State returns the current reconnection state.
func (s *Supervisor) State() domain.ReconnectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Supervisor) stateLocked() domain.ReconnectState {
	return domain.ReconnectState{
		Attempts:  s.attempts,
		Paused:    s.paused,
		InFlight:  s.inFlight,
		Scheduled: s.timer != nil,
		NextDelay: s.nextDelay,
	}
}

// ExpectLive records whether a backend should currently be reachable. Only
// then does transport loss trigger reconnection.
func (s *Supervisor) ExpectLive(live bool) {
	s.mu.Lock()
	s.expectLive = live
	if !live {
		s.stopTimerLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

// HandleLifecycle reacts to client status transitions.
func (s *Supervisor) HandleLifecycle(event client.Lifecycle) {
	switch event.Status {
	case domain.ConnectionConnected:
		s.mu.Lock()
		s.resetLocked()
		state := s.stateLocked()
		s.mu.Unlock()
		s.publish(state)
	case domain.ConnectionDisconnected, domain.ConnectionError:
		if event.Intentional {
			return
		}
		s.mu.Lock()
		if !s.expectLive || s.inFlight {
			s.mu.Unlock()
			return
		}
		s.logger.Info("engine connection lost; scheduling reconnect", zap.Error(event.Err))
		s.scheduleLocked()
	}
}

// ManualReconnect cancels any pending timer and makes one immediate attempt.
// On failure automatic backoff resumes from the first step.
func (s *Supervisor) ManualReconnect(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return 0, ErrAttemptInFlight
	}
	s.stopTimerLocked()
	s.attempts = 0
	s.paused = false
	s.backoff.Reset()
	s.expectLive = true
	s.mu.Unlock()

	return s.attempt(ctx)
}

// Stop cancels any scheduled or in-flight attempt and disarms the supervisor.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.expectLive = false
	s.stopTimerLocked()
	s.attempts = 0
	s.paused = false
	s.backoff.Reset()
	if s.cancel != nil {
		s.cancel()
	}
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
}

// scheduleLocked arms the single timer. It is a no-op while a timer is armed,
// an attempt is in flight or the supervisor is paused. Unlocks s.mu.
func (s *Supervisor) scheduleLocked() {
	if s.paused || s.timer != nil || s.inFlight || !s.expectLive {
		s.mu.Unlock()
		return
	}

	if s.attempts >= s.cfg.MaxAttempts {
		s.paused = true
		s.nextDelay = 0
		attempts := s.attempts
		state := s.stateLocked()
		s.mu.Unlock()

		s.logger.Warn("reconnect paused", zap.Int("attempts", attempts))
		s.publish(state)
		if s.onPaused != nil {
			s.onPaused(attempts)
		}
		return
	}

	delay := s.backoff.NextBackOff()
	s.nextDelay = delay
	s.timer = s.newTimer(delay, s.fire)
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Debug("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", state.Attempts+1))
	s.publish(state)
}

func (s *Supervisor) fire() {
	s.mu.Lock()
	s.timer = nil
	if !s.expectLive || s.paused || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_, _ = s.attempt(context.Background())
}

func (s *Supervisor) attempt(parent context.Context) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return 0, ErrAttemptInFlight
	}
	s.inFlight = true
	s.cancel = cancel
	candidates := probe.Candidates(s.connector.Port(), s.cfg.DefaultPort, s.cfg.PortWindow)
	state := s.stateLocked()
	s.mu.Unlock()
	s.publish(state)

	port, err := s.connector.Connect(ctx, candidates)

	s.mu.Lock()
	s.inFlight = false
	s.cancel = nil
	if err != nil {
		if !s.expectLive {
			s.mu.Unlock()
			return 0, err
		}
		s.attempts++
		s.metrics.IncReconnectAttempts("failed")
		s.logger.Warn("reconnect attempt failed", zap.Int("attempts", s.attempts), zap.Error(err))
		s.scheduleLocked()
		return 0, err
	}
	s.resetLocked()
	state = s.stateLocked()
	s.mu.Unlock()
	s.publish(state)
	s.metrics.IncReconnectAttempts("succeeded")

	s.logger.Info("reconnected to engine", zap.Int("port", port))
	if s.onReconnected != nil {
		s.onReconnected(port)
	}
	return port, nil
}

func (s *Supervisor) resetLocked() {
	s.stopTimerLocked()
	s.attempts = 0
	s.paused = false
	s.nextDelay = 0
	s.backoff.Reset()
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) publish(state domain.ReconnectState) {
	if s.onState != nil {
		s.onState(state)
	}
}
