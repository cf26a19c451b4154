// Package lifecycle decides between attaching to a running engine and
// spawning a managed one, and releases what it acquired.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/ports"
	"keyvoxdesk/internal/session"
	"keyvoxdesk/internal/transport/probe"
)

type Phase string

const (
	PhaseUnattempted       Phase = "unattempted"
	PhaseAttaching         Phase = "attaching"
	PhaseAttachedUnmanaged Phase = "attached_unmanaged"
	PhaseSpawning          Phase = "spawning"
	PhaseAttachedManaged   Phase = "attached_managed"
	PhaseFailed            Phase = "failed"
)

// Ownership derives who started the engine from the phase.
func (p Phase) Ownership() domain.Ownership {
	switch p {
	case PhaseAttachedUnmanaged:
		return domain.OwnershipUnmanaged
	case PhaseAttachedManaged:
		return domain.OwnershipManaged
	default:
		return domain.OwnershipNone
	}
}

const (
	DefaultSpawnAttachTimeout = 20 * time.Second
	DefaultSpawnRetryInterval = 250 * time.Millisecond
)

var (
	ErrStartupFailed     = errors.New("startup failed")
	ErrAcquireInProgress = errors.New("session acquisition already in progress")
)

// Client is the subset of the protocol client the coordinator uses.
type Client interface {
	Connect(ctx context.Context, ports []int) (int, error)
	Disconnect()
	GetCapabilities(ctx context.Context) (json.RawMessage, error)
	GetConfig(ctx context.Context) (domain.EngineConfig, error)
	GetDictionary(ctx context.Context) (map[string]string, error)
	GetHistory(ctx context.Context, limit, offset int) ([]domain.HistoryEntry, error)
	GetStorageStatus(ctx context.Context) (domain.StorageStatus, error)
}

// Supervisor is the reconnection supervisor as seen by the coordinator.
type Supervisor interface {
	ExpectLive(live bool)
	Stop()
}

// Dispatcher receives model inputs.
type Dispatcher interface {
	Dispatch(in session.Input)
}

type Config struct {
	DefaultPort        int
	PortWindow         int
	BackendCommand     string
	HistoryLimit       int
	SpawnAttachTimeout time.Duration
	SpawnRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultPort <= 0 {
		c.DefaultPort = probe.DefaultPort
	}
	if c.PortWindow <= 0 {
		c.PortWindow = probe.DefaultWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = session.DefaultHistoryLimit
	}
	if c.SpawnAttachTimeout <= 0 {
		c.SpawnAttachTimeout = DefaultSpawnAttachTimeout
	}
	if c.SpawnRetryInterval <= 0 {
		c.SpawnRetryInterval = DefaultSpawnRetryInterval
	}
	return c
}

type Coordinator struct {
	client     Client
	host       ports.BackendHost
	supervisor Supervisor
	store      Dispatcher
	portStore  ports.PortStore
	cfg        Config
	logger     *zap.Logger

	mu        sync.Mutex
	phase     Phase
	acquiring bool
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPortStore persists the bound port after each successful acquisition.
func WithPortStore(store ports.PortStore) Option {
	return func(c *Coordinator) { c.portStore = store }
}

func New(client Client, host ports.BackendHost, supervisor Supervisor, store Dispatcher, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:     client,
		host:       host,
		supervisor: supervisor,
		store:      store,
		cfg:        cfg.withDefaults(),
		logger:     zap.NewNop(),
		phase:      PhaseUnattempted,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) Ownership() domain.Ownership {
	return c.Phase().Ownership()
}

// SetBackendCommand changes the launch command used by later acquisitions.
func (c *Coordinator) SetBackendCommand(command string) {
	c.mu.Lock()
	c.cfg.BackendCommand = command
	c.mu.Unlock()
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	c.store.Dispatch(session.OwnershipChanged{Ownership: phase.Ownership()})
}

// AcquireSession attaches to a running engine or spawns a managed one. It
// never retries on its own; a failure is returned once as ErrStartupFailed.
func (c *Coordinator) AcquireSession(ctx context.Context, seedPort int) (int, error) {
	c.mu.Lock()
	if c.acquiring {
		c.mu.Unlock()
		return 0, ErrAcquireInProgress
	}
	c.acquiring = true
	cfg := c.cfg
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.acquiring = false
		c.mu.Unlock()
	}()

	// A pending reconnect would race the attach below for the client.
	c.supervisor.Stop()
	c.setPhase(PhaseAttaching)
	c.store.Dispatch(session.StartupFailed{})

	port, attachErr := c.client.Connect(ctx, probe.Candidates(seedPort, cfg.DefaultPort, cfg.PortWindow))
	if attachErr == nil {
		c.logger.Info("attached to running engine", zap.Int("port", port))
		return c.acquired(ctx, PhaseAttachedUnmanaged, port)
	}
	c.logger.Info("no running engine found; trying to spawn one", zap.Error(attachErr))

	spawnPort := seedPort
	if spawnPort <= 0 {
		spawnPort = cfg.DefaultPort
	}

	preflight := c.host.Preflight(spawnPort, cfg.BackendCommand)
	if !preflight.OK {
		return 0, c.fail(attachErr, fmt.Errorf("preflight %s: %s", preflight.IssueCode, preflight.Message))
	}

	c.setPhase(PhaseSpawning)
	status, err := c.host.Spawn(ctx, spawnPort, cfg.BackendCommand)
	if err != nil {
		return 0, c.fail(attachErr, fmt.Errorf("spawn: %w", err))
	}
	boundPort := status.Port
	if boundPort <= 0 {
		boundPort = spawnPort
	}

	port, err = c.attachSpawned(ctx, boundPort, cfg)
	if err != nil {
		if _, stopErr := c.host.Stop(); stopErr != nil {
			c.logger.Warn("failed to stop unreachable backend", zap.Error(stopErr))
		}
		return 0, c.fail(attachErr, fmt.Errorf("attach to spawned backend on %d: %w", boundPort, err))
	}
	c.logger.Info("attached to managed engine", zap.Int("port", port))
	return c.acquired(ctx, PhaseAttachedManaged, port)
}

func (c *Coordinator) attachSpawned(ctx context.Context, port int, cfg Config) (int, error) {
	deadline := time.Now().Add(cfg.SpawnAttachTimeout)
	for {
		bound, err := c.client.Connect(ctx, []int{port})
		if err == nil {
			return bound, nil
		}
		if time.Now().Add(cfg.SpawnRetryInterval).After(deadline) {
			return 0, err
		}
		timer := time.NewTimer(cfg.SpawnRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) acquired(ctx context.Context, phase Phase, port int) (int, error) {
	c.setPhase(phase)
	if c.portStore != nil {
		if err := c.portStore.SaveLastPort(port); err != nil {
			c.logger.Warn("failed to remember engine port", zap.Int("port", port), zap.Error(err))
		}
	}
	if err := c.Hydrate(ctx); err != nil {
		c.logger.Warn("hydration incomplete", zap.Error(err))
	}
	c.supervisor.ExpectLive(true)
	return port, nil
}

func (c *Coordinator) fail(attachErr, spawnErr error) error {
	c.setPhase(PhaseFailed)
	err := fmt.Errorf("%w: %w", ErrStartupFailed, errors.Join(
		fmt.Errorf("attach: %w", attachErr),
		spawnErr,
	))
	c.logger.Error("engine startup failed", zap.Error(err))
	c.store.Dispatch(session.StartupFailed{Message: err.Error()})
	return err
}

// ReleaseSession tears down what AcquireSession set up. A managed engine is
// stopped; an unmanaged one is left running. Errors are returned for
// reporting only.
func (c *Coordinator) ReleaseSession(ctx context.Context) error {
	c.supervisor.Stop()
	c.client.Disconnect()

	phase := c.Phase()
	var errs []error
	if phase == PhaseAttachedManaged {
		if _, err := c.host.Stop(); err != nil {
			c.logger.Warn("failed to stop managed backend", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop backend: %w", err))
		}
	}
	c.setPhase(PhaseUnattempted)
	return errors.Join(errs...)
}

// Hydrate runs the read-only command batch that fills the session caches.
// A failing step is recorded and skipped.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	c.store.Dispatch(session.HydrationStarted{})
	defer c.store.Dispatch(session.HydrationFinished{})

	var errs []error
	step := func(name string, fn func() (session.Input, error)) {
		in, err := fn()
		if err != nil {
			c.logger.Warn("hydration step failed", zap.String("command", name), zap.Error(err))
			c.store.Dispatch(session.ErrorRecorded{Notice: domain.Notice{
				Level:   domain.NoticeTransient,
				Code:    domain.ErrorCodeCommand,
				Message: fmt.Sprintf("Could not load %s", name),
				Detail:  err.Error(),
			}})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		c.store.Dispatch(in)
	}

	step("capabilities", func() (session.Input, error) {
		raw, err := c.client.GetCapabilities(ctx)
		return session.CapabilitiesLoaded{Raw: raw}, err
	})
	step("config", func() (session.Input, error) {
		cfg, err := c.client.GetConfig(ctx)
		return session.ConfigLoaded{Config: cfg}, err
	})
	step("dictionary", func() (session.Input, error) {
		entries, err := c.client.GetDictionary(ctx)
		return session.DictionaryLoaded{Entries: entries}, err
	})
	step("history", func() (session.Input, error) {
		entries, err := c.client.GetHistory(ctx, c.cfg.HistoryLimit, 0)
		return session.HistoryLoaded{Entries: entries}, err
	})
	step("storage status", func() (session.Input, error) {
		status, err := c.client.GetStorageStatus(ctx)
		return session.StorageLoaded{Status: status}, err
	})

	return errors.Join(errs...)
}
