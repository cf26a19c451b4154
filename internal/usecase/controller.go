package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/ports"
	"keyvoxdesk/internal/session"
)

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrShutDown       = errors.New("controller has been shut down")
	ErrJobInProgress  = errors.New("a job of this kind is already running")
	ErrEmptyPath      = errors.New("storage path is empty")
	ErrNoClipboard    = errors.New("clipboard is not available")
)

const (
	defaultDismissAfter   = 5 * time.Second
	defaultHydrateTimeout = 30 * time.Second
)

// Lifecycle is the backend lifecycle coordinator as seen by the controller.
type Lifecycle interface {
	AcquireSession(ctx context.Context, seedPort int) (int, error)
	ReleaseSession(ctx context.Context) error
	Hydrate(ctx context.Context) error
	Ownership() domain.Ownership
}

// StateStore is the session store as seen by the controller.
type StateStore interface {
	Dispatch(in session.Input)
	Snapshot() session.Model
	Subscribe(fn session.Listener) func()
}

// Deps are the collaborators of a Controller. Cache, PortStore and
// Clipboard are optional.
type Deps struct {
	Lifecycle   Lifecycle
	Client      ports.EngineClient
	Reconnector ports.Reconnector
	Store       StateStore
	Shell       ports.Shell
	Events      ports.EventSink
	Clipboard   ports.Clipboard
	Cache       ports.HistoryCache
	PortStore   ports.PortStore
}

// Config controls notice and hydration behaviour.
type Config struct {
	HistoryLimit   int
	DismissAfter   time.Duration
	HydrateTimeout time.Duration
}

// Controller drives the engine session on behalf of the desktop UI.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	observer *snapshotObserver
	history  *historyWriter

	mu          sync.Mutex
	started     bool
	shutDown    bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	acquiring   sync.WaitGroup
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(deps Deps, cfg Config, opts ...Option) *Controller {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = session.DefaultHistoryLimit
	}
	if cfg.DismissAfter <= 0 {
		cfg.DismissAfter = defaultDismissAfter
	}
	if cfg.HydrateTimeout <= 0 {
		cfg.HydrateTimeout = defaultHydrateTimeout
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		logger:  zap.NewNop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if deps.Cache != nil {
		c.history = newHistoryWriter(deps.Cache, c.logger)
	}
	c.observer = newSnapshotObserver(deps.Shell, deps.Events, deps.Store.Dispatch, cfg.DismissAfter, c.history)
	return c
}

// Start subscribes to the store, shows cached history and acquires an engine
// session. A startup failure is returned once and surfaced as a blocking
// notice; nothing retries it automatically.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.shutDown {
		c.mu.Unlock()
		return ErrShutDown
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	baseCtx := c.baseCtx
	c.unsubscribe = c.deps.Store.Subscribe(c.observer.observe)
	c.acquiring.Add(1)
	c.mu.Unlock()
	defer c.acquiring.Done()

	if c.history != nil {
		go c.history.run(baseCtx)
		c.seedHistory(baseCtx)
	}

	_, err := c.deps.Lifecycle.AcquireSession(baseCtx, c.lastPort())
	return err
}

func (c *Controller) seedHistory(ctx context.Context) {
	entries, err := c.deps.Cache.Recent(ctx, c.cfg.HistoryLimit)
	if err != nil {
		c.logger.Warn("failed to read cached history", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	c.history.seen(entries)
	c.deps.Store.Dispatch(session.HistoryLoaded{Entries: entries})
}

func (c *Controller) lastPort() int {
	if c.deps.PortStore == nil {
		return 0
	}
	return c.deps.PortStore.LastPort()
}

// Shutdown releases the session and stops background work. A managed engine
// is stopped; an unmanaged one is left running. An acquisition still running
// in Start is cancelled and awaited before the release. A controller cannot
// be started again afterwards, even when Shutdown ran first.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutDown {
		c.mu.Unlock()
		return nil
	}
	c.shutDown = true
	started := c.started
	c.started = false
	cancel := c.cancel
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.acquiring.Wait()

	var err error
	if started {
		err = c.deps.Lifecycle.ReleaseSession(ctx)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.observer.stop()
	if c.history != nil {
		if started {
			c.history.wait()
		}
		if closeErr := c.deps.Cache.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close history cache: %w", closeErr))
		}
	}
	return err
}

// StartBackend acquires a session unless one is already connected.
func (c *Controller) StartBackend(ctx context.Context) (int, error) {
	if c.deps.Client.Status() == domain.ConnectionConnected {
		return c.deps.Client.Port(), nil
	}
	return c.deps.Lifecycle.AcquireSession(ctx, c.seedPort())
}

func (c *Controller) seedPort() int {
	if port := c.deps.Client.Port(); port > 0 {
		return port
	}
	return c.lastPort()
}

// StopBackend asks a connected engine to shut down, then releases the
// session. A managed process that ignores the request is stopped by the host.
func (c *Controller) StopBackend(ctx context.Context) error {
	if c.deps.Client.Status() == domain.ConnectionConnected {
		if err := c.deps.Client.Shutdown(ctx); err != nil {
			c.logger.Warn("engine did not accept shutdown", zap.Error(err))
		}
	}
	return c.deps.Lifecycle.ReleaseSession(ctx)
}

// ManualReconnect performs one immediate attempt and resets the backoff.
func (c *Controller) ManualReconnect(ctx context.Context) (int, error) {
	port, err := c.deps.Reconnector.ManualReconnect(ctx)
	if err != nil {
		c.recordCommandError("reconnect", err)
		return 0, err
	}
	return port, nil
}

// Refresh drops finished jobs and cached validation answers, then re-runs
// hydration against the current connection.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	c.deps.Store.Dispatch(session.RefreshRequested{})
	return c.deps.Lifecycle.Hydrate(ctx)
}

func (c *Controller) SetDictionary(ctx context.Context, key, value string) error {
	if err := c.deps.Client.SetDictionary(ctx, key, value); err != nil {
		c.recordCommandError("save dictionary entry", err)
		return err
	}
	return nil
}

func (c *Controller) DeleteDictionary(ctx context.Context, key string) error {
	if err := c.deps.Client.DeleteDictionary(ctx, key); err != nil {
		c.recordCommandError("delete dictionary entry", err)
		return err
	}
	return nil
}

// DownloadModel starts a model download. Progress arrives as events.
func (c *Controller) DownloadModel(ctx context.Context, backend, model string) (domain.JobStatus, error) {
	if job, ok := c.deps.Store.Snapshot().Job(domain.JobDownload); ok && job.Active {
		return "", fmt.Errorf("%w: downloading %s", ErrJobInProgress, job.Model)
	}
	result, err := c.deps.Client.DownloadModel(ctx, backend, model)
	if err != nil {
		c.recordCommandError("download model", err)
		return "", err
	}
	return result.Status, nil
}

// MigrateStorage moves engine storage to path. Progress arrives as events.
func (c *Controller) MigrateStorage(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return ErrEmptyPath
	}
	if job, ok := c.deps.Store.Snapshot().Job(domain.JobMigration); ok && job.Active {
		return fmt.Errorf("%w: storage migration", ErrJobInProgress)
	}
	if err := c.deps.Client.SetStorageRoot(ctx, path); err != nil {
		c.recordCommandError("move storage", err)
		return err
	}
	return nil
}

// ValidateModelConfig asks the engine whether backend/model can run and
// caches the answer in the session model.
func (c *Controller) ValidateModelConfig(ctx context.Context, backend, model, device string) (domain.ValidationResult, error) {
	result, err := c.deps.Client.ValidateModelConfig(ctx, backend, model, device)
	if err != nil {
		c.recordCommandError("validate model", err)
		return domain.ValidationResult{}, err
	}
	validation := domain.ValidationResult{Valid: result.Valid, Issues: result.Issues}
	c.deps.Store.Dispatch(session.ValidationLoaded{Backend: backend, Model: model, Result: validation})
	return validation, nil
}

// PickStorageFolder opens the native folder picker. A cancelled dialog
// returns an empty path and no error.
func (c *Controller) PickStorageFolder(ctx context.Context) (string, error) {
	path, err := c.deps.Shell.PickFolder(ctx, "Choose a storage folder for Keyvox")
	if err != nil {
		return "", fmt.Errorf("pick storage folder: %w", err)
	}
	return strings.TrimSpace(path), nil
}

// CopyText places text on the clipboard.
func (c *Controller) CopyText(ctx context.Context, text string) error {
	if c.deps.Clipboard == nil {
		return ErrNoClipboard
	}
	if err := c.deps.Clipboard.SetText(ctx, text); err != nil {
		c.deps.Store.Dispatch(session.ErrorRecorded{Notice: domain.Notice{
			Level:   domain.NoticeTransient,
			Code:    domain.ErrorCodeHost,
			Message: "Could not copy to the clipboard",
			Detail:  err.Error(),
		}})
		return err
	}
	return nil
}

// Snapshot returns a deep copy of the session model.
func (c *Controller) Snapshot() session.Model {
	return c.deps.Store.Snapshot()
}

// DismissError clears the current error notice.
func (c *Controller) DismissError() {
	c.deps.Store.Dispatch(session.ErrorCleared{})
}

// HandleLifecycle mirrors client status transitions into the model.
func (c *Controller) HandleLifecycle(event client.Lifecycle) {
	c.deps.Store.Dispatch(session.StatusChanged{Status: event.Status, Port: event.Port, Err: event.Err})
	if event.Status == domain.ConnectionError && !event.Intentional && event.Err != nil {
		c.deps.Store.Dispatch(session.ErrorRecorded{Notice: domain.Notice{
			Level:   domain.NoticeTransient,
			Code:    domain.ErrorCodeTransport,
			Message: "Lost connection to the Keyvox engine",
			Detail:  event.Err.Error(),
		}})
	}
}

// HandleProtocolError records an undecodable frame. The connection stays up.
func (c *Controller) HandleProtocolError(err error) {
	c.logger.Warn("dropped malformed frame", zap.Error(err))
	c.deps.Store.Dispatch(session.ErrorRecorded{Notice: domain.Notice{
		Level:   domain.NoticeTransient,
		Code:    domain.ErrorCodeProtocol,
		Message: "Received a malformed message from the engine",
		Detail:  err.Error(),
	}})
}

func (c *Controller) HandleReconnectState(state domain.ReconnectState) {
	c.deps.Store.Dispatch(session.ReconnectChanged{State: state})
}

// HandleReconnected re-hydrates in the background; nothing is assumed to
// have survived the gap.
func (c *Controller) HandleReconnected(port int) {
	c.mu.Lock()
	base := c.baseCtx
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(base, c.cfg.HydrateTimeout)
		defer cancel()
		if err := c.deps.Lifecycle.Hydrate(ctx); err != nil {
			c.logger.Warn("re-hydration after reconnect incomplete", zap.Int("port", port), zap.Error(err))
		}
	}()
}

func (c *Controller) requireConnected() error {
	if c.deps.Client.Status() != domain.ConnectionConnected {
		return client.ErrNotConnected
	}
	return nil
}

func (c *Controller) recordCommandError(action string, err error) {
	notice := domain.Notice{
		Level:   domain.NoticeTransient,
		Code:    domain.ErrorCodeCommand,
		Message: fmt.Sprintf("Could not %s", action),
		Detail:  err.Error(),
	}
	var cmdErr *client.CommandError
	if errors.As(err, &cmdErr) {
		notice.Detail = cmdErr.Message
	}
	c.logger.Warn("action failed", zap.String("action", action), zap.Error(err))
	c.deps.Store.Dispatch(session.ErrorRecorded{Notice: notice})
}
