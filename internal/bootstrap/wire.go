package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/config"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/historycache"
	"keyvoxdesk/internal/host"
	"keyvoxdesk/internal/lifecycle"
	"keyvoxdesk/internal/logging"
	"keyvoxdesk/internal/observability"
	"keyvoxdesk/internal/ports"
	"keyvoxdesk/internal/reconnect"
	"keyvoxdesk/internal/session"
	"keyvoxdesk/internal/transport/probe"
	"keyvoxdesk/internal/usecase"
)

// Options are the runtime collaborators supplied by the caller. All are
// optional.
type Options struct {
	ConfigPath string
	Shell      ports.Shell
	Events     ports.EventSink
	Clipboard  ports.Clipboard
	Logger     *zap.Logger
	// NoCache disables the local history snapshot regardless of config.
	NoCache bool
}

// Services is the assembled runtime graph.
type Services struct {
	Config      config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Client      *client.Client
	Store       *session.Store
	Supervisor  *reconnect.Supervisor
	Coordinator *lifecycle.Coordinator
	Host        *host.ProcessHost
	State       *config.StateStore
	Controller  *usecase.Controller

	cache   *historycache.Cache
	metrics *http.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("services closed")

// Build wires all dependencies for the current runtime. Nothing is started;
// call Start to run the store and acquire a session.
func Build(opts Options) (*Services, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
	}

	metrics := observability.NewMetrics()
	state := config.NewStateStore(cfg.Cache.StateFile)

	prober := probe.New(
		probe.WithHost(cfg.Backend.Host),
		probe.WithTimeout(cfg.Backend.ProbeTimeout),
		probe.WithLogger(logger.Named("probe")),
	)
	engine := client.New(prober,
		client.WithLogger(logger.Named("client")),
		client.WithMetrics(metrics),
		client.WithCommandTimeout(cfg.Client.CommandTimeout),
	)
	store := session.NewStore(cfg.Session.HistoryLimit,
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(metrics),
	)

	var controller *usecase.Controller
	supervisor := reconnect.New(engine, reconnect.Config{
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		DefaultPort: cfg.Backend.DefaultPort,
		PortWindow:  cfg.Backend.PortWindow,
	},
		reconnect.WithLogger(logger.Named("reconnect")),
		reconnect.WithMetrics(metrics),
		reconnect.OnState(func(s domain.ReconnectState) { controller.HandleReconnectState(s) }),
		reconnect.OnReconnected(func(port int) { controller.HandleReconnected(port) }),
	)

	hostOpts := []host.Option{host.WithLogger(logger.Named("host"))}
	if cfg.Backend.InstallDir != "" {
		hostOpts = append(hostOpts, host.WithInstallDir(cfg.Backend.InstallDir))
	}
	processHost := host.New(hostOpts...)

	coordinator := lifecycle.New(engine, processHost, supervisor, store, lifecycle.Config{
		DefaultPort:        cfg.Backend.DefaultPort,
		PortWindow:         cfg.Backend.PortWindow,
		BackendCommand:     cfg.Backend.Command,
		HistoryLimit:       cfg.Client.HydrateHistoryLimit,
		SpawnAttachTimeout: cfg.Backend.SpawnAttachTimeout,
	},
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithPortStore(state),
	)

	deps := usecase.Deps{
		Lifecycle:   coordinator,
		Client:      engine,
		Reconnector: supervisor,
		Store:       store,
		Shell:       opts.Shell,
		Events:      opts.Events,
		Clipboard:   opts.Clipboard,
		PortStore:   state,
	}
	var cache *historycache.Cache
	if !opts.NoCache && cfg.Cache.HistoryDB != "" {
		if cache, err = historycache.Open(cfg.Cache.HistoryDB, historycache.DefaultKeep); err != nil {
			logger.Warn("history cache disabled", zap.String("path", cfg.Cache.HistoryDB), zap.Error(err))
			cache = nil
		} else {
			deps.Cache = cache
		}
	}
	controller = usecase.New(deps, usecase.Config{HistoryLimit: cfg.Session.HistoryLimit},
		usecase.WithLogger(logger.Named("usecase")),
	)

	engine.OnLifecycle(controller.HandleLifecycle)
	engine.OnLifecycle(supervisor.HandleLifecycle)
	engine.SetEventHandler(store.DispatchEvent)
	engine.SetProtocolErrorHandler(controller.HandleProtocolError)

	return &Services{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Client:      engine,
		Store:       store,
		Supervisor:  supervisor,
		Coordinator: coordinator,
		Host:        processHost,
		State:       state,
		Controller:  controller,
		cache:       cache,
	}, nil
}

// RunStore starts the session store goroutine. It stops with ctx.
func (s *Services) RunStore(ctx context.Context) {
	go s.Store.Run(ctx)
}

// Start runs the store and acquires a session through the controller. The
// metrics endpoint is served when enabled in config.
func (s *Services) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	s.RunStore(ctx)
	if s.Config.Metrics.Enabled {
		if err := s.ServeMetrics(s.Config.Metrics.Addr); err != nil {
			s.Logger.Warn("metrics endpoint disabled", zap.Error(err))
		}
	}
	return s.Controller.Start(ctx)
}

// ServeMetrics exposes the Prometheus registry on addr under /metrics.
func (s *Services) ServeMetrics(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.metrics != nil {
		return fmt.Errorf("metrics already served on %s", s.metrics.Addr)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	s.metrics = &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}(s.metrics)
	s.Logger.Info("serving metrics", zap.String("addr", s.metrics.Addr))
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not served.
func (s *Services) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		return ""
	}
	return s.metrics.Addr
}

// Attach connects to an already running engine without spawning one and
// hydrates the session model.
func (s *Services) Attach(ctx context.Context) (int, error) {
	candidates := probe.Candidates(s.State.LastPort(), s.Config.Backend.DefaultPort, s.Config.Backend.PortWindow)
	port, err := s.Client.Connect(ctx, candidates)
	if err != nil {
		return 0, err
	}
	if err := s.State.SaveLastPort(port); err != nil {
		s.Logger.Warn("failed to remember engine port", zap.Int("port", port), zap.Error(err))
	}
	if err := s.Coordinator.Hydrate(ctx); err != nil {
		s.Logger.Warn("hydration incomplete", zap.Error(err))
	}
	if err := s.Store.Sync(ctx); err != nil && !errors.Is(err, session.ErrStoreStopped) {
		return port, err
	}
	return port, nil
}

// Close shuts the controller down and flushes the logger. A managed engine
// is stopped only when the session was acquired through Start.
func (s *Services) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	metrics := s.metrics
	s.metrics = nil
	s.mu.Unlock()

	var err error
	if metrics != nil {
		if shutdownErr := metrics.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("stop metrics endpoint: %w", shutdownErr)
		}
	}
	if started {
		err = errors.Join(err, s.Controller.Shutdown(ctx))
	} else {
		s.Supervisor.Stop()
		s.Client.Disconnect()
		if s.cache != nil {
			err = errors.Join(err, s.cache.Close())
		}
	}
	_ = s.Logger.Sync()
	return err
}
