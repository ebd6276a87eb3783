package pcfd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/checkpoint"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/history"
	"pkt.systems/pcfd/internal/httpapi"
	"pkt.systems/pcfd/internal/lifecycle"
	"pkt.systems/pcfd/internal/queue"
	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/svcfields"
	"pkt.systems/pcfd/internal/throttle"
	"pkt.systems/pcfd/internal/workqueue"
)

// Server wraps the HTTP listener, the checkpoint engine and the supporting
// components of one broker instance.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	engine    *checkpoint.Engine
	handler   *httpapi.Handler
	httpSrv   *http.Server
	listener  net.Listener
	clock     clock.Clock
	telemetry *telemetryBundle
	worker    *workqueue.Worker
	watcher   *throttle.Watcher

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}

	ownedBackend bool
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	AgentMap     *agentmap.Map
	Authorizer   httpapi.Authorizer
	Publisher    lifecycle.Publisher
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built storage backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithAgentMap injects an agent map snapshot instead of loading
// Config.AgentMapPath.
func WithAgentMap(m *agentmap.Map) Option {
	return func(o *options) {
		o.AgentMap = m
	}
}

// WithAuthorizer injects a request authorizer instead of loading
// Config.AuthTokensPath.
func WithAuthorizer(a httpapi.Authorizer) Option {
	return func(o *options) {
		o.Authorizer = a
	}
}

// WithLifecyclePublisher overrides the lifecycle event publisher.
func WithLifecyclePublisher(p lifecycle.Publisher) Option {
	return func(o *options) {
		o.Publisher = p
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a broker server according to cfg.
// Example:
//
//	cfg := pcfd.Config{Store: "mem://", Listen: ":9475", AgentMapPath: "agents.yaml", AuthTokensPath: "tokens.yaml"}
//	srv, err := pcfd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetrySettings{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	// Every constructor failure from here on has to unwind what is already
	// running.
	var cleanups []func()
	fail := func(err error) (*Server, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}

	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		backend, err = openBackend(cfg)
		if err != nil {
			return fail(err)
		}
		ownedBackend = true
		cleanups = append(cleanups, func() { _ = backend.Close() })
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	agentMap := o.AgentMap
	if agentMap == nil {
		if cfg.AgentMapPath == "" {
			return fail(fmt.Errorf("config: agent map path is required (or inject one with WithAgentMap)"))
		}
		groups, err := agentmap.LoadFile(cfg.AgentMapPath)
		if err != nil {
			return fail(err)
		}
		agentMap = agentmap.New(groups)
		logger.Info("agentmap.loaded", "path", cfg.AgentMapPath, "asset_groups", len(groups))
	}

	authorizer := o.Authorizer
	if authorizer == nil {
		if cfg.AuthTokensPath == "" {
			return fail(fmt.Errorf("config: auth tokens path is required (or inject an authorizer with WithAuthorizer)"))
		}
		static, err := httpapi.LoadStaticTokens(cfg.AuthTokensPath)
		if err != nil {
			return fail(err)
		}
		authorizer = static
		logger.Info("auth.tokens_loaded", "path", cfg.AuthTokensPath, "tokens", len(static.Tokens))
	}

	var gate *throttle.Gate
	var watcher *throttle.Watcher
	if cfg.ThrottleRulesPath != "" {
		gate = throttle.New(nil)
		watcher, err = throttle.WatchFile(cfg.ThrottleRulesPath, gate, svcfields.WithSubsystem(logger, "throttle"))
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = watcher.Close() })
	}

	router, err := queue.NewRouter(backend, cfg.QueueMoniker, cfg.queueConfig(), serverClock, svcfields.WithSubsystem(logger, "queue"))
	if err != nil {
		return fail(err)
	}
	hist, err := history.New(backend, serverClock, svcfields.WithSubsystem(logger, "history"))
	if err != nil {
		return fail(err)
	}
	publisher := o.Publisher
	if publisher == nil {
		publisher = lifecycle.NewLogPublisher(svcfields.WithSubsystem(logger, "lifecycle"))
	}

	var worker *workqueue.Worker
	if !cfg.DisableDeferredDeletes {
		worker = workqueue.New(workqueue.Config{
			Clock:   serverClock,
			Logger:  svcfields.WithSubsystem(logger, "workqueue"),
			Workers: cfg.DeleteWorkers,
		})
		cleanups = append(cleanups, func() { _ = worker.Close() })
	}

	engine, err := checkpoint.New(cfg.engineConfig(), checkpoint.Deps{
		Router:    router,
		History:   hist,
		Publisher: publisher,
		AgentMap:  agentMap,
		Worker:    worker,
		Clock:     serverClock,
		Logger:    svcfields.WithSubsystem(logger, "checkpoint"),
	})
	if err != nil {
		return fail(err)
	}

	handler, err := httpapi.New(httpapi.Config{
		Engine:             engine,
		Authorizer:         authorizer,
		Gate:               gate,
		ReadyCheck:         backendProbe(backend, cfg.QueueMoniker),
		Logger:             logger,
		Clock:              serverClock,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		MaxCommandsPerPop:  cfg.MaxCommandsPerPop,
		HTTPTracingEnabled: cfg.HTTPTracing && otlpEndpoint != "",
	})
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	if err := http2.ConfigureServer(httpSrv, &http2.Server{
		MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams),
	}); err != nil {
		return fail(fmt.Errorf("configure http2: %w", err))
	}

	return &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, "server"),
		backend:      backend,
		engine:       engine,
		handler:      handler,
		httpSrv:      httpSrv,
		clock:        serverClock,
		telemetry:    telemetry,
		worker:       worker,
		watcher:      watcher,
		readyCh:      make(chan struct{}),
		ownedBackend: ownedBackend,
	}, nil
}

// backendProbe backs /readyz with a cheap storage round trip.
func backendProbe(backend storage.Backend, moniker string) func(context.Context) error {
	prefix := moniker + "/readyz-probe"
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := backend.List(probeCtx, prefix); err != nil {
			return fmt.Errorf("storage probe: %w", err)
		}
		return nil
	}
}

// Handler returns the underlying HTTP handler so the broker can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Engine exposes the checkpoint engine for in-process command production.
func (s *Server) Engine() *checkpoint.Engine {
	return s.engine
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %q: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	// Drain the deferred-delete pool before the backend goes away.
	if s.worker != nil {
		_ = s.worker.Close()
		s.worker = nil
	}
	if s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a broker server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
