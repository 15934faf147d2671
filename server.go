package feedgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/checkpoint"
	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/httpapi"
	"pkt.systems/feedgate/internal/limits"
	"pkt.systems/feedgate/internal/longpoll"
	"pkt.systems/feedgate/internal/routing"
	"pkt.systems/feedgate/internal/shape"
	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/svcfields"
	"pkt.systems/feedgate/internal/window"
)

// Server wires the gateway: stores, caches, limiters and the HTTP surface.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	telemetry *telemetryBundle

	admissionStore  storage.AdmissionStore
	checkpointStore storage.CheckpointStore
	fileLimits      *limits.FileProvider
	enforcer        *limits.Enforcer
	checkpoints     *checkpoint.Cache
	handler         *httpapi.Handler

	httpSrv    *http.Server
	listener   net.Listener
	baseCancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	bgCancel     context.CancelFunc
	bgDone       sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger          pslog.Logger
	Clock           clock.Clock
	AdmissionStore  storage.AdmissionStore
	CheckpointStore storage.CheckpointStore
	Limits          limits.Provider
	HTTPClient      *http.Client
	Authorizer      httpapi.Authorizer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithAdmissionStore injects a pre-built admission store instead of opening
// Config.AdmissionStore. The server closes it on shutdown.
func WithAdmissionStore(s storage.AdmissionStore) Option {
	return func(o *options) { o.AdmissionStore = s }
}

// WithCheckpointStore injects a pre-built shared checkpoint tier instead of
// opening Config.CheckpointStore. The server closes it on shutdown.
func WithCheckpointStore(s storage.CheckpointStore) Option {
	return func(o *options) { o.CheckpointStore = s }
}

// WithLimitProvider replaces the static/file limit provider.
func WithLimitProvider(p limits.Provider) Option {
	return func(o *options) { o.Limits = p }
}

// WithHTTPClient sets the client used to reach origins.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.HTTPClient = c }
}

// WithAuthorizer replaces the header-trusting tenant authorizer.
func WithAuthorizer(a httpapi.Authorizer) Option {
	return func(o *options) { o.Authorizer = a }
}

// NewServer constructs a gateway according to cfg.
// Example:
//
//	cfg := feedgate.Config{Origins: []string{"http://origin-0:3000"}}
//	srv, err := feedgate.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (_ *Server, err error) {
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
	clk := clock.Or(o.Clock)
	s := &Server{cfg: cfg, logger: svcfields.WithSubsystem(logger, "server.lifecycle"), clock: clk, readyCh: make(chan struct{})}
	defer func() {
		if err != nil {
			s.closeResources(context.Background())
		}
	}()

	ctx := context.Background()
	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	storageLogger := svcfields.WithSubsystem(logger, "storage")
	admissionStore := o.AdmissionStore
	if admissionStore == nil {
		if admissionStore, err = openAdmissionStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("admission store: %w", err)
		}
	}
	s.admissionStore = wrapAdmissionStore(admissionStore, storageLogger)
	checkpointStore := o.CheckpointStore
	var creds CredentialSummary
	if checkpointStore == nil {
		if checkpointStore, creds, err = openCheckpointStore(ctx, cfg, clk); err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
	}
	s.checkpointStore = wrapCheckpointStore(checkpointStore, cfg, clk, storageLogger)

	fallback := limits.Policy{Concurrency: cfg.LiveLimit}
	provider := o.Limits
	if provider == nil {
		if cfg.LimitsFile != "" {
			s.fileLimits, err = limits.NewFileProvider(cfg.LimitsFile, fallback, svcfields.WithSubsystem(logger, "limits"))
			if err != nil {
				return nil, err
			}
			provider = s.fileLimits
		} else {
			provider = limits.Static(fallback)
		}
	}
	s.enforcer = limits.NewEnforcer(clk)

	s.checkpoints = checkpoint.New(checkpoint.Config{
		Fresh:     cfg.CheckpointFresh,
		Stale:     cfg.CheckpointStale,
		LocalSize: cfg.CheckpointLocalSize,
		Store:     s.checkpointStore,
		Clock:     clk,
		Logger:    svcfields.WithSubsystem(logger, "checkpoint"),
	})
	policy, err := admission.ParseFailurePolicy(cfg.AdmissionFailurePolicy)
	if err != nil {
		return nil, err
	}
	controller, err := admission.New(admission.Config{
		Store:  s.admissionStore,
		Clock:  clk,
		Logger: svcfields.WithSubsystem(logger, "admission"),
		Policy: policy,
	})
	if err != nil {
		return nil, err
	}
	router, err := routing.New(cfg.Origins, cfg.RouterSeed)
	if err != nil {
		return nil, err
	}
	builder, err := shape.NewBuilder(shape.Config{
		Tables:       cfg.Tables,
		Columns:      cfg.DefaultColumns,
		Reserved:     cfg.ReservedColumns,
		TenantColumn: cfg.TenantColumn,
		EntityColumn: cfg.EntityColumn,
		TagsColumn:   cfg.TagsColumn,
		TimeColumn:   cfg.TimeColumn,
	})
	if err != nil {
		return nil, err
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Transport: longpoll.NewTransport(nil)}
	}
	executor := longpoll.New(longpoll.Config{
		Client:      client,
		Checkpoints: s.checkpoints,
		Timeout:     cfg.UpstreamTimeout,
		MaxBody:     cfg.UpstreamMaxBody,
		Logger:      svcfields.WithSubsystem(logger, "longpoll"),
	})

	s.handler, err = httpapi.New(httpapi.Config{
		Logger:      logger,
		Clock:       clk,
		Builder:     builder,
		Router:      router,
		Window:      window.Resolver{MaxLookback: cfg.MaxLookback},
		Checkpoints: s.checkpoints,
		Admission:   controller,
		Limits:      provider,
		Enforcer:    s.enforcer,
		Executor:    executor,
		Authorizer:  o.Authorizer,
		LiveWindow:  cfg.LiveWindow,
		ReadyChecks: s.readyChecks(),
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s.baseCancel = baseCancel
	h2 := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(otelhttp.NewHandler(mux, "feedgate.http"), h2),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	if err := http2.ConfigureServer(s.httpSrv, h2); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	s.logger.Info("server.configured",
		"origins", len(cfg.Origins),
		"admission_store", redactURL(cfg.AdmissionStore),
		"checkpoint_store", redactURL(cfg.CheckpointStore),
		"failure_policy", policy.String(),
		"live_limit", cfg.LiveLimit,
		"max_lookback", cfg.MaxLookback,
	)
	if creds.Source != "" {
		s.logger.Info("server.checkpoint.credentials",
			"source", creds.Source,
			"access_key", creds.AccessKey,
			"has_secret", creds.HasSecret,
		)
	}
	return s, nil
}

func (s *Server) readyChecks() []httpapi.ReadyCheck {
	var checks []httpapi.ReadyCheck
	if p, ok := s.admissionStore.(storage.Pinger); ok {
		checks = append(checks, httpapi.ReadyCheck{Name: "admission_store", Check: p.Ping})
	}
	if p, ok := s.checkpointStore.(storage.Pinger); ok {
		checks = append(checks, httpapi.ReadyCheck{Name: "checkpoint_store", Check: p.Ping})
	}
	return checks
}

// Handler returns the HTTP handler so the gateway can be mounted inside an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.startBackground()
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

// Shutdown stops accepting requests, lets in-flight polls finish for up to
// DrainTimeout, then cancels the rest and closes stores and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.handler.SetDraining(true)
	s.logger.Info("server.drain.begin", "timeout", s.cfg.DrainTimeout)
	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	err := s.httpSrv.Shutdown(drainCtx)
	cancel()
	if err != nil {
		s.logger.Warn("server.drain.timeout", "error", err)
		s.baseCancel()
		if ctx.Err() != nil {
			err = s.httpSrv.Close()
		} else {
			err = s.httpSrv.Shutdown(ctx)
		}
	}
	s.baseCancel()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.closeResources(ctx)
		return fmt.Errorf("http shutdown: %w", err)
	}
	if closeErr := s.closeResources(ctx); closeErr != nil {
		return closeErr
	}
	s.logger.Info("server.shutdown.complete")
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) closeResources(ctx context.Context) error {
	s.stopBackground()
	var errs []error
	if s.fileLimits != nil {
		errs = append(errs, s.fileLimits.Close())
	}
	if s.admissionStore != nil {
		errs = append(errs, s.admissionStore.Close())
	}
	if s.checkpointStore != nil {
		errs = append(errs, s.checkpointStore.Close())
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = append(errs, s.telemetry.Shutdown(telemetryCtx))
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener, or nil when metrics are off.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.addr("metrics")
}

// startBackground runs the checkpoint sweeper, the limiter pruner and the
// limits file watcher until Shutdown.
func (s *Server) startBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bgCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	if s.fileLimits != nil {
		if err := s.fileLimits.Watch(ctx); err != nil {
			s.logger.Warn("limits.watch.failed", "path", s.cfg.LimitsFile, "error", err)
		}
	}
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.SweeperInterval):
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Server) stopBackground() {
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.bgDone.Wait()
	}
}

func (s *Server) sweep(ctx context.Context) {
	local := s.checkpoints.Purge()
	limiters := s.enforcer.Prune(s.cfg.LimiterIdle)
	var shared int64
	if sw, ok := s.checkpointStore.(storage.Sweeper); ok {
		n, err := sw.SweepExpired(ctx, s.clock.Now())
		if err != nil && !errors.Is(err, storage.ErrNotImplemented) {
			s.logger.Warn("sweeper.iteration.failed", "error", err)
		}
		shared = n
	}
	if local > 0 || limiters > 0 || shared > 0 {
		s.logger.Debug("sweeper.iteration.complete", "local_checkpoints", local, "shared_checkpoints", shared, "limiters", limiters)
	}
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

// StartServer starts a gateway in a background goroutine and waits until it
// is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	return srv, stop, nil
}
