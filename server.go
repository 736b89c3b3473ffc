package predictd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/admission"
	"pkt.systems/predictd/internal/clock"
	"pkt.systems/predictd/internal/connguard"
	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/predictd/internal/predictor"
	"pkt.systems/predictd/internal/registry"
	"pkt.systems/predictd/internal/session"
	"pkt.systems/predictd/internal/stats"
)

// ErrServerClosed is returned by Start after Shutdown has been called.
var ErrServerClosed = errors.New("predictd: server closed")

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Server owns the listener, the client registry, the admission controller
// and the predictor gateway.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	registry   *registry.Registry
	admission  *admission.Controller
	guard      *connguard.Guard
	handler    *session.Handler
	gateway    *predictor.Gateway
	classifier *predictor.ModelClassifier
	watcher    *predictor.Watcher
	telemetry  *telemetryBundle

	mu           sync.Mutex
	listener     net.Listener
	started      bool
	shutdown     bool
	lastServeErr error

	loopCtx       context.Context
	loopCancel    context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	handlers      sync.WaitGroup
	loopDone      chan struct{}
	readyOnce     sync.Once
	readyCh       chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	Classifier  predictor.Classifier
	Store       stats.Store
	Model       *predictor.Model
	configHooks []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithClassifier replaces the model classifier entirely. Store and model
// settings are ignored and hot reload is disabled.
func WithClassifier(c predictor.Classifier) Option {
	return func(o *options) {
		o.Classifier = c
	}
}

// WithStore injects a pre-built stats store (useful for tests). The server
// closes it on shutdown.
func WithStore(s stats.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithModel injects a parsed model instead of loading Config.ModelPath.
// Hot reload is disabled.
func WithModel(m *predictor.Model) Option {
	return func(o *options) {
		o.Model = m
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.OTLPEndpoint = endpoint
		})
	}
}

// NewServer constructs a predictd server according to cfg.
// Example:
//
//	cfg := predictd.Config{Store: "sqlite:///var/lib/predictd/stats.db", ModelPath: "model.yaml"}
//	srv, err := predictd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfgCopy)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy

	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx := context.Background()

	telemetry, err := setupTelemetry(ctx, telemetrySettings{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}

	srv := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server.accept"),
		clock:     clk,
		registry:  registry.New(),
		telemetry: telemetry,
		loopDone:  make(chan struct{}),
		readyCh:   make(chan struct{}),
	}

	classifier := o.Classifier
	if classifier == nil {
		mc, err := buildClassifier(ctx, cfg, o, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		srv.classifier = mc
		classifier = mc
	}
	srv.gateway = predictor.NewGateway(classifier, logger)

	srv.guard = connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
		ProbeTimeout:     cfg.ConnguardProbeTimeout,
	}, logger)
	srv.admission = admission.NewController(admission.Config{
		MaxClients:         cfg.MaxClients,
		RejectOnMaxClients: cfg.RejectOnMaxClients,
		RetryInterval:      cfg.MaxClientsRetryInterval,
		Clock:              clk,
		Logger:             logger,
	}, srv.registry)
	srv.handler = session.NewHandler(session.Config{
		ChunkSize:   int(cfg.DataBlockSize),
		LegacyErrno: cfg.LegacyErrno,
		Guard:       srv.guard,
		Logger:      logger,
	}, srv.gateway, srv.registry)

	srv.loopCtx, srv.loopCancel = context.WithCancel(context.Background())
	// Handlers outlive the accept loop: stopping the loop closes sockets
	// instead of cancelling predictions in flight.
	srv.handlerCtx, srv.handlerCancel = context.WithCancel(context.Background())
	return srv, nil
}

func buildClassifier(ctx context.Context, cfg Config, o options, logger pslog.Logger) (*predictor.ModelClassifier, error) {
	features, err := stats.ParseFeatures(cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("config: features: %w", err)
	}
	model := o.Model
	if model == nil {
		model, err = predictor.LoadModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
	}
	store := o.Store
	if store == nil {
		store, err = stats.Open(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
	}
	mc, err := predictor.NewClassifier(store, model, features)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return mc, nil
}

// Start binds the listener and runs the accept loop until Shutdown or an
// unrecoverable accept error. Registered clients are closed before it
// returns.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("predictd: server already started")
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.loopDone)

	ln, backlogApplied, err := listenTCP(s.loopCtx, s.cfg.ListenAddress, s.cfg.ListenPort, s.cfg.Backlog)
	if err != nil {
		if s.loopCtx.Err() != nil {
			return ErrServerClosed
		}
		err = fmt.Errorf("listen (%s): %w", s.cfg.Address(), err)
		s.recordServeErr(err)
		return err
	}
	ln = s.guard.WrapListener(ln)
	s.mu.Lock()
	s.listener = ln
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		_ = ln.Close()
		return ErrServerClosed
	}

	s.logger.Info("predictd.server.listening",
		"address", ln.Addr().String(),
		"backlog", s.cfg.Backlog,
		"backlog_applied", backlogApplied,
		"max_clients", s.admission.Limit(),
		"policy", s.admission.Policy().String(),
		"connguard", s.guard.Enabled(),
	)
	if !backlogApplied {
		s.logger.Debug("predictd.server.backlog_default", "requested", s.cfg.Backlog)
	}
	s.startWatcher()
	s.signalReady()

	serveErr := s.serve(ln)
	_ = ln.Close()
	s.closeClients()
	s.recordServeErr(serveErr)
	if serveErr != nil {
		s.logger.Error("predictd.server.stopped", "error", serveErr)
		return serveErr
	}
	s.logger.Info("predictd.server.stopped")
	return nil
}

func (s *Server) serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		if err := s.admission.AwaitCapacity(s.loopCtx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.loopCtx.Err() != nil {
				return nil
			}
			if temporaryAcceptError(err) {
				if backoff == 0 {
					backoff = acceptBackoffMin
				} else {
					backoff *= 2
				}
				if backoff > acceptBackoffMax {
					backoff = acceptBackoffMax
				}
				s.logger.Warn("predictd.server.accept_retry", "error", err, "backoff", backoff)
				if err := s.clock.Sleep(s.loopCtx, backoff); err != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		decision := s.admission.Admit(s.loopCtx)
		if !decision.Admit {
			s.logger.Debug("predictd.server.connection_refused",
				"remote", conn.RemoteAddr().String(),
				"occupancy", decision.Occupancy,
				"reason", decision.Reason)
			_ = conn.Close()
			continue
		}
		client := s.registry.Add(conn)
		s.logger.Debug("predictd.server.accepted",
			"conn", client.TraceID,
			"client_id", client.ID,
			"remote", client.RemoteAddr,
			"occupancy", decision.Occupancy+1)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handler.Serve(s.handlerCtx, client)
		}()
	}
}

func (s *Server) closeClients() {
	closed, err := s.registry.CloseAll()
	if err != nil {
		s.logger.Warn("predictd.server.close_clients_failed", "closed", closed, "error", err)
		return
	}
	if closed > 0 {
		s.logger.Info("predictd.server.clients_closed", "closed", closed)
	}
}

func (s *Server) startWatcher() {
	if !s.cfg.ModelWatch || s.classifier == nil {
		return
	}
	w, err := predictor.WatchModel(s.loopCtx, s.cfg.ModelPath, s.gateway, s.classifier, s.logger)
	if err != nil {
		s.logger.Warn("predictd.server.model_watch_failed", "path", s.cfg.ModelPath, "error", err)
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

// Shutdown stops the accept loop, closes registered clients and waits for
// in-flight handlers until ctx expires. The predictor, its store and the
// telemetry exporters are closed last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	ln := s.listener
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	s.loopCancel()
	if ln != nil {
		_ = ln.Close()
	}

	var errs []error
	loopStopped := !started
	if started {
		select {
		case <-s.loopDone:
			loopStopped = true
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("accept loop: %w", ctx.Err()))
		}
	}
	if loopStopped {
		done := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("predictd.server.handlers_abandoned", "occupancy", s.registry.Occupancy())
			errs = append(errs, fmt.Errorf("handlers: %w", ctx.Err()))
		}
	}
	s.handlerCancel()

	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("model watcher: %w", err))
		}
	}
	if err := s.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("predictor close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close immediately shuts down the server using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound, the loop exits early or
// ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.loopDone:
		if err := s.LastServeError(); err != nil {
			return err
		}
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, or nil before Start binds.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the Prometheus listener address when metrics are on.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

// Occupancy reports the number of registered clients.
func (s *Server) Occupancy() int {
	return s.registry.Occupancy()
}

// Clients returns a snapshot of registered clients.
func (s *Server) Clients() []*registry.Client {
	return s.registry.Snapshot()
}

func (s *Server) recordServeErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that stopped the accept loop, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a goroutine and returns it with a stop
// function once the listener is bound. Cancelling ctx also stops it.
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
			if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) {
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
