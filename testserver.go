package predictd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/predictd/client"
	"pkt.systems/predictd/internal/predictor"
	"pkt.systems/predictd/internal/stats"
)

// TestModelYAML is a small model over wins and score used by test servers
// that are not given a model. High wins and score lean experienced.
const TestModelYAML = `
name: testserver
features: [wins, score]
scaling:
  mean: [10, 1000]
  scale: [10, 1000]
layers:
  - weights: [[1, 1], [-1, -1]]
    bias: [0, 0]
    activation: softmax
`

// TestServer wraps a running predictd Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	Addr     net.Addr
	Client   *client.Client
	Config   Config
	Store    *stats.MemoryStore
	stop     func(context.Context) error
	stopOnce sync.Once
	stopErr  error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured pslog logger that writes through
// testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context. It is safe to call
// more than once.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	ts.stopOnce.Do(func() {
		ts.stopErr = ts.stop(ctx)
	})
	return ts.stopErr
}

// NewClient returns an additional client for the server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	return client.New(ts.Addr.String(), opts...)
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	logger       pslog.Logger
	testTB       testing.TB
	testLevel    pslog.Level
	classifier   predictor.Classifier
	store        *stats.MemoryStore
	model        *predictor.Model
	startTimeout time.Duration
}

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestClassifier serves predictions from c instead of a model.
func WithTestClassifier(c predictor.Classifier) TestServerOption {
	return func(o *testServerOptions) {
		o.classifier = c
	}
}

// WithTestStore seeds the server with an in-memory stats store.
func WithTestStore(store *stats.MemoryStore) TestServerOption {
	return func(o *testServerOptions) {
		o.store = store
	}
}

// WithTestModel replaces the default test model.
func WithTestModel(m *predictor.Model) TestServerOption {
	return func(o *testServerOptions) {
		o.model = m
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLevel = level
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a server on an ephemeral loopback port.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			ListenAddress: "127.0.0.1",
			ListenPort:    0,
			ListenPortSet: true,
		},
		startTimeout: 5 * time.Second,
		testLevel:    pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil && options.testTB != nil {
		logger = NewTestingLogger(options.testTB, options.testLevel)
	}

	startOpts := []Option{WithLogger(logger)}
	store := options.store
	if options.classifier != nil {
		startOpts = append(startOpts, WithClassifier(options.classifier))
	} else {
		if store == nil {
			store = stats.NewMemoryStore()
		}
		model := options.model
		if model == nil {
			var err error
			model, err = predictor.ParseModel([]byte(TestModelYAML))
			if err != nil {
				return nil, fmt.Errorf("test server: default model: %w", err)
			}
			if strings.TrimSpace(cfg.Features) == "" {
				cfg.Features = "wins,score"
			}
		}
		startOpts = append(startOpts, WithStore(store), WithModel(model))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, err := NewServer(cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(startCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, fmt.Errorf("test server: start: %w", err)
	}
	stop := func(stopCtx context.Context) error {
		if stopCtx == nil {
			stopCtx = context.Background()
		}
		shutdownErr := srv.Shutdown(stopCtx)
		if startErr := <-errCh; startErr != nil && shutdownErr == nil {
			return startErr
		}
		return shutdownErr
	}

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	cli, err := client.New(addr.String(), client.WithLogger(logger))
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &TestServer{
		Server: srv,
		Addr:   addr,
		Client: cli,
		Config: srv.cfg,
		Store:  store,
		stop:   stop,
	}, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	opts = append([]TestServerOption{WithTestLoggerFromTB(t, pslog.DebugLevel)}, opts...)
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
