package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/predictd/internal/wire"
)

const (
	// DefaultAddress is where a locally started predictd listens.
	DefaultAddress = "127.0.0.1:9342"
	// DefaultTimeout bounds one Predict exchange when ctx has no deadline.
	DefaultTimeout = 30 * time.Second
)

// Server error codes carried in Response.Errno.
const (
	ErrnoOK             = int(wire.ErrnoOK)
	ErrnoUnknown        = int(wire.ErrnoUnknown)
	ErrnoInvalidRequest = int(wire.ErrnoInvalidRequest)
	ErrnoInvalidBody    = int(wire.ErrnoInvalidBody)
	ErrnoDatabase       = int(wire.ErrnoDatabase)
)

// ErrConnectionInterrupted is returned when the server closes the connection
// before a complete response frame arrives.
var ErrConnectionInterrupted = wire.ErrConnectionInterrupted

// Error is a non-zero errno answer from the server.
type Error struct {
	Errno   int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("predictd: errno %d: %s", e.Errno, e.Message)
}

// Prediction is the result for one login. Error is set when Success is false.
type Prediction struct {
	Login       string  `json:"login"`
	Success     bool    `json:"success"`
	Experienced float64 `json:"experienced,omitempty"`
	Beginner    float64 `json:"beginner,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Response is a decoded server answer.
type Response struct {
	Errno       int          `json:"errno"`
	Error       string       `json:"error,omitempty"`
	Predictions []Prediction `json:"predictions"`
}

// Client sends predict requests to a predictd server. Each call opens its own
// connection because the server serves one request per connection.
type Client struct {
	addr      string
	dialer    net.Dialer
	timeout   time.Duration
	chunkSize int
	logger    pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTimeout bounds each exchange when the caller's context has no deadline.
// Zero or negative disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.Timeout = d
	}
}

// WithChunkSize sets the read size used while accumulating a response.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger supplies a logger for exchange diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New constructs a client for addr (host:port). A bare host gets the default
// port.
func New(addr string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil, fmt.Errorf("address required")
	}
	trimmed = strings.TrimPrefix(trimmed, "tcp://")
	if _, _, err := net.SplitHostPort(trimmed); err != nil {
		_, port, _ := net.SplitHostPort(DefaultAddress)
		trimmed = net.JoinHostPort(strings.Trim(trimmed, "[]"), port)
	}
	c := &Client{
		addr:      trimmed,
		timeout:   DefaultTimeout,
		chunkSize: wire.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = loggingutil.WithSubsystem(c.logger, "client.predict")
	return c, nil
}

// Addr returns the server address the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Predict asks the server to classify logins. The returned Response is always
// populated when the server answered; a non-zero errno is also returned as
// *Error.
func (c *Client) Predict(ctx context.Context, logins ...string) (*Response, error) {
	if logins == nil {
		logins = []string{}
	}
	return c.Do(ctx, wire.Request{Request: wire.RequestPredict, Logins: logins})
}

// Do sends an arbitrary request body and decodes the answer. It is exported
// for tooling that exercises the server's validation.
func (c *Client) Do(ctx context.Context, body any) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteMessage(conn, body); err != nil {
		return nil, c.exchangeErr(ctx, "send", err)
	}
	var resp Response
	if err := wire.Decode(conn, c.chunkSize, &resp); err != nil {
		return nil, c.exchangeErr(ctx, "receive", err)
	}
	if resp.Predictions == nil && resp.Errno == ErrnoOK {
		resp.Predictions = []Prediction{}
	}
	c.logger.Debug("client.predict.done",
		"addr", c.addr,
		"errno", resp.Errno,
		"predictions", len(resp.Predictions),
		"elapsed", time.Since(start))
	if resp.Errno != ErrnoOK {
		return &resp, &Error{Errno: resp.Errno, Message: resp.Error}
	}
	return &resp, nil
}

func (c *Client) exchangeErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Connection deadlines only come from ctx.
		<-ctx.Done()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, errors.Join(ctxErr, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
