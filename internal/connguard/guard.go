// Package connguard blocks remote hosts that keep opening connections and
// abandoning them before a complete request frame arrives.
package connguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/loggingutil"
)

// Failure reasons reported to the guard.
const (
	ReasonZeroConnect = "zero_connect"
	ReasonInterrupted = "interrupted"
	ReasonMalformed   = "malformed"
)

// Config controls connection-level protection in front of the accept loop.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow is the period over which suspicious events are counted.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout, when positive, makes Screen wait up to this long for the
	// first byte. Silent connections fail with ErrSilent.
	ProbeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores per-host failure state and can wrap a listener.
type Guard struct {
	cfg     Config
	logger  pslog.Logger
	mu      sync.Mutex
	now     func() time.Time
	hosts   map[string]*hostState
	blocked metric.Int64Counter
}

// New constructs a guard. Zero durations fall back to 1s window and 5m block.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	logger = loggingutil.WithSubsystem(logger, "control.connguard")
	g := &Guard{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
	var err error
	g.blocked, err = otel.Meter("pkt.systems/predictd/connguard").Int64Counter(
		"predictd.connguard.blocked",
		metric.WithDescription("Connections refused or hosts blocked by the connection guard"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "predictd.connguard.blocked", "error", err)
	}
	return g
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// WrapListener returns a listener that drops connections from blocked hosts.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// Report records a suspicious event for remote and returns whether the host
// is now blocked.
func (g *Guard) Report(remote, reason string) bool {
	if !g.Enabled() || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("predictd.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.record("engaged")
	g.logger.Warn("predictd.connguard.engaged",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("predictd.connguard.disengaged", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

func (g *Guard) record(outcome string) {
	if g.blocked == nil {
		return
	}
	g.blocked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("predictd.connguard.outcome", outcome),
	))
}

// hostOf strips the port so port rotation does not evade the guard.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept returns the next connection that is not from a blocked host. It never
// reads from the connection; first-byte probing happens in Screen, on the
// connection's own goroutine.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.record("refused")
		l.guard.logger.Debug("predictd.connguard.refused", "remote", remote)
		_ = conn.Close()
	}
}

// ErrSilent is returned by Screen when no byte arrives within the probe
// timeout or the peer closes first.
var ErrSilent = errors.New("connguard: no data before probe timeout")

// Screen waits up to the probe timeout for the first byte of conn. The byte is
// replayed by the returned connection. Screen is a no-op when the guard is
// disabled or probing is off. The caller decides whether to Report a failure.
func (g *Guard) Screen(conn net.Conn) (net.Conn, error) {
	if !g.Enabled() || g.cfg.ProbeTimeout <= 0 || conn == nil {
		return conn, nil
	}
	if err := conn.SetReadDeadline(g.now().Add(g.cfg.ProbeTimeout)); err != nil {
		g.logger.Warn("predictd.connguard.deadline", "remote", remoteAddress(conn), "error", err)
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, fmt.Errorf("%w: %w", ErrSilent, err)
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

// prefixedConn replays bytes consumed by the probe before reading from Conn.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
