package predictd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/predictd/internal/admission"
	"pkt.systems/predictd/internal/stats"
	"pkt.systems/predictd/internal/wire"
)

const (
	// DefaultListenAddress is the interface the server binds to.
	DefaultListenAddress = "127.0.0.1"
	// DefaultListenPort is the TCP port the server binds to.
	DefaultListenPort = 9342
	// DefaultBacklog is the listen queue length requested from the kernel.
	DefaultBacklog = 128
	// DefaultMaxClients bounds concurrently registered connections.
	DefaultMaxClients = 64
	// DefaultMaxClientsRetryInterval is how long the accept loop sleeps between
	// occupancy checks while full under the wait policy.
	DefaultMaxClientsRetryInterval = admission.DefaultRetryInterval
	// DefaultDataBlockSize bounds each socket read while accumulating a frame.
	DefaultDataBlockSize = wire.DefaultChunkSize
	// DefaultStore points the server at the in-memory stats backend.
	DefaultStore = "mem://"
	// DefaultModelPath is the model file loaded when none is configured.
	DefaultModelPath = "model.yaml"
	// DefaultFeatures is the model input selection.
	DefaultFeatures = stats.DefaultFeatures
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is empty: metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultConnguardFailureThreshold is the number of aborted exchanges from
	// one host before it is blocked.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for aborted exchanges.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
)

// Config describes a predictd server. NewServer validates a copy; the
// running server never observes later changes.
type Config struct {
	// ListenAddress is the bind interface (for example "127.0.0.1" or "::").
	ListenAddress string
	// ListenPort is the TCP port; 0 picks an ephemeral port.
	ListenPort int
	// ListenPortSet reports whether ListenPort was explicitly set, so 0 is
	// honoured instead of replaced by DefaultListenPort.
	ListenPortSet bool
	// Backlog is the kernel listen queue length.
	Backlog int
	// MaxClients caps registered connections. Negative disables the cap.
	MaxClients int
	// RejectOnMaxClients closes surplus connections instead of pausing accept.
	RejectOnMaxClients bool
	// MaxClientsRetryInterval is the sleep between occupancy checks while full.
	MaxClientsRetryInterval time.Duration
	// DataBlockSize bounds each socket read while accumulating a frame.
	DataBlockSize int64
	// LegacyErrno sends errno 2 for every error kind.
	LegacyErrno bool

	// Store is the stats backend URL (mem://, sqlite://, postgres://).
	Store string
	// ModelPath is the YAML model file.
	ModelPath string
	// Features is the comma separated model input selection.
	Features string
	// ModelWatch reloads the model when its file changes.
	ModelWatch bool

	// MetricsListen is the Prometheus scrape address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof debug address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint is the trace collector; empty disables trace export.
	OTLPEndpoint string

	// ConnguardEnabled blocks hosts that keep aborting exchanges. It is off by
	// default: clients sharing a host or NAT would otherwise be refused
	// because of one peer's broken connections.
	ConnguardEnabled bool
	// ConnguardFailureThreshold is the aborted exchange count that blocks a host.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window for counting aborts.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration is how long a host stays blocked.
	ConnguardBlockDuration time.Duration
	// ConnguardProbeTimeout, when positive, waits this long for the first byte
	// of each connection before admitting it.
	ConnguardProbeTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects invalid settings.
func (c *Config) Validate() error {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.ListenPort == 0 && !c.ListenPortSet {
		c.ListenPort = DefaultListenPort
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.ListenPort)
	}
	if c.Backlog < 0 {
		return fmt.Errorf("config: backlog must be >= 0")
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.MaxClientsRetryInterval < 0 {
		return fmt.Errorf("config: max clients retry interval must be >= 0")
	}
	if c.MaxClientsRetryInterval == 0 {
		c.MaxClientsRetryInterval = DefaultMaxClientsRetryInterval
	}
	if c.DataBlockSize < 0 {
		return fmt.Errorf("config: data block size must be >= 0")
	}
	if c.DataBlockSize == 0 {
		c.DataBlockSize = DefaultDataBlockSize
	}
	if c.DataBlockSize > 1<<30 {
		return fmt.Errorf("config: data block size %d exceeds 1GiB", c.DataBlockSize)
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.ModelPath = strings.TrimSpace(c.ModelPath)
	if c.ModelPath == "" {
		c.ModelPath = DefaultModelPath
	}
	if strings.TrimSpace(c.Features) == "" {
		c.Features = DefaultFeatures
	}
	if _, err := stats.ParseFeatures(c.Features); err != nil {
		return fmt.Errorf("config: features: %w", err)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow < 0 {
		return fmt.Errorf("config: connguard failure window must be >= 0")
	}
	if c.ConnguardFailureWindow == 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration < 0 {
		return fmt.Errorf("config: connguard block duration must be >= 0")
	}
	if c.ConnguardBlockDuration == 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		return fmt.Errorf("config: connguard probe timeout must be >= 0")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.predictd). PREDICTD_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PREDICTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".predictd"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultPIDPath returns the default PID file location.
func DefaultPIDPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "predictd.pid"), nil
}
