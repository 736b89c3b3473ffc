package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/predictd"
	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/predictd/internal/pidfile"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PREDICTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "predictd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("predictd.cli.failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, which decides whether failures are logged or printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(token string) *pflag.Flag {
		switch {
		case strings.HasPrefix(token, "--"):
			name := strings.TrimPrefix(token, "--")
			if idx := strings.IndexByte(name, '='); idx >= 0 {
				name = name[:idx]
			}
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		case len(token) == 2 && token[0] == '-':
			if f := root.Flags().ShorthandLookup(token[1:]); f != nil {
				return f
			}
			return root.PersistentFlags().ShorthandLookup(token[1:])
		}
		return nil
	}
	for i := 0; i < len(args); i++ {
		token := args[i]
		if token == "--" {
			return true
		}
		if strings.HasPrefix(token, "-") {
			flag := lookup(token)
			if flag != nil && flag.NoOptDefVal == "" && !strings.Contains(token, "=") {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, token)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if sub.Name() == token || sub.HasAlias(token) {
			return true
		}
	}
	return token == "help" || token == "completion"
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := predictd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg predictd.Config
	cmd := &cobra.Command{
		Use:           "predictd",
		Short:         "predictd classifies players as beginners or experienced over a framed JSON protocol",
		SilenceErrors: true,
		Example: `
  # In-memory stats seeded from a YAML file
  predictd --store mem:///etc/predictd/players.yaml --model model.yaml

  # SQLite stats database, reject surplus clients instead of pausing accept
  predictd --store sqlite:///var/lib/predictd/stats.db --max-clients 32 --reject-on-max-clients

  # PostgreSQL stats database with Prometheus metrics
  PREDICTD_STORE=postgres://stats@db/tm?sslmode=disable predictd --metrics-listen :9343
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(cmd, &cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			} else {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"predictd.lifecycle.init",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("predictd.cli.config_loaded", "path", configFile)
			}

			if pidPath := strings.TrimSpace(viper.GetString("pid-file")); pidPath != "" {
				expanded, err := expandPath(pidPath)
				if err != nil {
					return fmt.Errorf("expand pid file %q: %w", pidPath, err)
				}
				pf, err := pidfile.Acquire(ctx, expanded)
				if err != nil {
					return err
				}
				defer func() {
					if err := pf.Release(); err != nil {
						cliLogger.Warn("predictd.cli.pidfile_release_failed", "path", pf.Path(), "error", err)
					}
				}()
				cliLogger.Info("predictd.cli.pidfile", "path", pf.Path())
			}

			server, err := predictd.NewServer(cfg, predictd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("predictd.cli.shutdown_failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, predictd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	defaultPID := ""
	if path, err := predictd.DefaultPIDPath(); err == nil {
		defaultPID = path
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.predictd/config.yaml)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen-address", predictd.DefaultListenAddress, "interface to bind")
	flags.Int("listen-port", predictd.DefaultListenPort, "TCP port to bind (0 picks an ephemeral port)")
	flags.Int("backlog", predictd.DefaultBacklog, "listen queue length requested from the kernel")
	flags.Int("max-clients", predictd.DefaultMaxClients, "maximum concurrently registered clients (negative disables the limit)")
	flags.Bool("reject-on-max-clients", false, "close surplus connections instead of pausing accept while full")
	flags.Int("max-clients-retry-interval", int(predictd.DefaultMaxClientsRetryInterval/time.Millisecond), "milliseconds between occupancy checks while full")
	flags.String("data-block-size", humanizeBytes(predictd.DefaultDataBlockSize), "maximum bytes per socket read while accumulating a frame (e.g. 4KiB)")
	flags.Bool("legacy-errno", false, "send errno 2 for every error kind")
	flags.String("store", predictd.DefaultStore, "stats backend URL (mem://[/seed.yaml], sqlite:///path, postgres://...)")
	flags.String("model", predictd.DefaultModelPath, "model file (YAML)")
	flags.String("features", predictd.DefaultFeatures, "comma separated model inputs when the model declares none")
	flags.Bool("model-watch", true, "reload the model when its file changes")
	flags.String("pid-file", defaultPID, "PID file guarding against a second instance (empty disables)")
	flags.String("metrics-listen", predictd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard-enabled", false, "block hosts that keep aborting exchanges (off by default)")
	flags.Int("connguard-failure-threshold", predictd.DefaultConnguardFailureThreshold, "aborted exchanges from one host before it is blocked")
	flags.Duration("connguard-failure-window", predictd.DefaultConnguardFailureWindow, "window for counting aborted exchanges")
	flags.Duration("connguard-block-duration", predictd.DefaultConnguardBlockDuration, "how long a host stays blocked")
	flags.Duration("connguard-probe-timeout", 0, "wait this long for the first byte of each connection (0 disables probing)")
	flags.Duration("shutdown-timeout", predictd.DefaultShutdownTimeout, "graceful shutdown bound")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PREDICTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range configKeys {
		bindFlag(name)
	}

	cmd.AddCommand(newClassifyCommand(loggingutil.WithSubsystem(baseLogger, "cli.classify")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var configKeys = []string{
	"config", "log-level",
	"listen-address", "listen-port", "backlog",
	"max-clients", "reject-on-max-clients", "max-clients-retry-interval", "data-block-size", "legacy-errno",
	"store", "model", "features", "model-watch", "pid-file",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
	"shutdown-timeout",
}

func bindConfig(cmd *cobra.Command, cfg *predictd.Config) error {
	explicit := func(name string) bool {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			return true
		}
		if viper.InConfig(name) {
			return true
		}
		_, ok := os.LookupEnv("PREDICTD_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
		return ok
	}

	cfg.ListenAddress = viper.GetString("listen-address")
	cfg.ListenPort = viper.GetInt("listen-port")
	cfg.ListenPortSet = explicit("listen-port")
	cfg.Backlog = viper.GetInt("backlog")
	cfg.MaxClients = viper.GetInt("max-clients")
	cfg.RejectOnMaxClients = viper.GetBool("reject-on-max-clients")
	retryMS := viper.GetInt("max-clients-retry-interval")
	if retryMS < 0 {
		return fmt.Errorf("max-clients-retry-interval must be >= 0")
	}
	cfg.MaxClientsRetryInterval = time.Duration(retryMS) * time.Millisecond
	if raw := strings.TrimSpace(viper.GetString("data-block-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse data-block-size: %w", err)
		}
		if size == 0 {
			return fmt.Errorf("data-block-size must be positive")
		}
		cfg.DataBlockSize = int64(size)
	}
	cfg.LegacyErrno = viper.GetBool("legacy-errno")
	cfg.Store = viper.GetString("store")
	cfg.ModelPath = viper.GetString("model")
	cfg.Features = viper.GetString("features")
	cfg.ModelWatch = viper.GetBool("model-watch")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = predictd.DefaultShutdownTimeout
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
