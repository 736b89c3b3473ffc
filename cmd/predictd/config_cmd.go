package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/predictd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage predictd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.predictd/config.yaml"
	if path, err := predictd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default predictd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := predictd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	ListenAddress             string `yaml:"listen-address"`
	ListenPort                int    `yaml:"listen-port"`
	Backlog                   int    `yaml:"backlog"`
	MaxClients                int    `yaml:"max-clients"`
	RejectOnMaxClients        bool   `yaml:"reject-on-max-clients"`
	MaxClientsRetryInterval   int    `yaml:"max-clients-retry-interval"`
	DataBlockSize             string `yaml:"data-block-size"`
	LegacyErrno               bool   `yaml:"legacy-errno"`
	Store                     string `yaml:"store"`
	Model                     string `yaml:"model"`
	Features                  string `yaml:"features"`
	ModelWatch                bool   `yaml:"model-watch"`
	PIDFile                   string `yaml:"pid-file"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string `yaml:"connguard-probe-timeout"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	pidPath := ""
	if path, err := predictd.DefaultPIDPath(); err == nil {
		pidPath = path
	}
	defaults := configDefaults{
		ListenAddress:             predictd.DefaultListenAddress,
		ListenPort:                predictd.DefaultListenPort,
		Backlog:                   predictd.DefaultBacklog,
		MaxClients:                predictd.DefaultMaxClients,
		MaxClientsRetryInterval:   int(predictd.DefaultMaxClientsRetryInterval / time.Millisecond),
		DataBlockSize:             humanizeBytes(predictd.DefaultDataBlockSize),
		Store:                     predictd.DefaultStore,
		Model:                     predictd.DefaultModelPath,
		Features:                  predictd.DefaultFeatures,
		ModelWatch:                true,
		PIDFile:                   pidPath,
		MetricsListen:             predictd.DefaultMetricsListen,
		ConnguardFailureThreshold: predictd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    predictd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    predictd.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     "0s",
		ShutdownTimeout:           predictd.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
