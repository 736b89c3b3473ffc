package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/predictd"
	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/predictd/internal/stats"
	"pkt.systems/predictd/internal/version"
)

func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("PREDICTD_CONFIG_DIR", t.TempDir())
	return newRootCommand(loggingutil.NoopLogger())
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newTestRoot(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFixtures(t *testing.T) (modelPath, seedPath string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "model.yaml")
	if err := os.WriteFile(modelPath, []byte(predictd.TestModelYAML), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	seedPath = filepath.Join(dir, "players.yaml")
	seed := "players:\n  - login: alice\n    wins: 20\n    score: 2000\n  - login: bob\n    wins: 0\n    score: 0\n"
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return modelPath, seedPath
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newTestRoot(t)
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--max-clients=4"}, want: true},
		{name: "bool flag", args: []string{"--reject-on-max-clients"}, want: true},
		{name: "shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"classify", "alice"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "bool flag before subcommand", args: []string{"--legacy-errno", "config", "gen"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	root := newTestRoot(t)
	err := root.ParseFlags([]string{
		"--listen-port", "0",
		"--data-block-size", "8KiB",
		"--max-clients-retry-interval", "250",
		"--reject-on-max-clients",
		"--max-clients", "-1",
		"--legacy-errno",
		"--connguard-enabled",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg predictd.Config
	if err := bindConfig(root, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.ListenPort != 0 || !cfg.ListenPortSet {
		t.Fatalf("expected explicit port 0, got %d set=%v", cfg.ListenPort, cfg.ListenPortSet)
	}
	if cfg.DataBlockSize != 8192 {
		t.Fatalf("expected 8192 byte blocks, got %d", cfg.DataBlockSize)
	}
	if cfg.MaxClientsRetryInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry, got %v", cfg.MaxClientsRetryInterval)
	}
	if !cfg.RejectOnMaxClients || cfg.MaxClients != -1 || !cfg.LegacyErrno {
		t.Fatalf("unexpected admission config %+v", cfg)
	}
	if !cfg.ConnguardEnabled {
		t.Fatalf("expected connguard explicitly enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenPort != 0 {
		t.Fatalf("validate replaced explicit port 0 with %d", cfg.ListenPort)
	}
}

func TestBindConfigDefaults(t *testing.T) {
	root := newTestRoot(t)
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg predictd.Config
	if err := bindConfig(root, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.ListenPort != predictd.DefaultListenPort || cfg.ListenPortSet {
		t.Fatalf("unexpected port defaults %d set=%v", cfg.ListenPort, cfg.ListenPortSet)
	}
	if cfg.DataBlockSize != predictd.DefaultDataBlockSize {
		t.Fatalf("expected default block size, got %d", cfg.DataBlockSize)
	}
	if cfg.MaxClientsRetryInterval != predictd.DefaultMaxClientsRetryInterval {
		t.Fatalf("expected default retry interval, got %v", cfg.MaxClientsRetryInterval)
	}
	if !cfg.ModelWatch {
		t.Fatalf("expected model watch on by default")
	}
	if cfg.ConnguardEnabled {
		t.Fatalf("expected connguard off by default")
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	root := newTestRoot(t)
	t.Setenv("PREDICTD_MAX_CLIENTS", "7")
	t.Setenv("PREDICTD_STORE", "sqlite:///tmp/stats.db")
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg predictd.Config
	if err := bindConfig(root, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.MaxClients != 7 || cfg.Store != "sqlite:///tmp/stats.db" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestBindConfigRejectsBadBlockSize(t *testing.T) {
	root := newTestRoot(t)
	if err := root.ParseFlags([]string{"--data-block-size", "lots"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg predictd.Config
	if err := bindConfig(root, &cfg); err == nil {
		t.Fatal("expected data-block-size parse error")
	}
}

func TestConfigGenRoundTrip(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if parsed["listen-port"] != predictd.DefaultListenPort {
		t.Fatalf("unexpected listen-port %v", parsed["listen-port"])
	}
	if parsed["features"] != predictd.DefaultFeatures {
		t.Fatalf("unexpected features %v", parsed["features"])
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	edited := strings.Replace(stdout, "max-clients: 64", "max-clients: 3", 1)
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	root := newTestRoot(t)
	if err := root.ParseFlags([]string{"--config", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q, want %q", loaded, path)
	}
	var cfg predictd.Config
	if err := bindConfig(root, &cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.MaxClients != 3 {
		t.Fatalf("config file value not applied: %d", cfg.MaxClients)
	}
	if cfg.DataBlockSize != predictd.DefaultDataBlockSize {
		t.Fatalf("generated data-block-size did not round trip: %d", cfg.DataBlockSize)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestClassifyLocal(t *testing.T) {
	modelPath, seedPath := writeFixtures(t)
	stdout, _, err := executeRootCommand(t, "classify",
		"--store", "mem://"+seedPath,
		"--model", modelPath,
		"--logins", "alice,ghost", "bob")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", stdout)
	}
	if lines[0] != "[+] alice is experienced (98.20% sure)" {
		t.Fatalf("unexpected alice line %q", lines[0])
	}
	if lines[1] != "[-] Error: ghost not found." {
		t.Fatalf("unexpected ghost line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "[+] bob is a beginner (") {
		t.Fatalf("unexpected bob line %q", lines[2])
	}
}

func TestClassifyJSON(t *testing.T) {
	modelPath, seedPath := writeFixtures(t)
	stdout, _, err := executeRootCommand(t, "classify", "--json",
		"--store", "mem://"+seedPath,
		"--model", modelPath,
		"alice")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	var resp struct {
		Errno       int `json:"errno"`
		Predictions []struct {
			Login       string  `json:"login"`
			Success     bool    `json:"success"`
			Experienced float64 `json:"experienced"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if resp.Errno != 0 || len(resp.Predictions) != 1 || !resp.Predictions[0].Success {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestClassifyThroughServer(t *testing.T) {
	store := stats.NewMemoryStore()
	store.Put(stats.Stats{Login: "bob", Wins: 0, Score: 0})
	ts := predictd.StartTestServer(t, predictd.WithTestStore(store))
	stdout, _, err := executeRootCommand(t, "classify", "--server", ts.Addr.String(), "bob")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !strings.HasPrefix(stdout, "[+] bob is a beginner (") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestClassifyRequiresLogins(t *testing.T) {
	if _, _, err := executeRootCommand(t, "classify"); err == nil {
		t.Fatal("expected error without logins")
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}
