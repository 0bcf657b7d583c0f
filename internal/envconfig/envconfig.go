// Package envconfig is the ambient, process-level configuration surface
// spec.md's domain layer deliberately has no equivalent for: where
// internal/params describes one table stack, envconfig describes the
// Anvil process itself — its data directory, log level, default
// maintenance intervals, and the serve subcommand's listen address.
//
// An environment directory may carry an anvil.toml (parsed with
// github.com/BurntSushi/toml) or, if that's absent, an anvil.yaml
// (parsed with gopkg.in/yaml.v3) describing the same fields; either way
// ANVIL_* environment variables layered on top via spf13/viper win,
// mirroring the teacher's BD_*/BEADS_* flag > env > file > default
// precedence.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable/manageddtable"
	"github.com/nathansgreen/anvil/internal/dtable/rwatx"
	"github.com/nathansgreen/anvil/internal/sysjournal"
)

// TomlFileName and YamlFileName are the two recognized environment
// descriptor file names, checked in that order; the first one present
// wins.
const (
	TomlFileName = "anvil.toml"
	YamlFileName = "anvil.yaml"
)

// Config is the process-level configuration for one Anvil environment.
type Config struct {
	DataDir                string `toml:"data_dir" yaml:"data_dir"`
	LogLevel               string `toml:"log_level" yaml:"log_level"`
	DigestIntervalSeconds  int64  `toml:"digest_interval_seconds" yaml:"digest_interval_seconds"`
	CombineIntervalSeconds int64  `toml:"combine_interval_seconds" yaml:"combine_interval_seconds"`
	ListenAddr             string `toml:"listen_addr" yaml:"listen_addr"`
}

func defaultConfig(dir string) Config {
	return Config{
		DataDir:                dir,
		LogLevel:               "info",
		DigestIntervalSeconds:  60,
		CombineIntervalSeconds: 300,
		ListenAddr:             "127.0.0.1:4417",
	}
}

// Load reads the environment descriptor from dir (anvil.toml, falling
// back to anvil.yaml, falling back to defaults), then applies any
// ANVIL_* environment variable overrides.
func Load(dir string) (*Config, error) {
	cfg := defaultConfig(dir)

	tomlPath := filepath.Join(dir, TomlFileName)
	yamlPath := filepath.Join(dir, YamlFileName)
	switch {
	case fileExists(tomlPath):
		if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
			return nil, anverr.Wrap("envconfig.Load", anverr.InvalidArgument, err)
		}
	case fileExists(yamlPath):
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, anverr.Wrap("envconfig.Load", anverr.IO, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, anverr.Wrap("envconfig.Load", anverr.InvalidArgument, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers ANVIL_* environment variables (e.g.
// ANVIL_DATA_DIR, ANVIL_LOG_LEVEL) over whatever Load has read so far.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("ANVIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("digest_interval_seconds", cfg.DigestIntervalSeconds)
	v.SetDefault("combine_interval_seconds", cfg.CombineIntervalSeconds)
	v.SetDefault("listen_addr", cfg.ListenAddr)

	cfg.DataDir = v.GetString("data_dir")
	cfg.LogLevel = v.GetString("log_level")
	cfg.DigestIntervalSeconds = v.GetInt64("digest_interval_seconds")
	cfg.CombineIntervalSeconds = v.GetInt64("combine_interval_seconds")
	cfg.ListenAddr = v.GetString("listen_addr")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DigestInterval and CombineInterval convert the configured second
// counts into the durations internal/dtable/manageddtable and
// internal/anvildaemon expect.
func (c *Config) DigestInterval() time.Duration {
	return time.Duration(c.DigestIntervalSeconds) * time.Second
}

func (c *Config) CombineInterval() time.Duration {
	return time.Duration(c.CombineIntervalSeconds) * time.Second
}

// Logger builds the process-wide structured logger at the configured
// level, matching the teacher's preference for contextual slog fields
// over bare log.Printf.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}))
}

// InstallLogger builds c's logger and threads it through every layer
// SPEC_FULL.md §2 item 12 calls out by name (digest/combine, rwatx conflicts,
// journal replay/filter) so a single process-level log level governs
// all of them.
func (c *Config) InstallLogger() *slog.Logger {
	l := c.Logger()
	manageddtable.SetLogger(l)
	rwatx.SetLogger(l)
	sysjournal.SetLogger(l)
	return l
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Write persists cfg as anvil.toml under dir, creating dir if needed —
// used by `anvil init` to lay down a fresh environment descriptor.
func Write(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return anverr.Wrap("envconfig.Write", anverr.IO, err)
	}
	f, err := os.Create(filepath.Join(dir, TomlFileName))
	if err != nil {
		return anverr.Wrap("envconfig.Write", anverr.IO, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return anverr.Wrap("envconfig.Write", anverr.IO, err)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("data_dir=%s log_level=%s digest_interval=%ds combine_interval=%ds listen_addr=%s",
		c.DataDir, c.LogLevel, c.DigestIntervalSeconds, c.CombineIntervalSeconds, c.ListenAddr)
}
