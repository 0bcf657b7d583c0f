package envconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenNoDescriptorPresent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, int64(60), cfg.DigestIntervalSeconds)
}

func TestLoadReadsTomlDescriptor(t *testing.T) {
	dir := t.TempDir()
	toml := "log_level = \"debug\"\ndigest_interval_seconds = 15\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, TomlFileName), []byte(toml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, int64(15), cfg.DigestIntervalSeconds)
}

func TestLoadFallsBackToYamlWhenTomlAbsent(t *testing.T) {
	dir := t.TempDir()
	yamlBody := "log_level: warn\nlisten_addr: 0.0.0.0:9999\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, YamlFileName), []byte(yamlBody), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	toml := "log_level = \"debug\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, TomlFileName), []byte(toml), 0o644))

	t.Setenv("ANVIL_LOG_LEVEL", "error")
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "error", cfg.LogLevel)
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig(dir)
	cfg.LogLevel = "debug"
	require.NoError(t, Write(dir, &cfg))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "debug", reloaded.LogLevel)
}

func TestLoggerRespectsConfiguredLevel(t *testing.T) {
	cfg := Config{LogLevel: "debug"}
	require.Equal(t, -4, int(parseLevel(cfg.LogLevel)))
}
