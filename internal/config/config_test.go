package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/powertrace/internal/config"
	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/sensor"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "powertrace.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func isolate(t *testing.T) {
	t.Helper()

	t.Setenv("POWERTRACE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoad(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
log_level = "debug"
database = "/path/to/telemetry.db"
state_file = "/run/powertrace/state.json"
interval_high = "500ms"
interval_medium = "2s"
interval_low = "1m"
buffer_capacity = 128
batch_size = 32
flush_interval = "3s"
retention = "168h"
sensors = ["battery", "cpu"]
sysfs_root = "/tmp/sys"
metrics_addr = ":9101"
user = "alice"
`)
	t.Setenv("POWERTRACE_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/path/to/telemetry.db", cfg.Database)
	assert.Equal(t, "/run/powertrace/state.json", cfg.StateFile)
	assert.Equal(t, []string{"battery", "cpu"}, cfg.Sensors)
	assert.Equal(t, ":9101", cfg.MetricsAddr)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "/tmp/sys", cfg.Paths().Sysfs)
	assert.Equal(t, "/proc", cfg.Paths().Procfs)

	policy := cfg.Policy()
	assert.Equal(t, 500*time.Millisecond, policy.HighInterval)
	assert.Equal(t, 2*time.Second, policy.MediumInterval)
	assert.Equal(t, time.Minute, policy.LowInterval)
	assert.Equal(t, 128, policy.BufferCapacity)
	assert.Equal(t, 32, policy.BatchSize)
	assert.Equal(t, 3*time.Second, policy.FlushInterval)
	assert.Equal(t, 168*time.Hour, policy.Retention)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultDatabase, cfg.Database)
	assert.Equal(t, config.DefaultStateFile, cfg.StateFile)
	assert.Equal(t, sensor.Names(), cfg.Sensors)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, time.Second, cfg.IntervalHigh)
	assert.Equal(t, 4096, cfg.BufferCapacity)
	assert.Equal(t, sensor.DefaultStreamBuffer, cfg.StreamBuffer)
	assert.Zero(t, cfg.MergeBuffer)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	isolate(t)
	t.Setenv("POWERTRACE_CONFIG", writeConfig(t, "This is not a valid TOML file"))

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := config.Load(config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	isolate(t)
	t.Setenv("POWERTRACE_CONFIG", writeConfig(t, `log_level = "invalid"`))

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_log_level")
}

func TestInvalidInterval(t *testing.T) {
	isolate(t)

	_, err := config.Load(config.WithConfigFile(writeConfig(t, `interval_medium = "0s"`)))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestUnknownSensor(t *testing.T) {
	isolate(t)

	_, err := config.Load(config.WithConfigFile(writeConfig(t, `sensors = ["battery", "modem"]`)))
	assert.True(t, errors.HasCode(err, errors.ErrUnknownSensor))
}

func TestInvalidBatchSize(t *testing.T) {
	isolate(t)

	_, err := config.Load(config.WithConfigFile(writeConfig(t, `batch_size = 0`)))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidPolicy))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolate(t)
	t.Setenv("POWERTRACE_LOG_LEVEL", "error")
	t.Setenv("POWERTRACE_SENSORS", "cpu,thermal")

	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, `log_level = "debug"`)))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, []string{"cpu", "thermal"}, cfg.Sensors)
}

func TestCustomEnvPrefix(t *testing.T) {
	isolate(t)
	t.Setenv("PT_BATCH_SIZE", "64")

	cfg, err := config.Load(config.WithEnvPrefix("PT"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.BatchSize)
}

func TestLogLevelFlag(t *testing.T) {
	isolate(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--log-level", "debug",
		"--interval-high", "250ms",
		"--stream-buffer", "8",
		"--merge-buffer", "512",
	}))

	cfg, err := config.Load(config.WithFlags(fs))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
	assert.Equal(t, 250*time.Millisecond, cfg.IntervalHigh)
	assert.Equal(t, 8, cfg.StreamBuffer)
	assert.Equal(t, 512, cfg.MergeBuffer)
}

func TestNegativeBuffer(t *testing.T) {
	isolate(t)
	_, err := config.Load(config.WithConfigFile(writeConfig(t, "stream_buffer = -1")))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestUnsetFlagsKeepFileValues(t *testing.T) {
	isolate(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--sensors", "gpu"}))

	cfg, err := config.Load(
		config.WithConfigFile(writeConfig(t, `database = "/data/pt.db"`)),
		config.WithFlags(fs),
	)
	require.NoError(t, err)
	assert.Equal(t, "/data/pt.db", cfg.Database)
	assert.Equal(t, []string{"gpu"}, cfg.Sensors)
}
