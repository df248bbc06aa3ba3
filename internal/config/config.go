package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/sensor"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = string(LogLevelInfo)
	DefaultDatabase  = "/var/lib/powertrace/powertrace.db"
	DefaultStateFile = "/var/lib/powertrace/state.json"

	defaultEnvPrefix  = "POWERTRACE"
	configName        = "powertrace"
	configType        = "toml"
	systemConfigDir   = "/etc"
	userConfigSubdir  = "powertrace"
	configEnvSuffix   = "_CONFIG"
	defaultSysfsRoot  = "/sys"
	defaultProcfsRoot = "/proc"
)

type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	Database  string `mapstructure:"database"`
	StateFile string `mapstructure:"state_file"`
	PIDDir    string `mapstructure:"pid_dir"`

	IntervalHigh   time.Duration `mapstructure:"interval_high"`
	IntervalMedium time.Duration `mapstructure:"interval_medium"`
	IntervalLow    time.Duration `mapstructure:"interval_low"`
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	Retention      time.Duration `mapstructure:"retention"`
	// StreamBuffer is the per-sensor channel capacity. MergeBuffer sizes the
	// merged stream; 0 uses BufferCapacity.
	StreamBuffer int `mapstructure:"stream_buffer"`
	MergeBuffer  int `mapstructure:"merge_buffer"`

	Sensors    []string `mapstructure:"sensors"`
	SysfsRoot  string   `mapstructure:"sysfs_root"`
	ProcfsRoot string   `mapstructure:"procfs_root"`

	// MetricsAddr enables the Prometheus endpoint when not empty.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// User is recorded on new sessions. Defaults to the invoking user.
	User string `mapstructure:"user"`
}

func setDefaults(v *viper.Viper) {
	policy := telemetry.DefaultPolicy()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("state_file", DefaultStateFile)
	v.SetDefault("pid_dir", os.TempDir())
	v.SetDefault("interval_high", policy.HighInterval)
	v.SetDefault("interval_medium", policy.MediumInterval)
	v.SetDefault("interval_low", policy.LowInterval)
	v.SetDefault("buffer_capacity", policy.BufferCapacity)
	v.SetDefault("batch_size", policy.BatchSize)
	v.SetDefault("flush_interval", policy.FlushInterval)
	v.SetDefault("retention", policy.Retention)
	v.SetDefault("stream_buffer", sensor.DefaultStreamBuffer)
	v.SetDefault("merge_buffer", 0)
	v.SetDefault("sensors", sensor.Names())
	v.SetDefault("sysfs_root", defaultSysfsRoot)
	v.SetDefault("procfs_root", defaultProcfsRoot)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("user", "")
}

// RegisterFlags defines the command-line overrides on fs. Flag names use
// dashes where the configuration keys use underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	policy := telemetry.DefaultPolicy()

	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("database", DefaultDatabase, "Path to the telemetry database")
	fs.String("state-file", DefaultStateFile, "Path to the session state snapshot")
	fs.String("pid-dir", os.TempDir(), "Directory holding the collector PID file")
	fs.Duration("interval-high", policy.HighInterval, "Poll interval of fast sensors")
	fs.Duration("interval-medium", policy.MediumInterval, "Poll interval of medium sensors")
	fs.Duration("interval-low", policy.LowInterval, "Poll interval of slow sensors")
	fs.Int("buffer-capacity", policy.BufferCapacity, "Samples buffered before producers wait")
	fs.Int("batch-size", policy.BatchSize, "Maximum samples per transaction")
	fs.Duration("flush-interval", policy.FlushInterval, "Commit cadence while a session runs")
	fs.Duration("retention", policy.Retention, "Age after which completed sessions are pruned, 0 keeps all")
	fs.Int("stream-buffer", sensor.DefaultStreamBuffer, "Samples each sensor holds before it waits")
	fs.Int("merge-buffer", 0, "Capacity of the merged sensor stream, 0 uses buffer-capacity")
	fs.StringSlice("sensors", sensor.Names(), "Sensors to poll")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("user", "", "User recorded on new sessions")
}

func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.AutomaticEnv()

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	if o.flags != nil {
		if err := bindFlags(v, o.flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + configEnvSuffix)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(systemConfigDir)
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, userConfigSubdir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// bindFlags maps only the flags set on the command line, so an unset flag
// never masks a file or environment value.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = errFactory.Wrap(errors.ErrBindFlags, err)
		}
	})

	return bindErr
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database path must be set")
	}
	if c.StateFile == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "state file path must be set")
	}

	for name, d := range map[string]time.Duration{
		"interval_high":   c.IntervalHigh,
		"interval_medium": c.IntervalMedium,
		"interval_low":    c.IntervalLow,
		"flush_interval":  c.FlushInterval,
	} {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval, struct {
				Key   string
				Value time.Duration
			}{name, d})
		}
	}

	if c.StreamBuffer < 0 || c.MergeBuffer < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			StreamBuffer int
			MergeBuffer  int
		}{c.StreamBuffer, c.MergeBuffer})
	}

	if len(c.Sensors) == 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "at least one sensor must be enabled")
	}
	known := sensor.Names()
	for _, name := range c.Sensors {
		if !slices.Contains(known, name) {
			return errFactory.WithData(errors.ErrUnknownSensor, name)
		}
	}

	return c.Policy().Validate()
}

// Policy returns the sampling policy described by c.
func (c *Config) Policy() telemetry.SamplingPolicy {
	return telemetry.SamplingPolicy{
		HighInterval:   c.IntervalHigh,
		MediumInterval: c.IntervalMedium,
		LowInterval:    c.IntervalLow,
		BufferCapacity: c.BufferCapacity,
		BatchSize:      c.BatchSize,
		FlushInterval:  c.FlushInterval,
		Retention:      c.Retention,
	}
}

// Paths returns the sysfs and procfs roots the sensors read from.
func (c *Config) Paths() sensor.Paths {
	return sensor.Paths{Sysfs: c.SysfsRoot, Procfs: c.ProcfsRoot}
}
