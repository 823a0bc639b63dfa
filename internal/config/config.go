// Package config loads the server configuration: defaults, then an optional
// YAML file, then LIDAR_* environment variables. Command-line flags are
// applied last by the binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Device   DeviceConfig   `yaml:"device"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	CommandAddr     string        `yaml:"command_addr"`
	DataAddr        string        `yaml:"data_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins restricts browser WebSocket connections. Empty allows
	// every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DeviceConfig selects the driver and overrides the built-in device
// defaults that init options are merged over.
type DeviceConfig struct {
	Driver        driver.Kind `yaml:"driver"`
	model.Options `yaml:",inline"`
}

type SessionConfig struct {
	MaxScanRetries int           `yaml:"max_scan_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	HistorySize    int           `yaml:"history_size"`
	HaltGrace      time.Duration `yaml:"halt_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace | debug | info | warn | error
	Pretty bool   `yaml:"pretty"` // console output instead of JSON
}

// StorageConfig configures the SQLite frame and event log. An empty DBPath
// disables it.
type StorageConfig struct {
	DBPath    string `yaml:"db_path"`
	KeepFrame int    `yaml:"keep_frames"`
}

// RecorderConfig configures the JSON-lines frame capture. An empty Path
// disables it.
type RecorderConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			CommandAddr:     ":8765",
			DataAddr:        ":8766",
			ShutdownTimeout: 5 * time.Second,
		},
		Device: DeviceConfig{
			Driver: driver.KindYDLidar,
		},
		Session: SessionConfig{
			MaxScanRetries: 10,
			RetryInterval:  50 * time.Millisecond,
			HistorySize:    16,
			HaltGrace:      2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			KeepFrame: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// not empty) and the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.CommandAddr = getEnv("LIDAR_COMMAND_ADDR", cfg.Server.CommandAddr)
	cfg.Server.DataAddr = getEnv("LIDAR_DATA_ADDR", cfg.Server.DataAddr)
	cfg.Device.Driver = driver.Kind(getEnv("LIDAR_DRIVER", string(cfg.Device.Driver)))
	cfg.Log.Level = getEnv("LIDAR_LOG_LEVEL", cfg.Log.Level)
	cfg.Storage.DBPath = getEnv("LIDAR_DB_PATH", cfg.Storage.DBPath)
	cfg.Recorder.Path = getEnv("LIDAR_RECORD_PATH", cfg.Recorder.Path)

	if v := os.Getenv("LIDAR_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("LIDAR_PORT"); v != "" {
		cfg.Device.Port = &v
	}
	if v := os.Getenv("LIDAR_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LIDAR_BAUD %q: %w", v, err)
		}
		cfg.Device.Baud = &baud
	}
	if v := os.Getenv("LIDAR_LOG_PRETTY"); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LIDAR_LOG_PRETTY %q: %w", v, err)
		}
		cfg.Log.Pretty = pretty
	}
	if v := os.Getenv("LIDAR_METRICS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LIDAR_METRICS %q: %w", v, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// DeviceDefaults returns the device configuration init options are merged
// over.
func (c Config) DeviceDefaults() model.DeviceConfig {
	return c.Device.Options.Apply(model.DefaultDeviceConfig())
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Server.CommandAddr == "" || c.Server.DataAddr == "" {
		return model.Errorf(model.KindInvalidConfig, "command and data addresses are required")
	}
	if c.Server.CommandAddr == c.Server.DataAddr {
		return model.Errorf(model.KindInvalidConfig, "command and data channels need different addresses, both are %q", c.Server.CommandAddr)
	}
	switch c.Device.Driver {
	case driver.KindSim, driver.KindYDLidar:
	default:
		return model.Errorf(model.KindInvalidConfig, "unknown driver %q", c.Device.Driver)
	}
	if c.Session.MaxScanRetries < 0 {
		return model.Errorf(model.KindInvalidConfig, "max_scan_retries must not be negative")
	}
	if c.Storage.KeepFrame < 0 {
		return model.Errorf(model.KindInvalidConfig, "keep_frames must not be negative")
	}
	if err := c.DeviceDefaults().Validate(); err != nil {
		return fmt.Errorf("device defaults: %w", err)
	}
	return nil
}
