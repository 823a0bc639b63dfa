package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, model.DefaultDeviceConfig(), cfg.DeviceDefaults())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  command_addr: "127.0.0.1:9000"
  shutdown_timeout: 2s
  allowed_origins:
    - http://console.local
device:
  driver: sim
  scanFreq: 8
  minRange: 0.1
  zeroFilter: false
session:
  retry_interval: 20ms
log:
  level: debug
  pretty: true
storage:
  db_path: /tmp/frames.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.CommandAddr)
	assert.Equal(t, ":8766", cfg.Server.DataAddr)
	assert.Equal(t, 2*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"http://console.local"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, driver.KindSim, cfg.Device.Driver)
	assert.Equal(t, 20*time.Millisecond, cfg.Session.RetryInterval)
	assert.Equal(t, 10, cfg.Session.MaxScanRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "/tmp/frames.db", cfg.Storage.DBPath)

	dev := cfg.DeviceDefaults()
	assert.Equal(t, 8.0, dev.ScanFreq)
	assert.Equal(t, 0.1, dev.MinRange)
	assert.Equal(t, model.DefaultMaxRange, dev.MaxRange)
	assert.False(t, dev.ZeroFilter)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
device:
  driver: sim
  port: /dev/ttyUSB0
`)
	t.Setenv("LIDAR_DRIVER", "ydlidar")
	t.Setenv("LIDAR_PORT", "/dev/ttyACM1")
	t.Setenv("LIDAR_BAUD", "115200")
	t.Setenv("LIDAR_DATA_ADDR", ":9001")
	t.Setenv("LIDAR_METRICS", "false")
	t.Setenv("LIDAR_ALLOWED_ORIGINS", "http://a.local, ,http://b.local")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, driver.KindYDLidar, cfg.Device.Driver)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, ":9001", cfg.Server.DataAddr)
	assert.False(t, cfg.Metrics.Enabled)

	dev := cfg.DeviceDefaults()
	assert.Equal(t, "/dev/ttyACM1", dev.Port)
	assert.Equal(t, 115200, dev.Baud)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "unknown driver", content: "device:\n  driver: laserdisc\n"},
		{name: "same addresses", content: "server:\n  command_addr: \":1\"\n  data_addr: \":1\"\n"},
		{name: "inverted angles", content: "device:\n  minAngle: 90\n  maxAngle: -90\n"},
		{name: "scan frequency out of range", content: "device:\n  scanFreq: 40\n"},
		{name: "bad yaml", content: "server: [\n"},
		{name: "bad baud env", env: map[string]string{"LIDAR_BAUD": "fast"}},
		{name: "bad bool env", env: map[string]string{"LIDAR_LOG_PRETTY": "maybe"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.content != "" {
				path = writeConfig(t, tc.content)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Device.Driver = "laserdisc"
	assert.ErrorIs(t, cfg.Validate(), model.ErrInvalidConfig)
}
