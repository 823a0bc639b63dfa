package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/driver"
)

func parse(t *testing.T, args ...string) (*cobra.Command, *flags) {
	t.Helper()
	var f flags
	cmd := &cobra.Command{Use: "lidar-server"}
	bindFlags(cmd, &f)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, &f
}

func TestLoadConfig_Flags(t *testing.T) {
	cmd, f := parse(t,
		"--driver", "sim",
		"--data-addr", ":9100",
		"--allowed-origin", "http://console.local",
		"--allowed-origin", "http://lab.local",
	)

	cfg, err := loadConfig(cmd, *f)
	require.NoError(t, err)
	assert.Equal(t, driver.KindSim, cfg.Device.Driver)
	assert.Equal(t, ":9100", cfg.Server.DataAddr)
	assert.Equal(t, ":8765", cfg.Server.CommandAddr)
	assert.Equal(t, []string{"http://console.local", "http://lab.local"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("LIDAR_ALLOWED_ORIGINS", "http://env.local")
	t.Setenv("LIDAR_DRIVER", "sim")

	cmd, f := parse(t)
	cfg, err := loadConfig(cmd, *f)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://env.local"}, cfg.Server.AllowedOrigins)

	cmd, f = parse(t, "--allowed-origin", "http://flag.local")
	cfg, err = loadConfig(cmd, *f)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://flag.local"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd, f := parse(t, "--command-addr", ":9000", "--data-addr", ":9000")
	_, err := loadConfig(cmd, *f)
	assert.Error(t, err)
}
