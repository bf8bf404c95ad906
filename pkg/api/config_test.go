package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultCANPort, cfg.CAN.Port)
	assert.Equal(t, CANModeAuto, cfg.CAN.Mode)
	assert.Equal(t, 5900, cfg.Graphics.HU.Port)
	assert.Equal(t, 5901, cfg.Graphics.Cluster.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Ignition.TransitionDelay)
	assert.Equal(t, 3*time.Second, cfg.Ignition.EngineStartDuration)
	assert.Equal(t, cfg.QNX.VirtconPort, cfg.Console.Port)
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.Root = "/srv/bench"

	assert.Equal(t, "", cfg.Resolve(""))
	assert.Equal(t, "/abs/boot.img", cfg.Resolve("/abs/boot.img"))
	assert.Equal(t, "/srv/bench/images/boot.img", cfg.Resolve("images/boot.img"))
	assert.Equal(t, "/srv/bench/data/vehicle_state.json", cfg.StateFile())
	assert.Equal(t, "/srv/bench/logs", cfg.LogsDir())
}

func TestClusterBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.Root = "/srv/bench"
	assert.Equal(t, DefaultQEMUBinary, cfg.ClusterBinary())

	cfg.QNX.Binary = "qemu-fork/qemu-system-aarch64"
	assert.Equal(t, "/srv/bench/qemu-fork/qemu-system-aarch64", cfg.ClusterBinary())

	cfg.QEMU.Binary = "bin/qemu-system-aarch64"
	assert.Equal(t, "/srv/bench/bin/qemu-system-aarch64", cfg.HeadUnitBinary())
	cfg.QEMU.Binary = "qemu-system-aarch64"
	assert.Equal(t, "qemu-system-aarch64", cfg.HeadUnitBinary(), "bare names stay for PATH lookup")
}

func TestEnsureDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.Root = t.TempDir()
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.DataDir(), cfg.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(cfg.Paths.Root, "data"), cfg.DataDir())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty binary", func(c *Config) { c.QEMU.Binary = "" }},
		{"adb port zero", func(c *Config) { c.QEMU.ADBPort = 0 }},
		{"can port too large", func(c *Config) { c.CAN.Port = 70000 }},
		{"vnc below 5900", func(c *Config) { c.Graphics.Cluster.Port = 5800 }},
		{"uart port when enabled", func(c *Config) {
			c.QEMU.UARTSockets = true
			c.QEMU.GPSUARTPort = -1
		}},
		{"socketcan without interface", func(c *Config) {
			c.CAN.Mode = CANModeSocketCAN
			c.CAN.Interface = ""
		}},
		{"unknown can mode", func(c *Config) { c.CAN.Mode = "udp" }},
		{"negative delay", func(c *Config) { c.Ignition.TransitionDelay = -time.Second }},
		{"zero stop timeout", func(c *Config) { c.Orchestrator.StopTimeout = 0 }},
		{"zero fps", func(c *Config) { c.Display.ClusterFPS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_UARTPortsIgnoredWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QEMU.GPSUARTPort = 0
	assert.NoError(t, cfg.Validate())
}
