package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, "ndjson", cfg.Format)
	assert.Equal(t, "info", cfg.Level)
	assert.False(t, cfg.Quiet)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, "auto", cfg.Defaults.Port)
	assert.Equal(t, 115200, cfg.Defaults.Baud)
	assert.Equal(t, 120*time.Second, cfg.Health.IdleThreshold)
	assert.Equal(t, 5, cfg.Health.BootLoopThreshold)
	assert.Equal(t, 30*time.Second, cfg.Health.BootLoopWindow)
	assert.Equal(t, 3, cfg.Health.RecoveryMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Serial.BackoffMax)
	assert.Equal(t, 5, cfg.Log.MaxFiles)
	assert.Greater(t, cfg.Health.StuckThreshold, cfg.Health.IdleThreshold)
}

func TestLoad(t *testing.T) {
	t.Run("returns defaults when no config file exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		chdir(t, tmpDir)
		t.Setenv("HOME", tmpDir)

		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "ndjson", cfg.Format)
		assert.Equal(t, 115200, cfg.Defaults.Baud)
	})

	t.Run("loads .eab.yaml from current directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		chdir(t, tmpDir)
		t.Setenv("HOME", tmpDir)

		content := `
format: text
defaults:
  port: /dev/ttyUSB3
  baud: 921600
health:
  idle_threshold: 45s
`
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".eab.yaml"), []byte(content), 0o644))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "text", cfg.Format)
		assert.Equal(t, "/dev/ttyUSB3", cfg.Defaults.Port)
		assert.Equal(t, 921600, cfg.Defaults.Baud)
		assert.Equal(t, 45*time.Second, cfg.Health.IdleThreshold)
		// untouched keys keep their defaults
		assert.Equal(t, 300*time.Second, cfg.Health.StuckThreshold)
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Run("returns error for non-existent file", func(t *testing.T) {
		cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0o644))

		cfg, err := LoadFromFile(configPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("parses all config fields", func(t *testing.T) {
		tmpDir := t.TempDir()
		content := `
format: ndjson
level: debug
verbose: true
defaults:
  port: auto
  baud: 57600
  base_dir: /var/tmp/eab
serial:
  read_timeout: 50ms
  backoff_initial: 100ms
  backoff_max: 2s
  max_attempts: 7
  lock_dir: /var/tmp/eab-locks
health:
  idle_threshold: 60s
  stuck_threshold: 90s
  boot_loop_threshold: 3
  boot_loop_window: 20s
  recovery_grace: 5s
  recovery_cooldown: 15s
  recovery_max_attempts: 2
  recovery_window: 5m
  auto_recovery: false
log:
  max_size_mb: 10
  max_files: 2
patterns:
  extra:
    OTA:
      - "ota.*fail"
      - "image invalid"
  disable:
    - WIFI
stream:
  marker: "===BEGIN==="
commands:
  poll_interval: 500ms
tools:
  esptool: /opt/esptool
  flash_baud: 921600
status_interval: 2s
`
		configPath := filepath.Join(tmpDir, "eab.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.Level)
		assert.True(t, cfg.Verbose)
		assert.Equal(t, 57600, cfg.Defaults.Baud)
		assert.Equal(t, "/var/tmp/eab", cfg.Defaults.BaseDir)
		assert.Equal(t, 50*time.Millisecond, cfg.Serial.ReadTimeout)
		assert.Equal(t, 2*time.Second, cfg.Serial.BackoffMax)
		assert.Equal(t, 7, cfg.Serial.MaxAttempts)
		assert.Equal(t, 90*time.Second, cfg.Health.StuckThreshold)
		assert.Equal(t, 3, cfg.Health.BootLoopThreshold)
		assert.False(t, cfg.Health.AutoRecovery)
		assert.Equal(t, int64(10*1024*1024), cfg.MaxLogBytes())
		assert.Equal(t, []string{"ota.*fail", "image invalid"}, cfg.Patterns.Extra["ota"])
		assert.Equal(t, []string{"WIFI"}, cfg.Patterns.Disable)
		assert.Equal(t, "===BEGIN===", cfg.Stream.Marker)
		assert.Equal(t, 500*time.Millisecond, cfg.Commands.PollInterval)
		assert.Equal(t, "/opt/esptool", cfg.Tools.Esptool)
		assert.Equal(t, 2*time.Second, cfg.StatusInterval)
	})
}

func TestConfigEnvironmentVariables(t *testing.T) {
	tmpDir := t.TempDir()
	chdir(t, tmpDir)
	t.Setenv("HOME", tmpDir)
	t.Setenv("EAB_FORMAT", "text")
	t.Setenv("EAB_PORT", "/dev/ttyACM0")
	t.Setenv("EAB_BASE_DIR", "/tmp/eab-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "/dev/ttyACM0", cfg.Defaults.Port)
	assert.Equal(t, "/tmp/eab-env", cfg.Defaults.BaseDir)
}

func TestMaxLogBytesDisabled(t *testing.T) {
	cfg := Default()
	cfg.Log.MaxSizeMB = 0
	assert.Zero(t, cfg.MaxLogBytes())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory and restores the previous one when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
