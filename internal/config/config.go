package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format"`
	Level   string `mapstructure:"level"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`

	// Default values for the daemon lifecycle commands
	Defaults DefaultsConfig `mapstructure:"defaults"`

	Serial   SerialConfig   `mapstructure:"serial"`
	Health   HealthConfig   `mapstructure:"health"`
	Log      LogConfig      `mapstructure:"log"`
	Patterns PatternsConfig `mapstructure:"patterns"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Commands CommandsConfig `mapstructure:"commands"`
	Tools    ToolsConfig    `mapstructure:"tools"`

	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// DefaultsConfig holds default values for start/stop/status
type DefaultsConfig struct {
	Port    string `mapstructure:"port"`
	Baud    int    `mapstructure:"baud"`
	BaseDir string `mapstructure:"base_dir"`
}

// SerialConfig tunes the transport
type SerialConfig struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	LockDir        string        `mapstructure:"lock_dir"`
}

// HealthConfig tunes idle/stuck detection and auto-recovery
type HealthConfig struct {
	IdleThreshold       time.Duration `mapstructure:"idle_threshold"`
	StuckThreshold      time.Duration `mapstructure:"stuck_threshold"`
	BootLoopThreshold   int           `mapstructure:"boot_loop_threshold"`
	BootLoopWindow      time.Duration `mapstructure:"boot_loop_window"`
	RecoveryGrace       time.Duration `mapstructure:"recovery_grace"`
	RecoveryCooldown    time.Duration `mapstructure:"recovery_cooldown"`
	RecoveryMaxAttempts int           `mapstructure:"recovery_max_attempts"`
	RecoveryWindow      time.Duration `mapstructure:"recovery_window"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	AutoRecovery        bool          `mapstructure:"auto_recovery"`
}

// LogConfig controls latest.log/alerts.log rotation
type LogConfig struct {
	MaxSizeMB int `mapstructure:"max_size_mb"`
	MaxFiles  int `mapstructure:"max_files"`
}

// PatternsConfig extends or trims the built-in alert table
type PatternsConfig struct {
	Extra   map[string][]string `mapstructure:"extra"`
	Disable []string            `mapstructure:"disable"`
}

// StreamConfig arms binary passthrough when Marker is seen
type StreamConfig struct {
	Marker string `mapstructure:"marker"`
}

// CommandsConfig controls cmd.txt polling
type CommandsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ToolsConfig locates the external flashing tool used by directives
type ToolsConfig struct {
	Esptool      string        `mapstructure:"esptool"`
	FlashBaud    int           `mapstructure:"flash_baud"`
	FlashAddress string        `mapstructure:"flash_address"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "ndjson",
		Level:   "info",
		Quiet:   false,
		Verbose: false,
		Defaults: DefaultsConfig{
			Port:    "auto",
			Baud:    115200,
			BaseDir: "/tmp/eab-devices/default",
		},
		Serial: SerialConfig{
			ReadTimeout:    100 * time.Millisecond,
			BackoffInitial: 250 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			MaxAttempts:    20,
			LockDir:        "/tmp/eab-locks",
		},
		Health: HealthConfig{
			IdleThreshold:       120 * time.Second,
			StuckThreshold:      300 * time.Second,
			BootLoopThreshold:   5,
			BootLoopWindow:      30 * time.Second,
			RecoveryGrace:       10 * time.Second,
			RecoveryCooldown:    30 * time.Second,
			RecoveryMaxAttempts: 3,
			RecoveryWindow:      10 * time.Minute,
			TickInterval:        time.Second,
			AutoRecovery:        true,
		},
		Log: LogConfig{
			MaxSizeMB: 100,
			MaxFiles:  5,
		},
		Commands: CommandsConfig{
			PollInterval: 200 * time.Millisecond,
		},
		Tools: ToolsConfig{
			Esptool:      "esptool.py",
			FlashBaud:    460800,
			FlashAddress: "0x0",
			Timeout:      5 * time.Minute,
		},
		StatusInterval: time.Second,
	}
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")

	// Add config paths (in order of precedence, lowest first)
	// 1. System-wide config
	v.AddConfigPath("/etc/eab/")
	// 2. User config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "eab"))
	}
	// 3. Home directory (as .eab.yaml)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	// 4. Current directory
	v.AddConfigPath(".")
	v.SetConfigName(".eab")

	// Environment variables
	v.SetEnvPrefix("EAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables
	v.BindEnv("format", "EAB_FORMAT")
	v.BindEnv("level", "EAB_LEVEL")
	v.BindEnv("quiet", "EAB_QUIET")
	v.BindEnv("verbose", "EAB_VERBOSE")
	v.BindEnv("defaults.port", "EAB_PORT")
	v.BindEnv("defaults.baud", "EAB_BAUD")
	v.BindEnv("defaults.base_dir", "EAB_BASE_DIR")
	v.BindEnv("serial.lock_dir", "EAB_LOCK_DIR")
	v.BindEnv("tools.esptool", "EAB_ESPTOOL")

	cfg := Default()
	setDefaults(v, cfg)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override nested values
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("format", cfg.Format)
	v.SetDefault("level", cfg.Level)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("defaults.port", cfg.Defaults.Port)
	v.SetDefault("defaults.baud", cfg.Defaults.Baud)
	v.SetDefault("defaults.base_dir", cfg.Defaults.BaseDir)
	v.SetDefault("serial.read_timeout", cfg.Serial.ReadTimeout)
	v.SetDefault("serial.backoff_initial", cfg.Serial.BackoffInitial)
	v.SetDefault("serial.backoff_max", cfg.Serial.BackoffMax)
	v.SetDefault("serial.max_attempts", cfg.Serial.MaxAttempts)
	v.SetDefault("serial.lock_dir", cfg.Serial.LockDir)
	v.SetDefault("health.idle_threshold", cfg.Health.IdleThreshold)
	v.SetDefault("health.stuck_threshold", cfg.Health.StuckThreshold)
	v.SetDefault("health.boot_loop_threshold", cfg.Health.BootLoopThreshold)
	v.SetDefault("health.boot_loop_window", cfg.Health.BootLoopWindow)
	v.SetDefault("health.recovery_grace", cfg.Health.RecoveryGrace)
	v.SetDefault("health.recovery_cooldown", cfg.Health.RecoveryCooldown)
	v.SetDefault("health.recovery_max_attempts", cfg.Health.RecoveryMaxAttempts)
	v.SetDefault("health.recovery_window", cfg.Health.RecoveryWindow)
	v.SetDefault("health.tick_interval", cfg.Health.TickInterval)
	v.SetDefault("health.auto_recovery", cfg.Health.AutoRecovery)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_files", cfg.Log.MaxFiles)
	v.SetDefault("stream.marker", cfg.Stream.Marker)
	v.SetDefault("commands.poll_interval", cfg.Commands.PollInterval)
	v.SetDefault("tools.esptool", cfg.Tools.Esptool)
	v.SetDefault("tools.flash_baud", cfg.Tools.FlashBaud)
	v.SetDefault("tools.flash_address", cfg.Tools.FlashAddress)
	v.SetDefault("tools.timeout", cfg.Tools.Timeout)
	v.SetDefault("status_interval", cfg.StatusInterval)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConfigFile returns the path to the config file that was loaded
func ConfigFile() string {
	v := viper.New()

	v.SetConfigName(".eab")
	v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}

	// Try eab.yaml
	v.SetConfigName("eab")
	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}

	return ""
}

// MaxLogBytes converts the configured rotation size to bytes
func (c *Config) MaxLogBytes() int64 {
	if c.Log.MaxSizeMB <= 0 {
		return 0
	}
	return int64(c.Log.MaxSizeMB) * 1024 * 1024
}
