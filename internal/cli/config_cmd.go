package cli

import (
	"fmt"

	"github.com/vburojevic/eab/internal/config"
	"github.com/vburojevic/eab/internal/output"
)

// ConfigCmd groups configuration views
type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" default:"1" help:"Print the effective configuration"`
	Path ConfigPathCmd `cmd:"" help:"Print the config file in use"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

// Run executes config show
func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if globals.JSON() {
		return output.NewNDJSONWriter(globals.Stdout).Write(map[string]any{
			"type":            "config",
			"schemaVersion":   output.SchemaVersion,
			"format":          globals.Format,
			"level":           globals.Level,
			"base_dir":        globals.BaseDir,
			"defaults":        cfg.Defaults,
			"serial":          cfg.Serial,
			"health":          cfg.Health,
			"log":             cfg.Log,
			"patterns":        cfg.Patterns,
			"stream":          cfg.Stream,
			"commands":        cfg.Commands,
			"tools":           cfg.Tools,
			"status_interval": cfg.StatusInterval.String(),
		})
	}

	w := globals.Stdout
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintf(w, "  format: %s\n", globals.Format)
	fmt.Fprintf(w, "  level: %s\n", globals.Level)
	fmt.Fprintf(w, "  base_dir: %s\n", globals.BaseDir)
	fmt.Fprintln(w, "Defaults:")
	fmt.Fprintf(w, "  port: %s\n", cfg.Defaults.Port)
	fmt.Fprintf(w, "  baud: %d\n", cfg.Defaults.Baud)
	fmt.Fprintln(w, "Serial:")
	fmt.Fprintf(w, "  lock_dir: %s\n", cfg.Serial.LockDir)
	fmt.Fprintf(w, "  backoff: %s .. %s\n", cfg.Serial.BackoffInitial, cfg.Serial.BackoffMax)
	fmt.Fprintln(w, "Health:")
	fmt.Fprintf(w, "  idle_threshold: %s\n", cfg.Health.IdleThreshold)
	fmt.Fprintf(w, "  stuck_threshold: %s\n", cfg.Health.StuckThreshold)
	fmt.Fprintf(w, "  boot_loop: %d in %s\n", cfg.Health.BootLoopThreshold, cfg.Health.BootLoopWindow)
	fmt.Fprintf(w, "  auto_recovery: %t (max %d attempts per %s)\n", cfg.Health.AutoRecovery, cfg.Health.RecoveryMaxAttempts, cfg.Health.RecoveryWindow)
	fmt.Fprintln(w, "Log:")
	fmt.Fprintf(w, "  max_size_mb: %d\n", cfg.Log.MaxSizeMB)
	fmt.Fprintf(w, "  max_files: %d\n", cfg.Log.MaxFiles)
	fmt.Fprintln(w, "Tools:")
	fmt.Fprintf(w, "  esptool: %s\n", cfg.Tools.Esptool)
	return nil
}

// ConfigPathCmd prints the config file location
type ConfigPathCmd struct{}

// Run executes config path
func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()
	if globals.JSON() {
		return output.NewNDJSONWriter(globals.Stdout).Write(map[string]any{
			"type":          "config_path",
			"schemaVersion": output.SchemaVersion,
			"path":          path,
		})
	}
	if path == "" {
		_, err := fmt.Fprintln(globals.Stdout, "No configuration file found (using defaults)")
		return err
	}
	_, err := fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return err
}
