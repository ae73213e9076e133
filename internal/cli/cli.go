// Package cli implements the eab command line: daemon lifecycle, the command
// mailbox and read-only views of the session directory.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vburojevic/eab/internal/config"
	"github.com/vburojevic/eab/internal/daemon"
	"github.com/vburojevic/eab/internal/output"
)

// Version information, set by ldflags at build time
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command tree
type CLI struct {
	Format  string `short:"f" default:"${config_format}" enum:"auto,ndjson,text" help:"Output format (auto picks text on a terminal)"`
	Level   string `default:"${config_level}" enum:"debug,info,warn,error" help:"Daemon log level"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output (ndjson only)"`
	Verbose bool   `short:"v" help:"Verbose debug output on stderr"`
	BaseDir string `short:"d" name:"base-dir" default:"${config_base_dir}" type:"path" help:"Session directory"`

	Start     StartCmd     `cmd:"" help:"Start the serial monitor daemon"`
	Stop      StopCmd      `cmd:"" help:"Stop the daemon"`
	Status    StatusCmd    `cmd:"" help:"Show daemon and device status"`
	Pause     PauseCmd     `cmd:"" help:"Release the serial port for a number of seconds"`
	Resume    ResumeCmd    `cmd:"" help:"End an active pause early"`
	Send      SendCmd      `cmd:"" help:"Queue a line for the device"`
	Reset     ResetCmd     `cmd:"" help:"Reset the device through DTR/RTS"`
	Stream    StreamCmd    `cmd:"" help:"Arm or disarm binary passthrough"`
	Flash     FlashCmd     `cmd:"" help:"Flash firmware through the daemon"`
	ChipInfo  ChipInfoCmd  `cmd:"" name:"chip-info" help:"Identify the chip"`
	Erase     EraseCmd     `cmd:"" help:"Erase the device flash"`
	Logs      LogsCmd      `cmd:"" help:"Print the last lines of latest.log"`
	Alerts    AlertsCmd    `cmd:"" help:"Print the last lines of alerts.log"`
	Events    EventsCmd    `cmd:"" help:"Print events from events.jsonl"`
	WaitEvent WaitEventCmd `cmd:"" name:"wait-event" help:"Block until an event of a type arrives"`
	WaitFor   WaitForCmd   `cmd:"" name:"wait-for" help:"Block until device output matches a regex"`
	Ports     PortsCmd     `cmd:"" help:"List serial port candidates"`

	Config     ConfigCmd     `cmd:"" help:"Show configuration"`
	Schema     SchemaCmd     `cmd:"" help:"Print JSON Schema for NDJSON output"`
	Completion CompletionCmd `cmd:"" help:"Generate shell completion"`
	Version    VersionCmd    `cmd:"" help:"Show version"`
}

// Globals carries the parsed root flags to every command
type Globals struct {
	Format  string
	Level   string
	Quiet   bool
	Verbose bool
	BaseDir string
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config
}

// NewGlobalsWithConfig resolves root flags against the loaded config
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	if cfg == nil {
		cfg = config.Default()
	}
	g := &Globals{
		Format:  c.Format,
		Level:   c.Level,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		BaseDir: c.BaseDir,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
	if g.Format == "" || g.Format == "auto" {
		g.Format = "ndjson"
		if output.IsTerminal(os.Stdout) {
			g.Format = "text"
		}
	}
	if g.BaseDir == "" {
		g.BaseDir = cfg.Defaults.BaseDir
	}
	return g
}

// Paths is the session layout for the selected base dir
func (g *Globals) Paths() daemon.Paths {
	dir := g.BaseDir
	if dir == "" && g.Config != nil {
		dir = g.Config.Defaults.BaseDir
	}
	return daemon.NewPaths(dir)
}

// Debug prints a debug line on stderr when --verbose is set
func (g *Globals) Debug(format string, args ...interface{}) {
	if !g.Verbose || g.Stderr == nil {
		return
	}
	fmt.Fprintf(g.Stderr, "[debug] "+format+"\n", args...)
}

// JSON reports whether NDJSON output is selected
func (g *Globals) JSON() bool { return g.Format == "ndjson" }

// result prints the outcome of a lifecycle action in the selected format
func (g *Globals) result(action, message string, data map[string]any) error {
	if g.JSON() {
		return output.NewNDJSONWriter(g.Stdout).WriteResult(action, message, data)
	}
	if g.Quiet {
		return nil
	}
	return output.NewTextWriter(g.Stdout).WriteMessage(message)
}

// VersionCmd prints build information
type VersionCmd struct{}

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.JSON() {
		return output.NewNDJSONWriter(globals.Stdout).Write(map[string]any{
			"type":          "version",
			"schemaVersion": output.SchemaVersion,
			"version":       Version,
			"commit":        Commit,
		})
	}
	_, err := fmt.Fprintf(globals.Stdout, "eab %s (%s)\n", Version, Commit)
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, func()) {
	return daemon.SetupSignalHandler(context.Background())
}
