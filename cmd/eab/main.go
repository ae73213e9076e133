package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/vburojevic/eab/internal/cli"
	"github.com/vburojevic/eab/internal/config"
)

const quickStart = `eab - serial monitor daemon for embedded boards and AI agents

Quick start:
  eab ports                             List serial devices
  eab start --detach                    Start the daemon on the best port
  eab logs -F                           Follow device output
  eab send "AT+GMR"                     Send a line to the device
  eab flash build/app.bin               Flash firmware through the daemon
  eab status                            Connection, health and counters

For help:
  eab --help                            All commands and flags
  eab schema                            JSON Schema of the NDJSON output
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Config values become flag defaults; explicit flags still win
	vars := kong.Vars{
		"config_format":   cfg.Format,
		"config_level":    cfg.Level,
		"config_base_dir": cfg.Defaults.BaseDir,
		"config_port":     cfg.Defaults.Port,
		"config_baud":     strconv.Itoa(cfg.Defaults.Baud),
	}

	ctx := kong.Parse(&c,
		kong.Name("eab"),
		kong.Description("eab: keeps a serial port open, logs device output and exposes it to agents through files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
