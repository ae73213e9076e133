package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/daemon"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/sessionlog"
	"github.com/vburojevic/eab/internal/transport"
)

const codeCommandFailed = "COMMAND_FAILED"

// SendCmd queues a plain line for the device
type SendCmd struct {
	Text    string        `arg:"" help:"Line to send (a trailing newline is added)"`
	Timeout time.Duration `default:"5s" help:"How long to wait for the daemon to confirm; 0 returns once queued"`
}

// Run executes the send command
func (c *SendCmd) Run(globals *Globals) error {
	if strings.HasPrefix(c.Text, "!") {
		return outputErrorCommon(globals, codeInvalidFlags, "lines starting with '!' are directives",
			"use eab reset, eab pause, eab resume or eab stream")
	}
	return queueAndReport(globals, "send", c.Text, c.Timeout)
}

// ResetCmd queues a hardware reset
type ResetCmd struct {
	Sequence string        `short:"s" default:"hard_reset" enum:"hard_reset,soft_reset,bootloader" help:"Reset sequence"`
	Timeout  time.Duration `default:"5s" help:"How long to wait for the daemon to confirm"`
}

// Run executes the reset command
func (c *ResetCmd) Run(globals *Globals) error {
	text := "!RESET:" + c.Sequence
	if c.Sequence == transport.Bootloader {
		text = "!BOOTLOADER"
	}
	return queueAndReport(globals, "reset", text, c.Timeout)
}

// StreamCmd groups binary passthrough control
type StreamCmd struct {
	Arm    StreamArmCmd    `cmd:"" help:"Switch to binary mode after a line containing MARKER"`
	Disarm StreamDisarmCmd `cmd:"" help:"Return to line mode"`
}

// StreamArmCmd sets the binary marker
type StreamArmCmd struct {
	Marker  string        `arg:"" help:"Marker text"`
	Timeout time.Duration `default:"5s" help:"How long to wait for the daemon to confirm"`
}

// Run executes stream arm
func (c *StreamArmCmd) Run(globals *Globals) error {
	return queueAndReport(globals, "stream_arm", "!STREAM:"+c.Marker, c.Timeout)
}

// StreamDisarmCmd clears binary mode
type StreamDisarmCmd struct {
	Timeout time.Duration `default:"5s" help:"How long to wait for the daemon to confirm"`
}

// Run executes stream disarm
func (c *StreamDisarmCmd) Run(globals *Globals) error {
	return queueAndReport(globals, "stream_disarm", "!STREAM_OFF", c.Timeout)
}

// FlashCmd writes firmware with esptool while the daemon releases the port
type FlashCmd struct {
	Firmware string        `arg:"" type:"existingfile" help:"Firmware image"`
	Timeout  time.Duration `default:"6m" help:"How long to wait for the flash to finish"`
}

// Run executes the flash command
func (c *FlashCmd) Run(globals *Globals) error {
	abs, err := filepath.Abs(c.Firmware)
	if err != nil {
		return outputErrorCommon(globals, codeInvalidFlags, err.Error())
	}
	return queueAndReport(globals, "flash", "!FLASH:"+abs, c.Timeout)
}

// ChipInfoCmd identifies the chip with esptool
type ChipInfoCmd struct {
	Timeout time.Duration `default:"1m" help:"How long to wait for esptool"`
}

// Run executes the chip-info command
func (c *ChipInfoCmd) Run(globals *Globals) error {
	return queueAndReport(globals, "chip_info", "!CHIP_INFO", c.Timeout)
}

// EraseCmd erases the whole flash with esptool
type EraseCmd struct {
	Timeout time.Duration `default:"3m" help:"How long to wait for the erase to finish"`
}

// Run executes the erase command
func (c *EraseCmd) Run(globals *Globals) error {
	return queueAndReport(globals, "erase", "!ERASE", c.Timeout)
}

// queueAndReport appends text to cmd.txt and waits for the daemon's
// command_result (or command_rejected) for it
func queueAndReport(globals *Globals, action, text string, timeout time.Duration) error {
	log := newAgentLogger(globals, action)
	// the mailbox drops the line terminator and nothing else
	text = strings.TrimRight(text, "\r\n")
	paths := globals.Paths()
	state, pid, err := daemon.Probe(paths.PID)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	if state != daemon.StateRunning {
		return outputErrorCommon(globals, codeDaemonNotRunning, "no daemon running for "+paths.Dir, "start one with eab start --detach")
	}
	log.Debug("queueing %q for daemon pid %d", text, pid)

	offset := sessionlog.Size(paths.Events)
	if err := cmdqueue.Append(paths.Commands, text); err != nil {
		if errors.Is(err, cmdqueue.ErrMalformed) {
			return outputErrorCommon(globals, codeInvalidFlags, err.Error())
		}
		return outputErrorCommon(globals, codeQueueFailed, err.Error())
	}
	if timeout <= 0 {
		return globals.result(action, "queued "+text, map[string]any{"command": text, "queued": true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var reply domain.Event
	_, err = events.Follow(ctx, paths.Events, offset, 50*time.Millisecond, func(ev domain.Event) bool {
		if ev.Type != domain.EventCommandResult && ev.Type != domain.EventCommandRejected {
			return false
		}
		if ev.Data["command"] != text {
			return false
		}
		reply = ev
		return true
	})
	if reply.Type == "" {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
		}
		return outputErrorCommon(globals, codeWaitTimeout,
			fmt.Sprintf("daemon did not confirm %q within %s", text, timeout),
			"the command may still run; check eab events --type command_result")
	}
	log.Debug("reply %s seq %d", reply.Type, reply.Sequence)

	if reply.Type == domain.EventCommandRejected {
		return outputErrorCommon(globals, codeInvalidFlags, fmt.Sprintf("daemon rejected %q: %v", text, reply.Data["error"]))
	}
	if ok, _ := reply.Data["ok"].(bool); !ok {
		return outputErrorCommon(globals, codeCommandFailed, fmt.Sprintf("%s: %v", text, reply.Data["error"]))
	}
	return globals.result(action, fmt.Sprint(reply.Data["result"]), map[string]any{
		"command":  text,
		"result":   reply.Data["result"],
		"sequence": reply.Sequence,
	})
}

// sameNumber compares a decoded JSON number with n
func sameNumber(v any, n int) bool {
	switch x := v.(type) {
	case float64:
		return x == float64(n)
	case json.Number:
		i, err := x.Int64()
		return err == nil && i == int64(n)
	case int:
		return x == n
	case int64:
		return x == int64(n)
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
