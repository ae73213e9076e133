// Package device carries out queued commands: plain lines go to the serial
// port, '!' directives drive resets, pause leases, binary streaming and
// external flashing tools.
package device

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/session"
	"github.com/vburojevic/eab/internal/transport"
	"go.uber.org/zap"
)

// Transport is the serial side of the controller
type Transport interface {
	Write(p []byte) (int, error)
	Reset(sequence string) error
	PortName() string
}

// Pauser grants and releases the port lease. Pause reports whether the call
// started a new lease or extended the one already held.
type Pauser interface {
	Pause(d time.Duration, reason string) (lease domain.PauseLease, created bool, err error)
	Resume(reason string) bool
}

// Recovery is told about manual resets so it can re-arm
type Recovery interface {
	ExternalReset(now time.Time)
}

// Streamer switches binary passthrough on and off
type Streamer interface {
	Arm(marker string) error
	Disarm() bool
}

// Journal records commands in the session log
type Journal interface {
	Command(cmd string, ts time.Time) error
	Notice(msg string, ts time.Time) error
}

// Emitter appends to the event log
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// Runner executes an external tool and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs tools with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures a Controller
type Options struct {
	Esptool      string
	FlashBaud    int
	FlashAddress string
	ToolTimeout  time.Duration

	Runner   Runner
	Pauser   Pauser
	Recovery Recovery
	Streamer Streamer
	Journal  Journal
	Events   Emitter
	Counters *session.Counters
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Controller implements cmdqueue.Dispatcher
type Controller struct {
	transport Transport
	opts      Options
	clock     clock.Clock
	logger    *zap.Logger

	wg     sync.WaitGroup
	toolMu sync.Mutex
}

var _ cmdqueue.Dispatcher = (*Controller)(nil)

// New creates a controller
func New(t Transport, opts Options) *Controller {
	if opts.Esptool == "" {
		opts.Esptool = "esptool.py"
	}
	if opts.FlashBaud <= 0 {
		opts.FlashBaud = 460800
	}
	if opts.FlashAddress == "" {
		opts.FlashAddress = "0x0"
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 5 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if opts.Counters == nil {
		opts.Counters = &session.Counters{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{transport: t, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// Dispatch executes one accepted queue entry
func (c *Controller) Dispatch(ctx context.Context, e cmdqueue.Entry) {
	now := c.clock.Now()
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Command(e.Text, now); err != nil {
			c.logger.Warn("journal command", zap.Error(err))
		}
	}
	c.opts.Counters.CommandsSent.Add(1)
	c.logger.Info("command", zap.String("command", e.Text), zap.Bool("directive", e.IsDirective))
	c.emit(domain.EventCommandSent, map[string]any{"command": e.Text, "special": e.IsDirective})

	if e.Directive == nil {
		_, err := c.transport.Write([]byte(e.Text + "\n"))
		c.finish(e.Text, "sent", err)
		return
	}

	d := e.Directive
	switch d.Kind {
	case cmdqueue.KindReset:
		c.finish(e.Text, "device reset ("+d.Arg+")", c.reset(d.Arg, "command"))
	case cmdqueue.KindBootloader:
		c.finish(e.Text, "bootloader entered", c.reset(transport.Bootloader, "command"))
	case cmdqueue.KindPause:
		c.pause(e.Text, d)
	case cmdqueue.KindResume:
		if c.opts.Pauser == nil || !c.opts.Pauser.Resume("command") {
			c.finish(e.Text, "not paused", nil)
			return
		}
		c.finish(e.Text, "resumed", nil)
	case cmdqueue.KindStream:
		c.finish(e.Text, "binary stream armed on "+strconv.Quote(d.Arg), c.arm(d.Arg))
	case cmdqueue.KindStreamOff:
		if c.opts.Streamer == nil || !c.opts.Streamer.Disarm() {
			c.finish(e.Text, "binary stream was not armed", nil)
			return
		}
		c.finish(e.Text, "binary stream disarmed", nil)
	case cmdqueue.KindChipInfo:
		c.runTool(ctx, e.Text, "chip_info", "chip-id")
	case cmdqueue.KindErase:
		c.runTool(ctx, e.Text, "erase", "erase-flash")
	case cmdqueue.KindFlash:
		if _, err := os.Stat(d.Arg); err != nil {
			c.finish(e.Text, "", fmt.Errorf("firmware not found: %w", err))
			return
		}
		c.runTool(ctx, e.Text, "flash", "--baud", strconv.Itoa(c.opts.FlashBaud), "write-flash", c.opts.FlashAddress, d.Arg)
	default:
		c.finish(e.Text, "", fmt.Errorf("unsupported directive %s", d.Kind))
	}
}

// Reject reports an entry that never reached the device
func (c *Controller) Reject(text string, err error) {
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	c.logger.Warn("command rejected", zap.String("command", text), zap.Error(err))
	if c.opts.Journal != nil {
		_ = c.opts.Journal.Notice("rejected command: "+err.Error(), c.clock.Now())
	}
	c.emit(domain.EventCommandRejected, map[string]any{"command": text, "error": err.Error()})
}

// Reset issues a hardware reset on behalf of source and tells recovery about it
func (c *Controller) Reset(sequence, source string) error {
	return c.reset(sequence, source)
}

func (c *Controller) reset(sequence, source string) error {
	err := c.transport.Reset(sequence)
	data := map[string]any{"sequence": sequence, "source": source}
	if err != nil {
		data["error"] = err.Error()
	}
	c.emit(domain.EventResetIssued, data)
	if err == nil && c.opts.Recovery != nil {
		c.opts.Recovery.ExternalReset(c.clock.Now())
	}
	return err
}

func (c *Controller) pause(text string, d *cmdqueue.Directive) {
	if c.opts.Pauser == nil {
		c.finish(text, "", fmt.Errorf("pause not available"))
		return
	}
	lease, _, err := c.opts.Pauser.Pause(d.Duration, d.Reason)
	if err != nil {
		c.finish(text, "", err)
		return
	}
	c.finish(text, "paused until "+lease.ExpiresAt.UTC().Format(time.RFC3339), nil)
}

func (c *Controller) arm(marker string) error {
	if c.opts.Streamer == nil {
		return fmt.Errorf("binary streaming not available")
	}
	return c.opts.Streamer.Arm(marker)
}

// runTool releases the port through a pause lease and runs the tool in its
// own goroutine. Tools run one at a time.
func (c *Controller) runTool(ctx context.Context, text, action string, args ...string) {
	port := c.transport.PortName()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.toolMu.Lock()
		defer c.toolMu.Unlock()

		full := append([]string{"--port", port}, args...)
		// a lease someone else already holds outlives the tool
		ownLease := false
		if c.opts.Pauser != nil {
			_, created, err := c.opts.Pauser.Pause(c.opts.ToolTimeout+10*time.Second, "tool:"+action)
			if err != nil {
				c.finish(text, "", fmt.Errorf("release port for %s: %w", action, err))
				return
			}
			ownLease = created
		}
		c.emit(domain.EventToolStarted, map[string]any{"tool": c.opts.Esptool, "action": action, "args": full})
		c.logger.Info("running tool", zap.String("tool", c.opts.Esptool), zap.Strings("args", full))

		tctx, cancel := context.WithTimeout(ctx, c.opts.ToolTimeout)
		started := c.clock.Now()
		out, err := c.opts.Runner(tctx, c.opts.Esptool, full...)
		cancel()
		if tctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%s timed out after %s", action, c.opts.ToolTimeout)
		}

		if ownLease {
			c.opts.Pauser.Resume("tool_finished")
		}
		c.emit(domain.EventToolFinished, map[string]any{
			"tool":     c.opts.Esptool,
			"action":   action,
			"ok":       err == nil,
			"duration": c.clock.Since(started).Seconds(),
			"output":   tail(string(out), 500),
		})

		result := action + " complete"
		if action == "chip_info" {
			result = strings.TrimSpace(tail(string(out), 500))
		}
		if err != nil {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(tail(string(out), 200)))
		}
		c.finish(text, result, err)
	}()
}

// Wait blocks until running tools have finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) finish(text, result string, err error) {
	data := map[string]any{"command": text, "ok": err == nil}
	msg := "OK: " + result
	if err != nil {
		msg = "ERROR: " + err.Error()
		data["error"] = err.Error()
		c.logger.Warn("command failed", zap.String("command", text), zap.Error(err))
	} else {
		data["result"] = result
	}
	if c.opts.Journal != nil && strings.HasPrefix(text, "!") {
		_ = c.opts.Journal.Notice(msg, c.clock.Now())
	}
	c.emit(domain.EventCommandResult, data)
}

func (c *Controller) emit(eventType string, data map[string]any) {
	if c.opts.Events != nil {
		c.opts.Events.Emit(eventType, data)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
