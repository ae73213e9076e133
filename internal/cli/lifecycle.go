package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/daemon"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/output"
	"github.com/vburojevic/eab/internal/sessionlog"
	"github.com/vburojevic/eab/internal/status"
	"github.com/vburojevic/eab/internal/transport"
)

// detachedEnv marks the re-executed background daemon
const detachedEnv = "EAB_DETACHED"

// StartCmd runs the daemon in the foreground, or in the background with --detach
type StartCmd struct {
	Port    string        `short:"p" default:"${config_port}" help:"Serial device path or 'auto'"`
	Baud    int           `short:"b" default:"${config_baud}" help:"Line speed"`
	Detach  bool          `help:"Run the daemon in the background and return once it is up"`
	Force   bool          `help:"Stop a running daemon for this base dir first"`
	Timeout time.Duration `default:"15s" help:"How long --detach and --force wait"`
}

// Run executes the start command
func (c *StartCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, false); err != nil {
		return err
	}
	if c.Baud <= 0 {
		return outputErrorCommon(globals, codeInvalidFlags, fmt.Sprintf("invalid baud rate %d", c.Baud))
	}
	paths := globals.Paths()

	state, pid, err := daemon.Probe(paths.PID)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	switch state {
	case daemon.StateRunning:
		if !c.Force {
			return outputErrorCommon(globals, codeDaemonRunning,
				fmt.Sprintf("daemon already running for %s (pid %d)", paths.Dir, pid),
				"use --force to replace it or run eab stop")
		}
		globals.Debug("stopping daemon pid %d before start", pid)
		if _, err := stopDaemon(paths, c.Timeout); err != nil {
			return outputErrorCommon(globals, codeDaemonRunning, err.Error())
		}
	case daemon.StateStale:
		globals.Debug("removing stale PID file for pid %d", pid)
		_ = daemon.RemovePIDFile(paths.PID)
	}

	if c.Detach && os.Getenv(detachedEnv) == "" {
		return c.spawn(globals, paths)
	}
	return c.runForeground(globals, paths)
}

func (c *StartCmd) runForeground(globals *Globals, paths daemon.Paths) error {
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return outputErrorCommon(globals, codeStartFailed, fmt.Sprintf("create %s: %v", paths.Dir, err))
	}
	logger, err := newDaemonLogger(globals, paths.DaemonLog)
	if err != nil {
		return outputErrorCommon(globals, codeStartFailed, fmt.Sprintf("create daemon logger: %v", err))
	}
	defer logger.Sync()

	ready := make(chan struct{})
	d, err := daemon.New(daemon.Options{
		Config:  globals.Config,
		Port:    c.Port,
		Baud:    c.Baud,
		BaseDir: paths.Dir,
		Logger:  logger,
		Ready:   ready,
	})
	if err != nil {
		return outputErrorCommon(globals, codeInvalidFlags, err.Error(), "check patterns.extra in the config file")
	}

	ctx, stop := daemon.SetupSignalHandler(context.Background())
	defer stop()

	go func() {
		select {
		case <-ready:
			globals.result("start", fmt.Sprintf("daemon running on %s (pid %d), Ctrl-C to stop", c.Port, os.Getpid()),
				map[string]any{"pid": os.Getpid(), "base_dir": paths.Dir, "port": c.Port, "baud": c.Baud})
		case <-ctx.Done():
		}
	}()

	err = d.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return outputErrorCommon(globals, codeDaemonRunning, fmt.Sprintf("another daemon owns %s", paths.Dir), "run eab stop first")
	case errors.Is(err, transport.ErrPortUnavailable), errors.Is(err, transport.ErrDeviceNotFound):
		return outputErrorCommon(globals, codePortUnavailable, err.Error(), "check the cable, or pass --port with an explicit device; eab ports lists candidates")
	default:
		return outputErrorCommon(globals, codeStartFailed, err.Error())
	}
}

// spawn re-executes eab in a new session and waits for its daemon_started event
func (c *StartCmd) spawn(globals *Globals, paths daemon.Paths) error {
	exe, err := os.Executable()
	if err != nil {
		return outputErrorCommon(globals, codeStartFailed, fmt.Sprintf("locate executable: %v", err))
	}
	offset := sessionlog.Size(paths.Events)

	args := []string{
		"--base-dir", paths.Dir,
		"--format", "ndjson",
		"--level", globals.Level,
		"start",
		"--port", c.Port,
		"--baud", strconv.Itoa(c.Baud),
	}
	if globals.Verbose {
		args = append([]string{"--verbose"}, args...)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return outputErrorCommon(globals, codeStartFailed, fmt.Sprintf("spawn daemon: %v", err))
	}
	childPID := cmd.Process.Pid
	globals.Debug("spawned daemon pid %d", childPID)

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			// let Follow see daemon_stopped before giving up
			time.Sleep(200 * time.Millisecond)
			cancel()
		case <-ctx.Done():
		}
	}()

	var outcome domain.Event
	_, err = events.Follow(ctx, paths.Events, offset, 50*time.Millisecond, func(ev domain.Event) bool {
		if !sameNumber(ev.Data["pid"], childPID) {
			return false
		}
		if ev.Type == domain.EventDaemonStarted || ev.Type == domain.EventDaemonStopped {
			outcome = ev
			return true
		}
		return false
	})

	switch {
	case outcome.Type == domain.EventDaemonStarted:
		return globals.result("start", fmt.Sprintf("daemon started on %v (pid %d)", outcome.Data["port"], childPID),
			map[string]any{"pid": childPID, "base_dir": paths.Dir, "port": outcome.Data["port"], "session": outcome.Data["session"]})
	case outcome.Type == domain.EventDaemonStopped:
		msg := fmt.Sprint(outcome.Data["error"])
		code := codeStartFailed
		if outcome.Data["error"] == nil {
			msg = "daemon exited during startup"
		}
		if containsAny(msg, transport.ErrPortUnavailable.Error(), transport.ErrDeviceNotFound.Error()) {
			code = codePortUnavailable
		}
		return outputErrorCommon(globals, code, msg, "see "+paths.DaemonLog)
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		return outputErrorCommon(globals, codeStartFailed, fmt.Sprintf("daemon did not report ready within %s", c.Timeout), "see "+paths.DaemonLog)
	default:
		return outputErrorCommon(globals, codeStartFailed, "daemon exited during startup", "see "+paths.DaemonLog)
	}
}

// StopCmd stops the daemon
type StopCmd struct {
	Timeout time.Duration `default:"10s" help:"How long to wait for a clean shutdown before SIGKILL"`
}

// Run executes the stop command
func (c *StopCmd) Run(globals *Globals) error {
	paths := globals.Paths()
	state, pid, err := daemon.Probe(paths.PID)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	switch state {
	case daemon.StateStopped:
		return outputErrorCommon(globals, codeDaemonNotRunning, "no daemon running for "+paths.Dir)
	case daemon.StateStale:
		_ = daemon.RemovePIDFile(paths.PID)
		return outputErrorCommon(globals, codeDaemonNotRunning,
			fmt.Sprintf("daemon pid %d is not running", pid), "removed the stale PID file")
	}

	killed, err := stopDaemon(paths, c.Timeout)
	if err != nil {
		return outputErrorCommon(globals, codeStopFailed, err.Error())
	}
	msg := fmt.Sprintf("daemon stopped (pid %d)", pid)
	if killed {
		msg = fmt.Sprintf("daemon killed after %s (pid %d)", c.Timeout, pid)
	}
	return globals.result("stop", msg, map[string]any{"pid": pid, "killed": killed})
}

// stopDaemon sends SIGTERM and waits, escalating to SIGKILL after timeout
func stopDaemon(paths daemon.Paths, timeout time.Duration) (bool, error) {
	pid, err := daemon.Signal(paths.PID, syscall.SIGTERM)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.IsProcessAlive(pid) {
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	_ = daemon.RemovePIDFile(paths.PID)
	return true, nil
}

// StatusCmd reports the daemon process and the latest status.json
type StatusCmd struct {
	JSON   bool          `help:"Print NDJSON regardless of --format"`
	MaxAge time.Duration `default:"5s" help:"Age after which status.json is reported stale"`
}

// Run executes the status command
func (c *StatusCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, c.JSON); err != nil {
		return err
	}
	paths := globals.Paths()
	state, pid, err := daemon.Probe(paths.PID)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	snap, err := status.Load(paths.Status)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error(), "the daemon rewrites status.json every second")
	}
	stale := state == daemon.StateRunning && status.Stale(snap, time.Now(), c.MaxAge)

	if c.JSON || globals.JSON() {
		return output.NewNDJSONWriter(globals.Stdout).WriteStatus(string(state), pid, stale, snap)
	}
	return output.NewTextWriter(globals.Stdout).WriteStatus(string(state), pid, stale, snap)
}

// PauseCmd asks the daemon to release the port
type PauseCmd struct {
	Seconds float64       `arg:"" help:"Lease length in seconds"`
	Reason  string        `default:"cli" help:"Reason recorded with the lease"`
	Timeout time.Duration `default:"5s" help:"How long to wait for the daemon to confirm"`
}

// Run executes the pause command
func (c *PauseCmd) Run(globals *Globals) error {
	if c.Seconds <= 0 || math.IsNaN(c.Seconds) {
		return outputErrorCommon(globals, codeInvalidFlags, "pause duration must be positive")
	}
	if c.Seconds > cmdqueue.MaxPause.Seconds() {
		return outputErrorCommon(globals, codeInvalidFlags, fmt.Sprintf("pause is limited to %s", cmdqueue.MaxPause))
	}
	text := "!PAUSE:" + strconv.FormatFloat(c.Seconds, 'f', -1, 64)
	if c.Reason != "" {
		text += ":" + c.Reason
	}
	return queueAndReport(globals, "pause", text, c.Timeout)
}

// ResumeCmd asks the daemon to take the port back
type ResumeCmd struct {
	Timeout time.Duration `default:"10s" help:"How long to wait for the daemon to confirm"`
}

// Run executes the resume command
func (c *ResumeCmd) Run(globals *Globals) error {
	return queueAndReport(globals, "resume", "!RESUME", c.Timeout)
}
