package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another daemon owns the session directory
var ErrAlreadyRunning = errors.New("daemon already running")

// ProcessState describes the daemon process behind a session directory
type ProcessState string

const (
	// StateRunning means the PID file exists and the process is alive.
	StateRunning ProcessState = "running"
	// StateStopped means no PID file exists.
	StateStopped ProcessState = "stopped"
	// StateStale means the PID file exists but the process is dead.
	StateStale ProcessState = "stale"
)

// WritePIDFile writes pid to path
func WritePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID stored at path
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. No error if it is already gone.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive checks whether pid exists by sending signal 0
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Probe inspects the PID file at pidPath. Returns the state and the PID (0 if stopped).
func Probe(pidPath string) (ProcessState, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateStopped, 0, nil
		}
		return StateStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StateRunning, pid, nil
	}
	return StateStale, pid, nil
}

// Signal reads the PID file and sends sig to the daemon
func Signal(pidPath string, sig syscall.Signal) (int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return pid, fmt.Errorf("send %s to PID %d: %w", sig, pid, err)
	}
	return pid, nil
}

// Singleton is the flock on daemon.lock that makes a session directory single-owner
type Singleton struct {
	file *os.File
}

// AcquireSingleton takes the session lock without blocking
func AcquireSingleton(path string) (*Singleton, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &Singleton{file: f}, nil
}

// Release drops the session lock; safe to call twice
func (s *Singleton) Release() error {
	if s == nil || s.file == nil {
		return nil
	}
	_ = unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	err := s.file.Close()
	s.file = nil
	return err
}

// SetupSignalHandler cancels the returned context on SIGTERM or SIGINT.
// Callers should defer the stop function.
func SetupSignalHandler(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
