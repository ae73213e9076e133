package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LockOwner is written next to the lock file so other tools can see who holds the port
type LockOwner struct {
	PID      int    `json:"pid"`
	Port     string `json:"port"`
	Owner    string `json:"owner"`
	Acquired string `json:"acquired"`
}

// PortLock is an exclusive advisory lock on one serial device
type PortLock struct {
	file     *os.File
	infoPath string
}

// LockName turns a device path into a lock file stem (/dev/ttyUSB0 -> ttyUSB0)
func LockName(port string) string {
	name := strings.TrimPrefix(port, "/dev/")
	name = strings.ReplaceAll(name, "/", "_")
	if name == "" {
		name = "unknown"
	}
	return name
}

// AcquirePortLock takes a non-blocking flock on <dir>/<port>.lock
func AcquirePortLock(dir, port, owner string) (*PortLock, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "eab-locks")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	name := LockName(port)
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		infoPath := filepath.Join(dir, name+".info")
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder, ok := readOwner(infoPath); ok {
				return nil, fmt.Errorf("%s locked by pid %d (%s): %w", port, holder.PID, holder.Owner, ErrPortUnavailable)
			}
			return nil, fmt.Errorf("%s locked by another process: %w", port, ErrPortUnavailable)
		}
		return nil, fmt.Errorf("lock %s: %w", port, err)
	}

	l := &PortLock{file: f, infoPath: filepath.Join(dir, name+".info")}
	info := LockOwner{
		PID:      os.Getpid(),
		Port:     port,
		Owner:    owner,
		Acquired: time.Now().UTC().Format(time.RFC3339),
	}
	if b, err := json.Marshal(info); err == nil {
		_ = os.WriteFile(l.infoPath, b, 0o644)
	}
	return l, nil
}

// Release drops the lock; safe to call on nil or twice
func (l *PortLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.infoPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	return err
}

func readOwner(path string) (LockOwner, bool) {
	var info LockOwner
	b, err := os.ReadFile(path)
	if err != nil {
		return info, false
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, false
	}
	return info, true
}

// LockHolder reports who holds the lock on port, from the owner file next to it
func LockHolder(dir, port string) (LockOwner, bool) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "eab-locks")
	}
	return readOwner(filepath.Join(dir, LockName(port)+".info"))
}
