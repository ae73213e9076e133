// Package sessionlog writes latest.log and alerts.log.
package sessionlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vburojevic/eab/internal/domain"
)

const recentLines = 500

// Options controls rotation for both logs
type Options struct {
	MaxBytes int64
	MaxFiles int
}

// Logger is the human-readable session log (latest.log)
type Logger struct {
	r *rotation

	mu     sync.Mutex
	recent []string
	next   int
	filled bool
}

// Open opens (or continues) the session log at path
func Open(path string, opts Options) (*Logger, error) {
	r, err := openRotation(path, opts.MaxBytes, opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	return &Logger{r: r, recent: make([]string, recentLines)}, nil
}

func stamp(ts time.Time) string {
	return "[" + ts.Format(domain.ClockFormat) + "] "
}

// Device logs a line received from the device
func (l *Logger) Device(text string, ts time.Time) error {
	l.remember(text)
	return l.r.WriteLine(stamp(ts) + text)
}

// Command logs a line sent to the device or a directive
func (l *Logger) Command(cmd string, ts time.Time) error {
	return l.r.WriteLine(stamp(ts) + ">>> CMD: " + cmd)
}

// Notice logs a daemon-internal message
func (l *Logger) Notice(msg string, ts time.Time) error {
	return l.r.WriteLine(stamp(ts) + "[EAB] " + msg)
}

// Header writes the session start banner
func (l *Logger) Header(s domain.SessionStart) error {
	sep := strings.Repeat("=", 80)
	lines := []string{
		sep,
		"SESSION: " + s.Session,
		"PORT: " + s.Port,
		fmt.Sprintf("BAUD: %d", s.Baud),
		"STARTED: " + s.Started.Format(time.RFC3339),
		sep,
	}
	for _, line := range lines {
		if err := l.r.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

// Footer writes the session end banner
func (l *Logger) Footer(e *domain.SessionEnd) error {
	sep := strings.Repeat("=", 80)
	lines := []string{
		sep,
		"SESSION ENDED: " + e.Session + " (" + e.Reason + ")",
		"DURATION: " + (time.Duration(e.Summary.DurationSeconds) * time.Second).String(),
		fmt.Sprintf("LINES LOGGED: %d", e.Summary.LinesLogged),
		fmt.Sprintf("COMMANDS SENT: %d", e.Summary.CommandsSent),
		sep,
	}
	for _, line := range lines {
		if err := l.r.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logger) remember(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent[l.next] = text
	l.next = (l.next + 1) % len(l.recent)
	if l.next == 0 {
		l.filled = true
	}
}

// Recent returns up to n most recent device lines, oldest first
func (l *Logger) Recent(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.next
	if l.filled {
		count = len(l.recent)
	}
	if n > count {
		n = count
	}
	out := make([]string, 0, n)
	for i := n; i > 0; i-- {
		idx := (l.next - i + len(l.recent)) % len(l.recent)
		out = append(out, l.recent[idx])
	}
	return out
}

// Close flushes and closes the file
func (l *Logger) Close() error {
	return l.r.Close()
}

// AlertLog is the filtered alert store (alerts.log)
type AlertLog struct {
	r *rotation
}

// OpenAlerts opens (or continues) alerts.log at path
func OpenAlerts(path string, opts Options) (*AlertLog, error) {
	r, err := openRotation(path, opts.MaxBytes, opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	return &AlertLog{r: r}, nil
}

// Append writes one alert record
func (a *AlertLog) Append(rec domain.AlertRecord) error {
	return a.r.WriteLine(rec.Format())
}

// Close flushes and closes the file
func (a *AlertLog) Close() error {
	return a.r.Close()
}
