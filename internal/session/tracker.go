package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/vburojevic/eab/internal/domain"
)

// Counters are the per-session totals published in status.json.
// Every field is safe for concurrent use.
type Counters struct {
	LinesLogged     atomic.Int64
	BytesReceived   atomic.Int64
	CommandsSent    atomic.Int64
	AlertsTriggered atomic.Int64
	Reconnects      atomic.Int64
	USBDisconnects  atomic.Int64
	StreamBytes     atomic.Int64
}

// Snapshot copies the counters into their status.json shape
func (c *Counters) Snapshot() domain.CounterStatus {
	return domain.CounterStatus{
		LinesLogged:     c.LinesLogged.Load(),
		BytesReceived:   c.BytesReceived.Load(),
		CommandsSent:    c.CommandsSent.Load(),
		AlertsTriggered: c.AlertsTriggered.Load(),
	}
}

// Tracker owns the identity and counters of one daemon run
type Tracker struct {
	mu        sync.Mutex
	id        string
	port      string
	baud      int
	baseDir   string
	startedAt time.Time
	clock     clock.Clock

	Counters *Counters
}

// NewTracker creates a new session with a fresh id and zeroed counters
func NewTracker(clk clock.Clock, baseDir, port string, baud int) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Tracker{
		id:        NewID(now),
		port:      port,
		baud:      baud,
		baseDir:   baseDir,
		startedAt: now,
		clock:     clk,
		Counters:  &Counters{},
	}
}

// NewID builds a session id like serial_20250102_130405_1a2b3c4d
func NewID(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "serial_" + now.Format("20060102_150405") + "_" + short
}

// ID returns the session id
func (t *Tracker) ID() string { return t.id }

// BaseDir returns the session directory
func (t *Tracker) BaseDir() string { return t.baseDir }

// StartedAt returns when the daemon started
func (t *Tracker) StartedAt() time.Time { return t.startedAt }

// SetPort records the resolved device path once auto-detection picked one
func (t *Tracker) SetPort(port string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.port = port
}

// Port returns the configured or resolved port and baud
func (t *Tracker) Port() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port, t.baud
}

// Uptime returns how long the session has been running
func (t *Tracker) Uptime() time.Duration {
	return t.clock.Since(t.startedAt)
}

// Start returns the header record for latest.log
func (t *Tracker) Start() domain.SessionStart {
	port, baud := t.Port()
	return domain.SessionStart{
		Session: t.id,
		Port:    port,
		Baud:    baud,
		Started: t.startedAt,
	}
}

// Status returns the session block of status.json
func (t *Tracker) Status() domain.SessionStatus {
	return domain.SessionStatus{
		ID:            t.id,
		Started:       t.startedAt.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(t.Uptime().Seconds()),
	}
}

// GetFinalSummary returns the footer/daemon_stopped record for the session
func (t *Tracker) GetFinalSummary(reason string) *domain.SessionEnd {
	return domain.NewSessionEnd(t.id, reason, domain.SessionSummary{
		LinesLogged:     t.Counters.LinesLogged.Load(),
		CommandsSent:    t.Counters.CommandsSent.Load(),
		AlertsTriggered: t.Counters.AlertsTriggered.Load(),
		DurationSeconds: int64(t.Uptime().Seconds()),
	})
}
