package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/domain"
)

func TestTextStatusTable(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewTextWriter(buf)

	snap := &domain.StatusSnapshot{
		Session:     domain.SessionStatus{ID: "session_20260101_000000_ab12", UptimeSeconds: 42},
		Connection:  domain.ConnectionStatus{Port: "/dev/ttyUSB0", Baud: 115200, Status: domain.ConnConnected},
		Health:      domain.HealthStatus{Status: domain.HealthStuck, RecoveryAttempts: 2, Recovering: true},
		Patterns:    map[string]int{"CRASH": 3, "WIFI": 0},
		LastUpdated: "2026-01-01T00:00:42Z",
	}
	require.NoError(t, w.WriteStatus("running", 99, true, snap))

	out := buf.String()
	assert.Contains(t, out, "Daemon: running (pid 99) [status stale]")
	assert.Contains(t, out, "/dev/ttyUSB0 @ 115200")
	assert.Contains(t, out, "stuck")
	assert.Contains(t, out, "attempts=2")
	assert.Contains(t, out, "pattern CRASH")
	assert.NotContains(t, out, "pattern WIFI")
	assert.NotContains(t, out, "\x1b[", "no color when not a terminal")
}

func TestTextStatusWithoutSnapshot(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewTextWriter(buf).WriteStatus("stopped", 0, false, nil))
	assert.Equal(t, "Daemon: stopped\n", buf.String())
}

func TestTextEventSortsData(t *testing.T) {
	buf := &bytes.Buffer{}
	ev := domain.Event{
		Type:      domain.EventResetIssued,
		Sequence:  3,
		Timestamp: time.Date(2026, 1, 1, 10, 0, 1, 5e6, time.Local),
		Data:      map[string]any{"source": "auto", "sequence": "hard_reset"},
	}
	require.NoError(t, NewTextWriter(buf).WriteEvent(ev))
	assert.Equal(t, "#3 10:00:01.005 reset_issued sequence=hard_reset source=auto\n", buf.String())
}

func TestTextPorts(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewTextWriter(buf)
	require.NoError(t, w.WritePorts(nil))
	assert.Contains(t, buf.String(), "No serial ports found")

	buf.Reset()
	require.NoError(t, w.WritePorts([]PortOutput{{Name: "/dev/ttyUSB0", Locked: true, Owner: "pid 12"}}))
	assert.Contains(t, buf.String(), "/dev/ttyUSB0")
	assert.Contains(t, buf.String(), "pid 12")
}
