package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/domain"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	dec := json.NewDecoder(buf)
	var m map[string]interface{}
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestWriteError(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	require.NoError(t, w.WriteError("DAEMON_NOT_RUNNING", "no daemon for /tmp/eab", "run eab start"))

	m := decodeLine(t, buf)
	require.Equal(t, "error", m["type"])
	require.EqualValues(t, 1, m["schemaVersion"])
	require.Equal(t, "DAEMON_NOT_RUNNING", m["code"])
	require.Equal(t, "no daemon for /tmp/eab", m["message"])
	require.Equal(t, "run eab start", m["hint"])
}

func TestWriteErrorWithoutHint(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewNDJSONWriter(buf).WriteError("INVALID_FLAGS", "bad"))

	m := decodeLine(t, buf)
	_, ok := m["hint"]
	require.False(t, ok)
}

func TestWriteStatusEmbedsSnapshot(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	snap := &domain.StatusSnapshot{
		Connection: domain.ConnectionStatus{Port: "/dev/ttyUSB0", Baud: 115200, Status: domain.ConnConnected},
		Health:     domain.HealthStatus{Status: domain.HealthIdle, IdleSeconds: 130},
		Pause:      &domain.PauseStatus{Active: true, Reason: "ota", ExpiresAt: "2026-01-01T00:00:30Z"},
	}
	require.NoError(t, w.WriteStatus("running", 4242, false, snap))

	m := decodeLine(t, buf)
	require.Equal(t, "status", m["type"])
	require.Equal(t, "running", m["daemon"])
	require.EqualValues(t, 4242, m["pid"])
	status := m["status"].(map[string]interface{})
	require.Equal(t, "idle", status["health"].(map[string]interface{})["status"])
	require.Equal(t, true, status["pause"].(map[string]interface{})["active"])
}

func TestWriteEventAndLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewNDJSONWriter(buf)

	ev := domain.Event{Type: domain.EventAlert, Sequence: 7, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Data: map[string]any{"category": "CRASH"}}
	require.NoError(t, w.WriteEvent(ev))
	require.NoError(t, w.WriteLine("latest.log", "[00:00:00.000] <b>boot</b>"))

	m := decodeLine(t, buf)
	require.Equal(t, "event", m["type"])
	inner := m["event"].(map[string]interface{})
	require.EqualValues(t, 7, inner["sequence"])
	require.Equal(t, "alert", inner["type"])

	m = decodeLine(t, buf)
	require.Equal(t, "line", m["type"])
	require.Equal(t, "[00:00:00.000] <b>boot</b>", m["line"], "HTML is not escaped")
}

func TestWritePortStampsType(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewNDJSONWriter(buf).WritePort(PortOutput{Name: "/dev/cu.usbmodem101", Rank: 0}))

	m := decodeLine(t, buf)
	require.Equal(t, "port", m["type"])
	require.EqualValues(t, SchemaVersion, m["schemaVersion"])
	require.Equal(t, false, m["locked"])
}
