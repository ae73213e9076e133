package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/domain"
)

var ts = time.Date(2025, 6, 1, 9, 8, 7, 123_000_000, time.UTC)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestLoggerLineFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	l, err := Open(path, Options{})
	require.NoError(t, err)

	require.NoError(t, l.Device("I (100) main: hello", ts))
	require.NoError(t, l.Command("!RESET", ts))
	require.NoError(t, l.Notice("health: healthy -> idle", ts))

	// every line is flushed as it is written
	content := readFile(t, path)
	assert.Equal(t, "[09:08:07.123] I (100) main: hello\n"+
		"[09:08:07.123] >>> CMD: !RESET\n"+
		"[09:08:07.123] [EAB] health: healthy -> idle\n", content)
	require.NoError(t, l.Close())
}

func TestLoggerHeaderFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	l, err := Open(path, Options{})
	require.NoError(t, err)

	require.NoError(t, l.Header(domain.SessionStart{Session: "serial_1", Port: "/dev/ttyUSB0", Baud: 115200, Started: ts}))
	require.NoError(t, l.Footer(domain.NewSessionEnd("serial_1", "signal", domain.SessionSummary{LinesLogged: 12, CommandsSent: 3, DurationSeconds: 65})))
	require.NoError(t, l.Close())

	content := readFile(t, path)
	assert.Contains(t, content, strings.Repeat("=", 80))
	assert.Contains(t, content, "SESSION: serial_1")
	assert.Contains(t, content, "PORT: /dev/ttyUSB0")
	assert.Contains(t, content, "BAUD: 115200")
	assert.Contains(t, content, "SESSION ENDED: serial_1 (signal)")
	assert.Contains(t, content, "DURATION: 1m5s")
	assert.Contains(t, content, "LINES LOGGED: 12")
	assert.Contains(t, content, "COMMANDS SENT: 3")
}

func TestLoggerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")

	l, err := Open(path, Options{MaxBytes: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, l.Device("first run", ts))
	require.NoError(t, l.Close())

	l, err = Open(path, Options{MaxBytes: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, l.Device("second run", ts))
	require.NoError(t, l.Close())

	content := readFile(t, path)
	assert.Contains(t, content, "first run")
	assert.Contains(t, content, "second run")
}

func TestRotationShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")

	l, err := Open(path, Options{MaxBytes: 64, MaxFiles: 2})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, l.Device(fmt.Sprintf("line %02d padding-padding", i), ts))
	}
	require.NoError(t, l.Close())

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only max_files backups are kept")

	// the newest line is never lost across a rotation
	all := readFile(t, path) + readFile(t, path+".1")
	assert.Contains(t, all, "line 11")
}

func TestOpenRotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 200)+"\n"), 0o644))

	a, err := OpenAlerts(path, Options{MaxBytes: 100, MaxFiles: 3})
	require.NoError(t, err)
	require.NoError(t, a.Append(domain.AlertRecord{Timestamp: ts, Category: "ERROR", Text: "E (5) app: failed"}))
	require.NoError(t, a.Close())

	assert.Equal(t, "[09:08:07.123] [ERROR] E (5) app: failed\n", readFile(t, path))
	assert.Contains(t, readFile(t, path+".1"), "xxxx")
}

func TestRecent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "latest.log"), Options{})
	require.NoError(t, err)
	defer l.Close()

	assert.Empty(t, l.Recent(5))
	for i := 0; i < recentLines+3; i++ {
		require.NoError(t, l.Device(fmt.Sprintf("l%d", i), ts))
	}
	got := l.Recent(2)
	assert.Equal(t, []string{fmt.Sprintf("l%d", recentLines+1), fmt.Sprintf("l%d", recentLines+2)}, got)
	assert.Len(t, l.Recent(recentLines*2), recentLines)
}

func TestWriteAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "latest.log"), Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Device("late", ts))
	assert.NoError(t, l.Close())
}
