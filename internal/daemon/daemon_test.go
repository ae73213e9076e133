package daemon_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/config"
	"github.com/vburojevic/eab/internal/daemon"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/status"
	"github.com/vburojevic/eab/internal/transport/transporttest"
)

const dev = "/dev/ttyUSB0"

type harness struct {
	bench *transporttest.Bench
	d     *daemon.Daemon
	paths daemon.Paths
	stop  context.CancelFunc
	done  chan error
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Serial.LockDir = t.TempDir()
	cfg.Serial.ReadTimeout = 10 * time.Millisecond
	cfg.Serial.BackoffInitial = 10 * time.Millisecond
	cfg.Serial.BackoffMax = 20 * time.Millisecond
	cfg.Commands.PollInterval = 20 * time.Millisecond
	cfg.Health.TickInterval = 20 * time.Millisecond
	cfg.StatusInterval = 50 * time.Millisecond
	return cfg
}

func startDaemon(t *testing.T, dir string) *harness {
	t.Helper()
	bench := transporttest.NewBench(dev)
	ready := make(chan struct{})
	d, err := daemon.New(daemon.Options{
		Config:   testConfig(t),
		Port:     dev,
		Baud:     115200,
		BaseDir:  dir,
		Opener:   bench.Open,
		NodeGone: bench.Gone,
		Ready:    ready,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{bench: bench, d: d, paths: d.Paths(), stop: cancel, done: make(chan error, 1)}
	go func() { h.done <- d.Run(ctx) }()

	select {
	case <-ready:
	case err := <-h.done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	})
	return h
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.stop()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func eventTypes(t *testing.T, path string) []string {
	evs, _, err := events.ReadFrom(path, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func TestDaemonLogsAlertsAndPublishes(t *testing.T) {
	h := startDaemon(t, t.TempDir())

	h.bench.Current(dev).Feed("I (120) app: ready\nGuru Meditation Error: Core  0 panic'ed (LoadProhibited)\n")

	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, h.paths.Alerts), "[CRASH]")
	}, 3*time.Second, 10*time.Millisecond)

	logText := readFile(t, h.paths.Log)
	assert.Contains(t, logText, "SESSION: ")
	assert.Contains(t, logText, "I (120) app: ready")

	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Counters.LinesLogged == 2
	}, 3*time.Second, 10*time.Millisecond)

	snap, err := status.Load(h.paths.Status)
	require.NoError(t, err)
	assert.Equal(t, dev, snap.Connection.Port)
	assert.Equal(t, domain.ConnConnected, snap.Connection.Status)
	assert.Equal(t, 1, snap.Patterns["CRASH"])
	assert.Equal(t, os.Getpid(), snap.PID)
	assert.Nil(t, snap.Pause)

	types := eventTypes(t, h.paths.Events)
	assert.Contains(t, types, domain.EventDaemonStarted)
	assert.Contains(t, types, domain.EventCrashDetected)

	h.shutdown(t)

	types = eventTypes(t, h.paths.Events)
	assert.Equal(t, domain.EventDaemonStopped, types[len(types)-1])
	assert.Contains(t, readFile(t, h.paths.Log), "SESSION ENDED: ")
	_, err = os.Stat(h.paths.PID)
	assert.True(t, os.IsNotExist(err), "pid file removed")
}

func TestDaemonSendsQueuedCommands(t *testing.T) {
	h := startDaemon(t, t.TempDir())

	require.NoError(t, cmdqueue.Append(h.paths.Commands, "AT+GMR"))
	require.Eventually(t, func() bool {
		return h.bench.Current(dev).Written() == "AT+GMR\n"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, h.paths.Log), ">>> CMD: AT+GMR")
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, cmdqueue.Append(h.paths.Commands, "!BOGUS"))
	require.Eventually(t, func() bool {
		for _, typ := range eventTypes(t, h.paths.Events) {
			if typ == domain.EventCommandRejected {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDaemonPauseReleasesPort(t *testing.T) {
	h := startDaemon(t, t.TempDir())

	require.NoError(t, cmdqueue.Append(h.paths.Commands, "!PAUSE:60:ota"))
	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Pause != nil && snap.Connection.Status == domain.ConnPaused
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, h.bench.Current(dev).Closed(), "handle released while paused")

	require.NoError(t, cmdqueue.Append(h.paths.Commands, "!RESUME"))
	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Pause == nil && snap.Connection.Status == domain.ConnConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.bench.Opens(dev))
}

func TestDaemonBinaryStream(t *testing.T) {
	h := startDaemon(t, t.TempDir())

	require.NoError(t, cmdqueue.Append(h.paths.Commands, "!STREAM:<<BIN>>"))
	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Stream.Marker == "<<BIN>>"
	}, 3*time.Second, 10*time.Millisecond)

	h.bench.Current(dev).Feed("dump follows <<BIN>>\n\x00\x01\x02\xff")
	require.Eventually(t, func() bool {
		return readFile(t, h.paths.Data) == "\x00\x01\x02\xff"
	}, 3*time.Second, 10*time.Millisecond)

	snap, err := status.Load(h.paths.Status)
	require.NoError(t, err)
	assert.True(t, snap.Stream.Armed)
	assert.Equal(t, int64(4), snap.Stream.Bytes)
	assert.Contains(t, eventTypes(t, h.paths.Events), domain.EventDataChunk)
}

func TestDaemonReconnectsAfterUnplug(t *testing.T) {
	h := startDaemon(t, t.TempDir())

	h.bench.Unplug(dev)
	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Health.Status == domain.HealthDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	h.bench.Plug(dev)
	require.Eventually(t, func() bool {
		snap, err := status.Load(h.paths.Status)
		return err == nil && snap.Connection.Status == domain.ConnConnected && snap.Connection.Reconnects == 1
	}, 5*time.Second, 10*time.Millisecond)

	types := eventTypes(t, h.paths.Events)
	assert.Contains(t, types, domain.EventDisconnect)
	assert.Contains(t, types, domain.EventReconnect)
}

func TestSecondDaemonRefused(t *testing.T) {
	dir := t.TempDir()
	startDaemon(t, dir)

	d, err := daemon.New(daemon.Options{Config: testConfig(t), Port: dev, BaseDir: dir, Opener: transporttest.NewBench(dev).Open})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Run(context.Background()), daemon.ErrAlreadyRunning)
}

func TestStartupFailsWithoutDevice(t *testing.T) {
	dir := t.TempDir()
	bench := transporttest.NewBench()
	d, err := daemon.New(daemon.Options{Config: testConfig(t), Port: dev, BaseDir: dir, Opener: bench.Open, NodeGone: bench.Gone})
	require.NoError(t, err)

	require.Error(t, d.Run(context.Background()))

	evs, _, err := events.ReadFrom(d.Paths().Events, 0)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, domain.EventDaemonStopped, last.Type)
	assert.Equal(t, "startup_failed", last.Data["reason"])
	assert.NotEmpty(t, last.Data["error"])
}
