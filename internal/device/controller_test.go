package device_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/device"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/session"
	"github.com/vburojevic/eab/internal/transport"
	"github.com/vburojevic/eab/internal/transport/transporttest"
)

const dev = "/dev/ttyUSB0"

type recorder struct {
	mu     sync.Mutex
	types  []string
	data   []map[string]any
	notes  []string
	cmds   []string
	resets int
}

func (r *recorder) Emit(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	r.data = append(r.data, data)
}

func (r *recorder) Command(cmd string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recorder) Notice(msg string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, msg)
	return nil
}

func (r *recorder) ExternalReset(time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func (r *recorder) last(eventType string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.types) - 1; i >= 0; i-- {
		if r.types[i] == eventType {
			return r.data[i]
		}
	}
	return nil
}

type fakePauser struct {
	mu      sync.Mutex
	paused  bool
	reasons []string
	resumes []string
}

func (p *fakePauser) Pause(d time.Duration, reason string) (domain.PauseLease, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	created := !p.paused
	p.paused = true
	p.reasons = append(p.reasons, reason)
	now := time.Now()
	return domain.PauseLease{Reason: reason, GrantedAt: now, ExpiresAt: now.Add(d)}, created, nil
}

func (p *fakePauser) Resume(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes = append(p.resumes, reason)
	was := p.paused
	p.paused = false
	return was
}

func (p *fakePauser) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

type fakeStreamer struct{ armed string }

func (s *fakeStreamer) Arm(marker string) error { s.armed = marker; return nil }
func (s *fakeStreamer) Disarm() bool {
	was := s.armed != ""
	s.armed = ""
	return was
}

type fixture struct {
	bench    *transporttest.Bench
	tr       *transport.Transport
	rec      *recorder
	pauser   *fakePauser
	streamer *fakeStreamer
	counters *session.Counters
	ctl      *device.Controller

	runMu sync.Mutex
	runs  [][]string
}

func newFixture(t *testing.T, runner device.Runner) *fixture {
	t.Helper()
	bench := transporttest.NewBench(dev)
	tr := transport.New(transport.Options{Port: dev, Baud: 115200, LockDir: t.TempDir(), Opener: bench.Open, NodeGone: bench.Gone})
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { tr.Close() })

	f := &fixture{bench: bench, tr: tr, rec: &recorder{}, pauser: &fakePauser{}, streamer: &fakeStreamer{}, counters: &session.Counters{}}
	if runner == nil {
		runner = func(_ context.Context, name string, args ...string) ([]byte, error) {
			f.runMu.Lock()
			defer f.runMu.Unlock()
			f.runs = append(f.runs, append([]string{name}, args...))
			return []byte("Chip is ESP32-S3\nMAC: aa:bb\n"), nil
		}
	}
	f.ctl = device.New(tr, device.Options{
		Esptool:     "esptool.py",
		FlashBaud:   460800,
		ToolTimeout: time.Second,
		Runner:      runner,
		Pauser:      f.pauser,
		Recovery:    f.rec,
		Streamer:    f.streamer,
		Journal:     f.rec,
		Events:      f.rec,
		Counters:    f.counters,
	})
	return f
}

func entry(t *testing.T, text string) cmdqueue.Entry {
	t.Helper()
	e := cmdqueue.Entry{Command: domain.Command{Text: text, IsDirective: cmdqueue.IsDirective(text), EnqueuedAt: time.Now()}}
	if e.IsDirective {
		d, err := cmdqueue.ParseDirective(text)
		require.NoError(t, err)
		e.Directive = &d
	}
	return e
}

func TestResetDirectiveFromMailbox(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(t.TempDir(), cmdqueue.FileName)
	require.NoError(t, cmdqueue.Append(path, "!RESET"))

	q := cmdqueue.New(path, f.ctl, cmdqueue.Options{})
	require.Equal(t, 1, q.Drain(context.Background()))

	assert.Equal(t, []string{domain.EventCommandSent, domain.EventResetIssued, domain.EventCommandResult}, f.rec.eventTypes())
	assert.Equal(t, "hard_reset", f.rec.last(domain.EventResetIssued)["sequence"])
	assert.Equal(t, true, f.rec.last(domain.EventCommandResult)["ok"])
	assert.NotEmpty(t, f.bench.Current(dev).Signals(), "control lines toggled")
	assert.Equal(t, 1, f.rec.resets)
	assert.Equal(t, int64(1), f.counters.CommandsSent.Load())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "queue empty afterwards")
}

func TestPlainCommandIsWritten(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "AT+GMR"))

	assert.Equal(t, "AT+GMR\n", f.bench.Current(dev).Written())
	assert.Equal(t, []string{"AT+GMR"}, f.rec.cmds)
	assert.Equal(t, false, f.rec.last(domain.EventCommandSent)["special"])
	assert.Equal(t, "sent", f.rec.last(domain.EventCommandResult)["result"])
}

func TestPlainCommandWhilePausedFails(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.tr.Suspend())

	f.ctl.Dispatch(context.Background(), entry(t, "AT"))
	res := f.rec.last(domain.EventCommandResult)
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "paused")
}

func TestPauseAndResumeDirectives(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "!PAUSE:30:ota"))
	assert.True(t, f.pauser.paused)
	assert.Equal(t, []string{"ota"}, f.pauser.reasons)

	f.ctl.Dispatch(context.Background(), entry(t, "!RESUME"))
	assert.False(t, f.pauser.paused)
	assert.Equal(t, "resumed", f.rec.last(domain.EventCommandResult)["result"])

	f.ctl.Dispatch(context.Background(), entry(t, "!RESUME"))
	assert.Equal(t, "not paused", f.rec.last(domain.EventCommandResult)["result"])
}

func TestStreamDirectives(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "!STREAM:<<BIN>>"))
	assert.Equal(t, "<<BIN>>", f.streamer.armed)

	f.ctl.Dispatch(context.Background(), entry(t, "!STREAM_OFF"))
	assert.Empty(t, f.streamer.armed)
	assert.Equal(t, "binary stream disarmed", f.rec.last(domain.EventCommandResult)["result"])
}

func TestChipInfoRunsToolUnderLease(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "!CHIP_INFO"))
	f.ctl.Wait()

	f.runMu.Lock()
	require.Len(t, f.runs, 1)
	assert.Equal(t, []string{"esptool.py", "--port", dev, "chip-id"}, f.runs[0])
	f.runMu.Unlock()

	assert.Equal(t, []string{"tool:chip_info"}, f.pauser.reasons)
	assert.False(t, f.pauser.paused, "lease released after the tool")
	res := f.rec.last(domain.EventCommandResult)
	assert.Equal(t, true, res["ok"])
	assert.Contains(t, res["result"], "ESP32-S3")
	assert.Equal(t, true, f.rec.last(domain.EventToolFinished)["ok"])
}

func TestFlashArguments(t *testing.T) {
	f := newFixture(t, nil)
	fw := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(fw, []byte{0xe9}, 0o644))

	f.ctl.Dispatch(context.Background(), entry(t, "!FLASH:"+fw))
	f.ctl.Wait()

	f.runMu.Lock()
	defer f.runMu.Unlock()
	require.Len(t, f.runs, 1)
	assert.Equal(t, []string{"esptool.py", "--port", dev, "--baud", "460800", "write-flash", "0x0", fw}, f.runs[0])
}

func TestFlashMissingFirmware(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "!FLASH:/nonexistent/fw.bin"))
	f.ctl.Wait()

	assert.Empty(t, f.runs)
	assert.Empty(t, f.pauser.reasons, "port never released")
	assert.Equal(t, false, f.rec.last(domain.EventCommandResult)["ok"])
}

func TestToolFailureIsReported(t *testing.T) {
	f := newFixture(t, func(context.Context, string, ...string) ([]byte, error) {
		return []byte("A fatal error occurred: Failed to connect"), errors.New("exit status 2")
	})
	f.ctl.Dispatch(context.Background(), entry(t, "!ERASE"))
	f.ctl.Wait()

	res := f.rec.last(domain.EventCommandResult)
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "Failed to connect")
	assert.False(t, f.pauser.paused)
}

func TestToolKeepsLeaseItDidNotStart(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Dispatch(context.Background(), entry(t, "!PAUSE:600:bench"))
	require.True(t, f.pauser.isPaused())

	f.ctl.Dispatch(context.Background(), entry(t, "!CHIP_INFO"))
	f.ctl.Wait()

	assert.Equal(t, []string{"bench", "tool:chip_info"}, f.pauser.reasons)
	assert.True(t, f.pauser.isPaused(), "earlier lease still held")
	assert.Empty(t, f.pauser.resumes)
	assert.Equal(t, true, f.rec.last(domain.EventToolFinished)["ok"])
	assert.Equal(t, true, f.rec.last(domain.EventCommandResult)["ok"])
}

func TestRejectEmitsEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.Reject("!WARP", cmdqueue.ErrMalformed)

	assert.Equal(t, []string{domain.EventCommandRejected}, f.rec.eventTypes())
	assert.Equal(t, "!WARP", f.rec.last(domain.EventCommandRejected)["command"])
	assert.Zero(t, f.counters.CommandsSent.Load())
}
