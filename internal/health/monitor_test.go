package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/patterns"
	"github.com/vburojevic/eab/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu     sync.Mutex
	resets []string
	events []string
	data   []map[string]any
	err    error
}

func (r *recorder) Reset(seq string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, seq)
	return r.err
}

func (r *recorder) Emit(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, e := range r.events {
		if e == domain.EventHealthChanged {
			out = append(out, r.data[i]["to"].(string))
		}
	}
	return out
}

type fixture struct {
	clk      *clock.Mock
	rec      *recorder
	counters *session.Counters
	mon      *Monitor
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	counters := &session.Counters{}
	core, logs := observer.New(zap.InfoLevel)

	opts := Options{
		IdleThreshold:     120 * time.Second,
		StuckThreshold:    300 * time.Second,
		BootLoopThreshold: 5,
		BootLoopWindow:    30 * time.Second,
		RecoveryGrace:     10 * time.Second,
		RecoveryCooldown:  30 * time.Second,
		RecoveryWindow:    10 * time.Minute,
		MaxAttempts:       3,
		AutoRecovery:      true,
		Clock:             clk,
		Logger:            zap.New(core),
		Resetter:          rec,
		Events:            rec,
		Counters:          counters,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &fixture{clk: clk, rec: rec, counters: counters, mon: New(opts), logs: logs}
}

func (f *fixture) advance(d time.Duration) time.Time {
	f.clk.Add(d)
	return f.clk.Now()
}

func TestIdleThenHealthy(t *testing.T) {
	f := newFixture(t, nil)

	now := f.advance(121 * time.Second)
	f.mon.Tick(now)
	snap := f.mon.Snapshot(now)
	assert.Equal(t, domain.HealthIdle, snap.State)
	assert.GreaterOrEqual(t, snap.IdleSeconds, int64(120))

	f.mon.ObserveLine(now, nil)
	snap = f.mon.Snapshot(now)
	assert.Equal(t, domain.HealthHealthy, snap.State)
	assert.Equal(t, int64(0), snap.IdleSeconds)
	assert.Equal(t, []string{"idle", "healthy"}, f.rec.transitions())
}

func TestIdleBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.Tick(f.advance(119 * time.Second))
	assert.Equal(t, domain.HealthHealthy, f.mon.State())

	f.mon.Tick(f.advance(time.Second))
	assert.Equal(t, domain.HealthIdle, f.mon.State())
}

func TestIdlePassesThroughIdleBeforeStuck(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoRecovery = false })

	f.mon.Tick(f.advance(301 * time.Second))
	assert.Equal(t, domain.HealthStuck, f.mon.State())
	assert.Equal(t, []string{"idle", "stuck"}, f.rec.transitions())
	assert.Empty(t, f.rec.resets)
}

func TestBootLoopTriggersOneReset(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 6; i++ {
		f.mon.ObserveLine(f.advance(4*time.Second), []string{"BOOT"})
	}

	assert.Equal(t, []string{"hard_reset"}, f.rec.resets)
	assert.Equal(t, int64(1), f.counters.Reconnects.Load())
	assert.Equal(t, 1, f.rec.count(domain.EventRecoveryStarted))
	assert.Equal(t, 1, f.rec.count(domain.EventResetIssued))

	snap := f.mon.Snapshot(f.clk.Now())
	assert.Equal(t, domain.HealthStuck, snap.State)
	assert.True(t, snap.Recovering)
	assert.Equal(t, 1, snap.Attempts)
}

func TestFiveBootLinesAreNotALoop(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.mon.ObserveLine(f.advance(time.Second), []string{"BOOT"})
	}
	assert.Equal(t, domain.HealthHealthy, f.mon.State())
	assert.Empty(t, f.rec.resets)
}

func TestRecoveredAfterHealthyOutput(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH", "PANIC"})
	require.Len(t, f.rec.resets, 1)

	// boot banner after the reset is allowed
	f.mon.ObserveLine(f.advance(3*time.Second), []string{"BOOT"})
	assert.Equal(t, domain.HealthHealthy, f.mon.State())
	assert.Equal(t, 1, f.rec.count(domain.EventRecovered))
	assert.Equal(t, []string{"stuck", "healthy"}, f.rec.transitions())
}

func TestCrashDuringCooldownDoesNotResetAgain(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	f.mon.ObserveLine(f.advance(100*time.Millisecond), []string{"CRASH"})
	assert.Len(t, f.rec.resets, 1)

	// past the settle interval another crash fails the attempt but cooldown holds
	f.mon.ObserveLine(f.advance(5*time.Second), []string{"CRASH"})
	assert.Len(t, f.rec.resets, 1)
	assert.Equal(t, 1, f.rec.count(domain.EventRecoveryFailed))

	f.mon.Tick(f.advance(10 * time.Second))
	assert.Len(t, f.rec.resets, 1)

	f.mon.Tick(f.advance(20 * time.Second))
	assert.Len(t, f.rec.resets, 2, "cooldown elapsed")
}

func TestGraceTimeoutFailsRecovery(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	f.mon.Tick(f.advance(11 * time.Second))

	snap := f.mon.Snapshot(f.clk.Now())
	assert.Equal(t, domain.HealthStuck, snap.State)
	assert.False(t, snap.Recovering)
	assert.Equal(t, 1, f.rec.count(domain.EventRecoveryFailed))
}

func TestGivesUpOnceAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	for i := 0; i < 10; i++ {
		f.mon.Tick(f.advance(31 * time.Second))
	}

	assert.Len(t, f.rec.resets, 3)
	assert.Equal(t, 1, f.rec.count(domain.EventRecoveryGaveUp))
	assert.Equal(t, 1, f.logs.FilterMessage("auto-recovery gave up").Len())
	assert.Equal(t, int64(3), f.counters.Reconnects.Load())

	snap := f.mon.Snapshot(f.clk.Now())
	assert.True(t, snap.GaveUp)
	assert.Equal(t, domain.HealthStuck, snap.State)

	// one line is not enough to re-arm
	f.mon.ObserveLine(f.advance(time.Second), nil)
	snap = f.mon.Snapshot(f.clk.Now())
	assert.True(t, snap.GaveUp)
	assert.Equal(t, domain.HealthHealthy, snap.State)

	// output that stays clean for the grace period re-arms recovery
	f.mon.ObserveLine(f.advance(5*time.Second), nil)
	assert.True(t, f.mon.Snapshot(f.clk.Now()).GaveUp)
	f.mon.ObserveLine(f.advance(5*time.Second), nil)
	assert.False(t, f.mon.Snapshot(f.clk.Now()).GaveUp)
}

func TestBootBannersBetweenCrashesDoNotRearm(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 1 })

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	f.mon.Tick(f.advance(31 * time.Second))
	require.True(t, f.mon.Snapshot(f.clk.Now()).GaveUp)

	for i := 0; i < 4; i++ {
		f.mon.ObserveLine(f.advance(3*time.Second), []string{"BOOT"})
		f.mon.ObserveLine(f.advance(time.Second), nil)
		f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	}

	assert.Len(t, f.rec.resets, 1)
	assert.Equal(t, 1, f.rec.count(domain.EventRecoveryGaveUp))
	assert.Equal(t, 1, f.logs.FilterMessage("auto-recovery gave up").Len())
	snap := f.mon.Snapshot(f.clk.Now())
	assert.True(t, snap.GaveUp)
	assert.Equal(t, domain.HealthStuck, snap.State)
}

func TestZephyrFatalErrorStartsRecovery(t *testing.T) {
	f := newFixture(t, nil)
	matcher, err := patterns.New(nil, nil)
	require.NoError(t, err)

	for _, line := range []string{
		"*** Booting Zephyr OS build v3.5.0 ***",
		"[00:00:01.000,000] <inf> main: sensor ready",
		"E: >>> ZEPHYR FATAL ERROR 0: CPU exception on CPU 0",
	} {
		now := f.advance(time.Second)
		f.mon.ObserveLine(now, patterns.Names(matcher.Classify(line, now)))
	}

	assert.Equal(t, domain.HealthStuck, f.mon.State())
	assert.Equal(t, []string{"hard_reset"}, f.rec.resets)
	assert.Equal(t, 1, f.rec.count(domain.EventResetIssued))
}

func TestWatchdogTriggerStartsRecovery(t *testing.T) {
	f := newFixture(t, nil)
	matcher, err := patterns.New(nil, nil)
	require.NoError(t, err)

	now := f.advance(time.Second)
	f.mon.ObserveLine(now, patterns.Names(matcher.Classify("E (5012) task_wdt: Task watchdog got triggered.", now)))

	assert.Equal(t, domain.HealthStuck, f.mon.State())
	assert.Len(t, f.rec.resets, 1)
}

func TestExternalResetClearsGaveUp(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 1 })

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	f.mon.Tick(f.advance(31 * time.Second))
	f.mon.Tick(f.advance(31 * time.Second))
	require.True(t, f.mon.Snapshot(f.clk.Now()).GaveUp)

	f.mon.ExternalReset(f.clk.Now())
	snap := f.mon.Snapshot(f.clk.Now())
	assert.False(t, snap.GaveUp)
	assert.True(t, snap.Recovering)

	f.mon.ObserveLine(f.advance(3*time.Second), nil)
	assert.Equal(t, domain.HealthHealthy, f.mon.State())
}

func TestResetErrorIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.err = errors.New("port gone")

	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var issued map[string]any
	for i, e := range f.rec.events {
		if e == domain.EventResetIssued {
			issued = f.rec.data[i]
		}
	}
	require.NotNil(t, issued)
	assert.Equal(t, "port gone", issued["error"])
	assert.Equal(t, "auto", issued["source"])
}

func TestDisconnectAndReconnect(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.SetConnected(false, f.advance(time.Second))
	assert.Equal(t, domain.HealthDisconnected, f.mon.State())

	// idle clock does not move while disconnected
	f.mon.Tick(f.advance(10 * time.Minute))
	assert.Equal(t, domain.HealthDisconnected, f.mon.State())

	f.mon.SetConnected(true, f.clk.Now())
	snap := f.mon.Snapshot(f.clk.Now())
	assert.Equal(t, domain.HealthHealthy, snap.State)
	assert.Equal(t, int64(0), snap.IdleSeconds)
}

func TestPauseFreezesIdleClock(t *testing.T) {
	f := newFixture(t, nil)

	f.mon.SetPaused(true, f.advance(60*time.Second))
	f.mon.Tick(f.advance(10 * time.Minute))
	assert.Equal(t, domain.HealthHealthy, f.mon.State())
	assert.Equal(t, int64(60), f.mon.Snapshot(f.clk.Now()).IdleSeconds)

	f.mon.SetPaused(false, f.clk.Now())
	f.mon.Tick(f.advance(59 * time.Second))
	assert.Equal(t, domain.HealthHealthy, f.mon.State())
	f.mon.Tick(f.advance(time.Second))
	assert.Equal(t, domain.HealthIdle, f.mon.State())
}

func TestAutoRecoveryDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoRecovery = false })
	f.mon.ObserveLine(f.advance(time.Second), []string{"CRASH"})
	assert.Equal(t, domain.HealthStuck, f.mon.State())
	assert.Empty(t, f.rec.resets)
}
