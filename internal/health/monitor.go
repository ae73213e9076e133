// Package health derives device health from output timing and content and
// drives automatic recovery.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/patterns"
	"github.com/vburojevic/eab/internal/session"
	"go.uber.org/zap"
)

// Output that arrives this soon after a reset is treated as residue of the
// crash dump and neither confirms nor fails the recovery.
const crashSettle = 2 * time.Second

// Resetter issues a hardware reset
type Resetter interface {
	Reset(sequence string) error
}

// Emitter appends to the event log
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// Options configures a Monitor
type Options struct {
	IdleThreshold     time.Duration
	StuckThreshold    time.Duration
	BootLoopThreshold int
	BootLoopWindow    time.Duration
	RecoveryGrace     time.Duration
	RecoveryCooldown  time.Duration
	RecoveryWindow    time.Duration
	MaxAttempts       int
	AutoRecovery      bool
	ResetSequence     string

	Clock    clock.Clock
	Logger   *zap.Logger
	Resetter Resetter
	Events   Emitter
	Counters *session.Counters
	Notice   func(msg string)
}

// Status is a point-in-time view of the monitor
type Status struct {
	State        domain.HealthState
	IdleSeconds  int64
	Recovering   bool
	GaveUp       bool
	Attempts     int
	LastActivity time.Time
}

// Monitor is the health state machine. It is the only writer of HealthState.
type Monitor struct {
	opts    Options
	logger  *zap.Logger
	breaker *Breaker
	boots   *Window

	mu             sync.Mutex
	state          domain.HealthState
	lastLine       time.Time
	recovering     bool
	recoveryAt     time.Time
	stuckReason    string
	disconnected   bool
	paused         bool
	pausedAt       time.Time
	gaveUpReported bool
	cleanSince     time.Time
}

type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// New creates a monitor in the healthy state with the idle clock starting now
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Counters == nil {
		opts.Counters = &session.Counters{}
	}
	if opts.ResetSequence == "" {
		opts.ResetSequence = "hard_reset"
	}
	return &Monitor{
		opts:     opts,
		logger:   opts.Logger,
		breaker:  NewBreaker(opts.MaxAttempts, opts.RecoveryWindow, opts.RecoveryCooldown),
		boots:    NewWindow(opts.BootLoopWindow),
		state:    domain.HealthHealthy,
		lastLine: opts.Clock.Now(),
	}
}

// ObserveLine feeds one device line and the alert categories it matched
func (m *Monitor) ObserveLine(now time.Time, categories []string) {
	m.mu.Lock()
	var fx effects

	m.lastLine = now
	crash := lo.Contains(categories, patterns.CategoryCrash)
	boot := lo.Contains(categories, patterns.CategoryBoot)
	bootCount := 0
	if boot {
		bootCount = m.boots.Add(now)
	}
	settling := m.recovering && now.Sub(m.recoveryAt) < crashSettle

	switch {
	case m.disconnected || settling:
	case crash:
		m.toStuck(now, "crash", &fx)
		m.tryRecover(now, &fx)
	case m.opts.BootLoopThreshold > 0 && bootCount > m.opts.BootLoopThreshold:
		m.toStuck(now, "boot_loop", &fx)
		m.tryRecover(now, &fx)
	default:
		m.healthyLine(now, boot, &fx)
	}

	m.mu.Unlock()
	fx.run()
}

func (m *Monitor) healthyLine(now time.Time, boot bool, fx *effects) {
	if m.recovering {
		m.recovering = false
		attempt := m.breaker.Attempts(now)
		*fx = append(*fx, func() {
			m.emit(domain.EventRecovered, map[string]any{"attempt": attempt, "reason": m.stuckReason})
		})
		m.setState(domain.HealthHealthy, "recovered", fx)
		return
	}
	if m.breaker.Open() {
		m.rearm(now, boot, fx)
	}
	m.setState(domain.HealthHealthy, "output", fx)
}

// rearm closes a given-up breaker once output has stayed clean for the
// recovery grace period. Boot banners restart the count.
func (m *Monitor) rearm(now time.Time, boot bool, fx *effects) {
	switch {
	case boot:
		m.cleanSince = time.Time{}
		return
	case m.cleanSince.IsZero():
		m.cleanSince = now
		return
	case now.Sub(m.cleanSince) < m.rearmAfter():
		return
	}
	m.cleanSince = time.Time{}
	m.breaker.Reset()
	m.gaveUpReported = false
	*fx = append(*fx, func() { m.notice("device output resumed, auto-recovery re-armed") })
}

func (m *Monitor) rearmAfter() time.Duration {
	if m.opts.RecoveryGrace > 0 {
		return m.opts.RecoveryGrace
	}
	return 10 * time.Second
}

func (m *Monitor) toStuck(now time.Time, reason string, fx *effects) {
	if m.recovering {
		m.recovering = false
		attempt := m.breaker.Attempts(now)
		*fx = append(*fx, func() {
			m.emit(domain.EventRecoveryFailed, map[string]any{"attempt": attempt, "reason": reason})
		})
	}
	m.stuckReason = reason
	m.cleanSince = time.Time{}
	if m.state == domain.HealthHealthy && reason == "idle_timeout" {
		m.setState(domain.HealthIdle, "no_output", fx)
	}
	m.setState(domain.HealthStuck, reason, fx)
}

func (m *Monitor) tryRecover(now time.Time, fx *effects) {
	if !m.opts.AutoRecovery || m.paused || m.disconnected || m.recovering || m.opts.Resetter == nil {
		return
	}
	switch m.breaker.Acquire(now) {
	case Exhausted:
		if !m.gaveUpReported {
			m.gaveUpReported = true
			attempts := m.breaker.Attempts(now)
			reason := m.stuckReason
			m.logger.Error("auto-recovery gave up", zap.Int("attempts", attempts), zap.String("reason", reason))
			*fx = append(*fx, func() {
				m.emit(domain.EventRecoveryGaveUp, map[string]any{"attempts": attempts, "reason": reason})
				m.notice(fmt.Sprintf("auto-recovery gave up after %d attempts (%s), manual reset required", attempts, reason))
			})
		}
		return
	case CoolingDown:
		return
	}

	m.recovering = true
	m.recoveryAt = now
	m.boots.Reset()
	m.opts.Counters.Reconnects.Add(1)
	attempt := m.breaker.Attempts(now)
	reason := m.stuckReason
	seq := m.opts.ResetSequence
	m.logger.Warn("starting auto-recovery", zap.Int("attempt", attempt), zap.String("reason", reason))

	*fx = append(*fx, func() {
		m.emit(domain.EventRecoveryStarted, map[string]any{"attempt": attempt, "reason": reason})
		m.notice(fmt.Sprintf("auto-recovery attempt %d (%s): %s", attempt, reason, seq))
		data := map[string]any{"sequence": seq, "reason": reason, "source": "auto"}
		if err := m.opts.Resetter.Reset(seq); err != nil {
			m.logger.Warn("reset failed", zap.Error(err))
			data["error"] = err.Error()
		}
		m.emit(domain.EventResetIssued, data)
	})
}

func (m *Monitor) setState(to domain.HealthState, reason string, fx *effects) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Info("health changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	*fx = append(*fx, func() {
		m.emit(domain.EventHealthChanged, map[string]any{"from": string(from), "to": string(to), "reason": reason})
		m.notice(fmt.Sprintf("health: %s -> %s (%s)", from, to, reason))
	})
}

// Tick advances the idle clock and retries recovery while stuck
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	var fx effects

	if m.disconnected || m.paused {
		m.mu.Unlock()
		return
	}
	idle := now.Sub(m.lastLine)

	if m.recovering && now.Sub(m.recoveryAt) > m.opts.RecoveryGrace {
		m.recovering = false
		attempt := m.breaker.Attempts(now)
		reason := m.stuckReason
		fx = append(fx, func() {
			m.emit(domain.EventRecoveryFailed, map[string]any{"attempt": attempt, "reason": "no_healthy_output"})
			m.notice(fmt.Sprintf("recovery attempt %d did not restore output (%s)", attempt, reason))
		})
	}

	if m.state == domain.HealthHealthy && idle >= m.opts.IdleThreshold {
		m.setState(domain.HealthIdle, "no_output", &fx)
	}
	if m.state == domain.HealthIdle && m.opts.StuckThreshold > 0 && idle > m.opts.StuckThreshold {
		m.toStuck(now, "idle_timeout", &fx)
	}
	if m.state == domain.HealthStuck && !m.recovering {
		m.tryRecover(now, &fx)
	}

	m.mu.Unlock()
	fx.run()
}

// SetConnected reports the transport link going away or coming back
func (m *Monitor) SetConnected(connected bool, now time.Time) {
	m.mu.Lock()
	var fx effects
	switch {
	case !connected && !m.disconnected:
		m.disconnected = true
		m.recovering = false
		m.setState(domain.HealthDisconnected, "device_gone", &fx)
	case connected && m.disconnected:
		m.disconnected = false
		m.lastLine = now
		m.boots.Reset()
		m.setState(domain.HealthHealthy, "reconnected", &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// SetPaused freezes the idle clock while an external tool owns the port
func (m *Monitor) SetPaused(paused bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paused == m.paused {
		return
	}
	m.paused = paused
	if paused {
		m.pausedAt = now
		m.recovering = false
		return
	}
	if now.After(m.pausedAt) {
		m.lastLine = m.lastLine.Add(now.Sub(m.pausedAt))
	}
}

// ExternalReset clears a given-up breaker after a manual reset and treats the
// reset as an in-flight recovery when the device was stuck
func (m *Monitor) ExternalReset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker.Reset()
	m.gaveUpReported = false
	m.cleanSince = time.Time{}
	m.boots.Reset()
	if m.state == domain.HealthStuck {
		m.recovering = true
		m.recoveryAt = now
	}
}

// Snapshot returns the current status at now
func (m *Monitor) Snapshot(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := now
	if m.paused {
		ref = m.pausedAt
	}
	idle := ref.Sub(m.lastLine)
	if idle < 0 {
		idle = 0
	}
	return Status{
		State:        m.state,
		IdleSeconds:  int64(idle / time.Second),
		Recovering:   m.recovering,
		GaveUp:       m.breaker.Open(),
		Attempts:     m.breaker.Attempts(now),
		LastActivity: m.lastLine,
	}
}

// State returns the current health state
func (m *Monitor) State() domain.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) emit(eventType string, data map[string]any) {
	if m.opts.Events != nil {
		m.opts.Events.Emit(eventType, data)
	}
}

func (m *Monitor) notice(msg string) {
	if m.opts.Notice != nil {
		m.opts.Notice(msg)
	}
}
