package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/session"
	"go.uber.org/zap"
)

// Options configures a Transport
type Options struct {
	Port           string // device path or "auto"
	Baud           int
	ReadTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int // failed reconnects before log output is suppressed
	LockDir        string
	Owner          string

	Opener   Opener
	Scanner  Scanner
	NodeGone func(name string) bool
	Clock    clock.Clock
	Logger   *zap.Logger
	Counters *session.Counters

	// OnStateChange is called outside the transport lock after every transition
	OnStateChange func(from, to domain.ConnectionState)
}

// Transport owns the serial handle and its OS-level lock
type Transport struct {
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	port     Port
	lock     *PortLock
	name     string
	state    domain.ConnectionState
	failures int
	gaveUp   bool
	backoff  Backoff
}

// New creates a transport in the disconnected state; call Open to connect
func New(opts Options) *Transport {
	if opts.Opener == nil {
		opts.Opener = SerialOpener
	}
	if opts.Scanner.List == nil && opts.Scanner.Glob == nil {
		opts.Scanner = DefaultScanner()
	}
	if opts.NodeGone == nil {
		opts.NodeGone = nodeGone
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Counters == nil {
		opts.Counters = &session.Counters{}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.Port == "" {
		opts.Port = Auto
	}
	if opts.Owner == "" {
		opts.Owner = "eab-daemon"
	}
	return &Transport{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		state:   domain.ConnDisconnected,
		backoff: Backoff{Initial: opts.BackoffInitial, Max: opts.BackoffMax},
	}
}

// State returns the current connection state
func (t *Transport) State() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PortName returns the resolved device path (the configured value until first open)
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.name != "" {
		return t.name
	}
	return t.opts.Port
}

// GaveUp reports whether reconnect logging has been suppressed
func (t *Transport) GaveUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaveUp
}

func (t *Transport) setStateLocked(to domain.ConnectionState) func() {
	from := t.state
	if from == to {
		return func() {}
	}
	t.state = to
	cb := t.opts.OnStateChange
	return func() {
		if cb != nil {
			cb(from, to)
		}
	}
}

func (t *Transport) setState(to domain.ConnectionState) {
	t.mu.Lock()
	notify := t.setStateLocked(to)
	t.mu.Unlock()
	notify()
}

// Open connects for the first time. With port "auto" every scanned candidate
// is tried in priority order before giving up.
func (t *Transport) Open(ctx context.Context) error {
	t.setState(domain.ConnConnecting)
	err := t.connect(ctx)
	if err != nil {
		t.setState(domain.ConnDisconnected)
	}
	return err
}

func (t *Transport) candidates() ([]string, error) {
	if t.opts.Port != Auto {
		return []string{t.opts.Port}, nil
	}
	// After auto-detection succeeded once, stick to that device across reconnects
	t.mu.Lock()
	name := t.name
	t.mu.Unlock()
	if name != "" {
		return []string{name}, nil
	}
	found := t.opts.Scanner.Candidates()
	if len(found) == 0 {
		return nil, fmt.Errorf("auto-detect: no serial devices found: %w", ErrDeviceNotFound)
	}
	return found, nil
}

func (t *Transport) connect(ctx context.Context) error {
	names, err := t.candidates()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := t.openOne(name)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPaused) {
			return err
		}
		t.logger.Debug("open candidate failed", zap.String("port", name), zap.Error(err))
		errs = append(errs, err)
	}
	joined := errors.Join(errs...)
	if allNotFound(errs) {
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, joined)
	}
	return fmt.Errorf("%w: %v", ErrPortUnavailable, joined)
}

func allNotFound(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !errors.Is(err, ErrDeviceNotFound) {
			return false
		}
	}
	return true
}

// openOne acquires the port lock and opens the device. The state check after
// the slow open keeps a concurrent Suspend from being overridden.
func (t *Transport) openOne(name string) error {
	lock, err := AcquirePortLock(t.opts.LockDir, name, t.opts.Owner)
	if err != nil {
		return err
	}
	p, err := t.opts.Opener(name, t.opts.Baud)
	if err != nil {
		lock.Release()
		return err
	}
	if err := p.SetReadTimeout(t.opts.ReadTimeout); err != nil {
		p.Close()
		lock.Release()
		return fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	t.mu.Lock()
	if t.state == domain.ConnPaused {
		t.mu.Unlock()
		p.Close()
		lock.Release()
		return ErrPaused
	}
	t.port = p
	t.lock = lock
	t.name = name
	t.failures = 0
	t.backoff.Reset()
	wasGaveUp := t.gaveUp
	t.gaveUp = false
	notify := t.setStateLocked(domain.ConnConnected)
	t.mu.Unlock()

	if wasGaveUp {
		t.logger.Info("serial port recovered", zap.String("port", name))
	}
	t.logger.Info("serial port opened", zap.String("port", name), zap.Int("baud", t.opts.Baud))
	notify()
	return nil
}

// Read reads into p with the configured bounded timeout. A timeout returns
// (0, nil). A failed read or a vanished device node closes the handle and
// returns an error wrapping ErrNotConnected.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	port, state, name := t.port, t.state, t.name
	t.mu.Unlock()

	if state == domain.ConnPaused {
		return 0, ErrPaused
	}
	if port == nil {
		return 0, ErrNotConnected
	}

	n, err := port.Read(p)
	if err != nil {
		t.dropPort(port, err)
		return n, fmt.Errorf("read %s: %w: %v", name, ErrNotConnected, err)
	}
	if n == 0 && t.opts.NodeGone(name) {
		t.dropPort(port, errors.New("device node vanished"))
		return 0, fmt.Errorf("read %s: %w: device node vanished", name, ErrNotConnected)
	}
	return n, nil
}

// dropPort closes port if it is still the active handle and marks the link disconnected
func (t *Transport) dropPort(port Port, cause error) {
	t.mu.Lock()
	if t.port != port {
		t.mu.Unlock()
		return
	}
	t.closeLocked()
	notify := func() {}
	if t.state != domain.ConnPaused {
		notify = t.setStateLocked(domain.ConnDisconnected)
	}
	t.mu.Unlock()

	t.opts.Counters.USBDisconnects.Add(1)
	t.logger.Warn("serial port lost", zap.String("port", t.PortName()), zap.Error(cause))
	notify()
}

func (t *Transport) closeLocked() {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	if t.lock != nil {
		t.lock.Release()
		t.lock = nil
	}
}

// Reconnect retries with exponential backoff until connected, paused, or ctx is done.
// After MaxAttempts failures it keeps retrying but stops logging each failure.
func (t *Transport) Reconnect(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.state == domain.ConnPaused {
			t.mu.Unlock()
			return ErrPaused
		}
		if t.port != nil {
			t.mu.Unlock()
			return nil
		}
		notify := t.setStateLocked(domain.ConnReconnecting)
		t.mu.Unlock()
		notify()

		err := t.connect(ctx)
		if err == nil {
			t.opts.Counters.Reconnects.Add(1)
			return nil
		}
		if errors.Is(err, ErrPaused) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		t.mu.Lock()
		t.failures++
		failures := t.failures
		delay := t.backoff.Next()
		announceGiveUp := false
		if t.opts.MaxAttempts > 0 && failures >= t.opts.MaxAttempts && !t.gaveUp {
			t.gaveUp = true
			announceGiveUp = true
		}
		quiet := t.gaveUp && !announceGiveUp
		t.mu.Unlock()

		switch {
		case announceGiveUp:
			t.logger.Error("reconnect still failing, suppressing further logs until the port returns",
				zap.String("port", t.PortName()), zap.Int("attempts", failures), zap.Error(err))
		case !quiet:
			t.logger.Warn("reconnect failed", zap.String("port", t.PortName()),
				zap.Int("attempt", failures), zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(delay):
		}
	}
}

// Write sends p to the device
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	port, state := t.port, t.state
	t.mu.Unlock()

	if state == domain.ConnPaused {
		return 0, ErrPaused
	}
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Write(p)
}

// Reset toggles DTR/RTS following the named sequence
func (t *Transport) Reset(sequence string) error {
	if sequence == "" {
		sequence = HardReset
	}
	if !ValidSequence(sequence) {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, sequence)
	}
	t.mu.Lock()
	port, state := t.port, t.state
	t.mu.Unlock()
	if state == domain.ConnPaused {
		return ErrPaused
	}
	if port == nil {
		return ErrNotConnected
	}
	t.logger.Info("issuing reset", zap.String("sequence", sequence))
	return t.runSequence(port, sequence)
}

// Suspend closes the handle and releases the port lock for a pause lease
func (t *Transport) Suspend() error {
	t.mu.Lock()
	t.closeLocked()
	notify := t.setStateLocked(domain.ConnPaused)
	t.mu.Unlock()
	notify()
	return nil
}

// Resume reopens the port after a pause. The external tool may take a moment
// to release its own handle, so the lock is retried briefly. On failure the
// state becomes disconnected and the normal reconnect path takes over.
func (t *Transport) Resume(ctx context.Context) error {
	t.mu.Lock()
	if t.state != domain.ConnPaused {
		t.mu.Unlock()
		return nil
	}
	notify := t.setStateLocked(domain.ConnConnecting)
	t.mu.Unlock()
	notify()

	var err error
	for i := 0; i < 10; i++ {
		if err = t.connect(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPaused) {
			break
		}
		select {
		case <-ctx.Done():
		case <-t.clock.After(500 * time.Millisecond):
			continue
		}
		break
	}
	t.mu.Lock()
	var notifyFail func()
	if t.state == domain.ConnConnecting {
		notifyFail = t.setStateLocked(domain.ConnDisconnected)
	}
	t.mu.Unlock()
	if notifyFail != nil {
		notifyFail()
	}
	return err
}

// Close releases the handle and lock
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeLocked()
	notify := t.setStateLocked(domain.ConnDisconnected)
	t.mu.Unlock()
	notify()
	return nil
}
