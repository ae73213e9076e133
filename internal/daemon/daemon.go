// Package daemon wires the serial monitor together: one transport, the line
// pipeline, health supervision, the command mailbox and the status file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/vburojevic/eab/internal/assembler"
	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/config"
	"github.com/vburojevic/eab/internal/device"
	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/health"
	"github.com/vburojevic/eab/internal/patterns"
	"github.com/vburojevic/eab/internal/pause"
	"github.com/vburojevic/eab/internal/session"
	"github.com/vburojevic/eab/internal/sessionlog"
	"github.com/vburojevic/eab/internal/status"
	"github.com/vburojevic/eab/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// crash lines carry this much preceding output in their event
const crashContextLines = 20

// Options configures a Daemon. The hardware hooks default to the real serial stack.
type Options struct {
	Config  *config.Config
	Port    string
	Baud    int
	BaseDir string

	Logger *zap.Logger
	Clock  clock.Clock

	Opener   transport.Opener
	Scanner  transport.Scanner
	NodeGone func(name string) bool
	Runner   device.Runner

	// Ready is closed once the port is open and every worker is starting
	Ready chan struct{}
}

// Daemon is one running serial monitor session
type Daemon struct {
	opts   Options
	cfg    *config.Config
	paths  Paths
	clock  clock.Clock
	logger *zap.Logger

	tracker   *session.Tracker
	bus       *events.Bus
	log       *sessionlog.Logger
	alerts    *sessionlog.AlertLog
	matcher   *patterns.Matcher
	sink      *dataSink
	asm       *assembler.Assembler
	transport *transport.Transport
	health    *health.Monitor
	pause     *pause.Controller
	device    *device.Controller
	queue     *cmdqueue.Queue
	publisher *status.Publisher

	stopping atomic.Bool
}

// New validates options and prepares a daemon; Run does the work
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	cfg := opts.Config
	if opts.Port == "" {
		opts.Port = cfg.Defaults.Port
	}
	if opts.Baud <= 0 {
		opts.Baud = cfg.Defaults.Baud
	}
	if opts.BaseDir == "" {
		opts.BaseDir = cfg.Defaults.BaseDir
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	matcher, err := patterns.New(cfg.Patterns.Extra, cfg.Patterns.Disable)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		opts:    opts,
		cfg:     cfg,
		paths:   NewPaths(opts.BaseDir),
		clock:   opts.Clock,
		logger:  opts.Logger,
		matcher: matcher,
	}, nil
}

// Paths returns the session file layout
func (d *Daemon) Paths() Paths { return d.paths }

// Run owns the session until ctx is cancelled. It returns an error only for
// startup failures; transport and device trouble is reported through events.
func (d *Daemon) Run(ctx context.Context) (err error) {
	if err := os.MkdirAll(d.paths.Dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	singleton, err := AcquireSingleton(d.paths.Lock)
	if err != nil {
		return err
	}
	defer singleton.Release()

	d.tracker = session.NewTracker(d.clock, d.paths.Dir, d.opts.Port, d.opts.Baud)
	d.bus, err = events.Open(d.paths.Events, events.Options{
		SessionID: d.tracker.ID(),
		Clock:     d.clock,
		Logger:    d.logger.Named("events"),
	})
	if err != nil {
		return err
	}
	reason := "shutdown"
	defer func() {
		summary := d.tracker.GetFinalSummary(reason)
		data := summary.Map()
		data["pid"] = os.Getpid()
		if err != nil {
			data["error"] = err.Error()
		}
		d.bus.Emit(domain.EventDaemonStopped, data)
		d.bus.Close()
	}()
	d.bus.Emit(domain.EventDaemonStarting, map[string]any{
		"pid":      os.Getpid(),
		"port":     d.opts.Port,
		"baud":     d.opts.Baud,
		"base_dir": d.paths.Dir,
	})

	if err := WritePIDFile(d.paths.PID, os.Getpid()); err != nil {
		reason = "startup_failed"
		return err
	}
	defer RemovePIDFile(d.paths.PID)

	if err := d.build(ctx); err != nil {
		reason = "startup_failed"
		return err
	}
	defer d.closeFiles()

	if err := d.transport.Open(ctx); err != nil {
		reason = "startup_failed"
		d.logger.Error("cannot open serial port", zap.String("port", d.opts.Port), zap.Error(err))
		return err
	}
	port := d.transport.PortName()
	d.tracker.SetPort(port)
	d.bus.Emit(domain.EventPortLockAcquired, map[string]any{"port": port, "lock_dir": d.cfg.Serial.LockDir})

	if err := d.log.Header(d.tracker.Start()); err != nil {
		d.logger.Warn("write session header", zap.Error(err))
	}
	d.logger.Info("daemon started", zap.String("session", d.tracker.ID()), zap.String("port", port), zap.Int("baud", d.opts.Baud))
	d.bus.Emit(domain.EventDaemonStarted, map[string]any{
		"pid":     os.Getpid(),
		"session": d.tracker.ID(),
		"port":    port,
		"baud":    d.opts.Baud,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(gctx) })
	g.Go(func() error { return d.queue.Run(gctx) })
	g.Go(func() error { return d.housekeeping(gctx) })
	g.Go(func() error { return d.publisher.Run(gctx) })
	if d.opts.Ready != nil {
		close(d.opts.Ready)
	}
	err = g.Wait()

	d.shutdown(reason)
	return err
}

// build creates every component. Nothing touches the port yet.
func (d *Daemon) build(ctx context.Context) error {
	cfg := d.cfg
	logOpts := sessionlog.Options{MaxBytes: cfg.MaxLogBytes(), MaxFiles: cfg.Log.MaxFiles}

	var err error
	if d.log, err = sessionlog.Open(d.paths.Log, logOpts); err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	if d.alerts, err = sessionlog.OpenAlerts(d.paths.Alerts, logOpts); err != nil {
		return fmt.Errorf("open alert log: %w", err)
	}

	d.sink = &dataSink{path: d.paths.Data}
	d.asm = assembler.New(d.sink, cfg.Stream.Marker, 2*cfg.Serial.ReadTimeout)

	counters := d.tracker.Counters
	d.transport = transport.New(transport.Options{
		Port:           d.opts.Port,
		Baud:           d.opts.Baud,
		ReadTimeout:    cfg.Serial.ReadTimeout,
		BackoffInitial: cfg.Serial.BackoffInitial,
		BackoffMax:     cfg.Serial.BackoffMax,
		MaxAttempts:    cfg.Serial.MaxAttempts,
		LockDir:        cfg.Serial.LockDir,
		Owner:          fmt.Sprintf("eab-daemon pid %d (%s)", os.Getpid(), d.paths.Dir),
		Opener:         d.opts.Opener,
		Scanner:        d.opts.Scanner,
		NodeGone:       d.opts.NodeGone,
		Clock:          d.clock,
		Logger:         d.logger.Named("transport"),
		Counters:       counters,
		OnStateChange:  d.onConnState,
	})

	d.health = health.New(health.Options{
		IdleThreshold:     cfg.Health.IdleThreshold,
		StuckThreshold:    cfg.Health.StuckThreshold,
		BootLoopThreshold: cfg.Health.BootLoopThreshold,
		BootLoopWindow:    cfg.Health.BootLoopWindow,
		RecoveryGrace:     cfg.Health.RecoveryGrace,
		RecoveryCooldown:  cfg.Health.RecoveryCooldown,
		RecoveryWindow:    cfg.Health.RecoveryWindow,
		MaxAttempts:       cfg.Health.RecoveryMaxAttempts,
		AutoRecovery:      cfg.Health.AutoRecovery,
		Clock:             d.clock,
		Logger:            d.logger.Named("health"),
		Resetter:          d.transport,
		Events:            d.bus,
		Counters:          counters,
		Notice:            d.notice,
	})

	d.pause = pause.New(d.transport, pause.Options{
		LeasePath: d.paths.Pause,
		Context:   ctx,
		Clock:     d.clock,
		Logger:    d.logger.Named("pause"),
		Events:    d.bus,
		OnChange: func(paused bool, now time.Time) {
			d.health.SetPaused(paused, now)
			if paused {
				d.notice("port released to external tool")
			} else {
				d.notice("port lease ended")
			}
		},
	})

	d.device = device.New(d.transport, device.Options{
		Esptool:      cfg.Tools.Esptool,
		FlashBaud:    cfg.Tools.FlashBaud,
		FlashAddress: cfg.Tools.FlashAddress,
		ToolTimeout:  cfg.Tools.Timeout,
		Runner:       d.opts.Runner,
		Pauser:       d.pause,
		Recovery:     d.health,
		Streamer:     d,
		Journal:      d.log,
		Events:       d.bus,
		Counters:     counters,
		Clock:        d.clock,
		Logger:       d.logger.Named("device"),
	})

	d.queue = cmdqueue.New(d.paths.Commands, d.device, cmdqueue.Options{
		PollInterval: cfg.Commands.PollInterval,
		Clock:        d.clock,
		Logger:       d.logger.Named("commands"),
	})

	d.publisher = status.NewPublisher(d.paths.Status, d.snapshot, status.Options{
		Interval: cfg.StatusInterval,
		Clock:    d.clock,
		Logger:   d.logger.Named("status"),
	})
	// every event is followed by a snapshot at least as new as it
	d.bus.OnAppend(func(domain.Event) {
		if err := d.publisher.Publish(); err != nil {
			d.logger.Debug("status publish", zap.Error(err))
		}
	})
	return nil
}

func (d *Daemon) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	idle := d.cfg.Serial.ReadTimeout
	for ctx.Err() == nil {
		n, err := d.transport.Read(buf)
		if n > 0 {
			d.ingest(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrPaused) {
			select {
			case <-ctx.Done():
			case <-d.clock.After(idle):
			}
			continue
		}
		if rerr := d.transport.Reconnect(ctx); rerr != nil && !errors.Is(rerr, transport.ErrPaused) && ctx.Err() == nil {
			d.logger.Warn("reconnect", zap.Error(rerr))
		}
	}
	return nil
}

func (d *Daemon) ingest(p []byte) {
	now := d.clock.Now()
	counters := d.tracker.Counters
	counters.BytesReceived.Add(int64(len(p)))

	res := d.asm.Feed(p, now)
	for _, line := range res.Lines {
		d.handleLine(line, now)
	}
	if res.Armed {
		_, marker := d.asm.Armed()
		d.notice("binary stream armed by marker " + marker)
		d.bus.Emit(domain.EventStreamStarted, map[string]any{"marker": marker, "path": d.paths.Data})
	}
	for _, c := range res.Chunks {
		counters.StreamBytes.Add(int64(c.Length))
		d.bus.Emit(domain.EventDataChunk, map[string]any{"offset": c.Offset, "length": c.Length, "crc32": c.CRC32})
	}
	if res.Err != nil {
		d.logger.Warn("binary sink write", zap.Error(res.Err))
	}
}

func (d *Daemon) handleLine(line string, now time.Time) {
	counters := d.tracker.Counters
	if err := d.log.Device(line, now); err != nil {
		d.logger.Warn("write session log", zap.Error(err))
	}
	counters.LinesLogged.Add(1)

	recs := d.matcher.Classify(line, now)
	for _, rec := range recs {
		if err := d.alerts.Append(rec); err != nil {
			d.logger.Warn("write alert log", zap.Error(err))
		}
		counters.AlertsTriggered.Add(1)
		d.bus.Emit(domain.EventAlert, map[string]any{"category": rec.Category, "line": rec.Text})
	}
	names := patterns.Names(recs)
	if lo.Contains(names, patterns.CategoryCrash) {
		d.bus.Emit(domain.EventCrashDetected, map[string]any{"line": line, "context": d.log.Recent(crashContextLines)})
	}
	d.health.ObserveLine(now, names)
}

func (d *Daemon) housekeeping(ctx context.Context) error {
	ticker := d.clock.Ticker(d.cfg.Health.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := d.clock.Now()
			if line, ok := d.asm.FlushStale(now); ok {
				d.handleLine(line, now)
			}
			d.health.Tick(now)
		}
	}
}

func (d *Daemon) onConnState(from, to domain.ConnectionState) {
	d.logger.Debug("connection state", zap.String("from", string(from)), zap.String("to", string(to)))
	if d.stopping.Load() {
		return
	}
	now := d.clock.Now()
	port := d.transport.PortName()
	switch to {
	case domain.ConnDisconnected:
		d.health.SetConnected(false, now)
		if from == domain.ConnConnected {
			d.notice("device disconnected: " + port)
			d.bus.Emit(domain.EventDisconnect, map[string]any{"port": port})
		}
	case domain.ConnConnected:
		d.health.SetConnected(true, now)
		if from == domain.ConnReconnecting {
			d.tracker.SetPort(port)
			d.notice("device reconnected: " + port)
			d.bus.Emit(domain.EventReconnect, map[string]any{
				"port":       port,
				"reconnects": d.tracker.Counters.Reconnects.Load(),
			})
		}
	}
}

func (d *Daemon) notice(msg string) {
	if d.log == nil {
		return
	}
	if err := d.log.Notice(msg, d.clock.Now()); err != nil {
		d.logger.Warn("write session log", zap.Error(err))
	}
}

// Arm sets the marker that switches the stream to binary mode
func (d *Daemon) Arm(marker string) error {
	if marker == "" {
		return errors.New("stream marker must not be empty")
	}
	d.asm.SetMarker(marker)
	d.notice("binary stream marker set: " + marker)
	return nil
}

// Disarm returns to line mode and clears the marker
func (d *Daemon) Disarm() bool {
	was := d.asm.Disarm()
	d.asm.SetMarker("")
	if was {
		d.notice("binary stream disarmed")
		d.bus.Emit(domain.EventStreamStopped, map[string]any{"bytes": d.tracker.Counters.StreamBytes.Load()})
	}
	return was
}

func (d *Daemon) snapshot(now time.Time) domain.StatusSnapshot {
	h := d.health.Snapshot(now)
	counters := d.tracker.Counters
	armed, marker := d.asm.Armed()
	snap := domain.StatusSnapshot{
		Session: d.tracker.Status(),
		Connection: domain.ConnectionStatus{
			Port:       d.transport.PortName(),
			Baud:       d.opts.Baud,
			Status:     d.transport.State(),
			Reconnects: counters.Reconnects.Load(),
		},
		Counters: counters.Snapshot(),
		Patterns: d.matcher.Tally(),
		Health: domain.HealthStatus{
			Status:           h.State,
			IdleSeconds:      h.IdleSeconds,
			USBDisconnects:   counters.USBDisconnects.Load(),
			Recovering:       h.Recovering,
			RecoveryAttempts: h.Attempts,
			GaveUp:           h.GaveUp,
			LastActivity:     h.LastActivity.UTC().Format(time.RFC3339Nano),
		},
		Stream:            domain.StreamStatus{Armed: armed, Marker: marker, Bytes: counters.StreamBytes.Load()},
		PID:               os.Getpid(),
		LastEventSequence: d.bus.LastSequence(),
		LastUpdated:       now.UTC().Format(time.RFC3339Nano),
	}
	if lease, ok := d.pause.Lease(); ok {
		snap.Pause = &domain.PauseStatus{
			Active:    true,
			Reason:    lease.Reason,
			ExpiresAt: lease.ExpiresAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return snap
}

// shutdown runs after every worker has returned
func (d *Daemon) shutdown(reason string) {
	d.device.Wait()
	if line, ok := d.asm.Flush(); ok {
		d.handleLine(line, d.clock.Now())
	}
	d.pause.Close()
	d.stopping.Store(true)
	d.transport.Close()
	if err := d.log.Footer(d.tracker.GetFinalSummary(reason)); err != nil {
		d.logger.Warn("write session footer", zap.Error(err))
	}
	d.logger.Info("daemon stopped", zap.String("session", d.tracker.ID()), zap.String("reason", reason))
}

func (d *Daemon) closeFiles() {
	if d.log != nil {
		d.log.Close()
	}
	if d.alerts != nil {
		d.alerts.Close()
	}
	if d.sink != nil {
		d.sink.Close()
	}
}

// dataSink opens data.bin on the first binary write
type dataSink struct {
	path string

	mu   sync.Mutex
	file *assembler.DataFile
}

func (s *dataSink) Write(p []byte) (domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		f, err := assembler.OpenDataFile(s.path)
		if err != nil {
			return domain.Chunk{}, err
		}
		s.file = f
	}
	return s.file.Write(p)
}

func (s *dataSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
