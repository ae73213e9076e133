// Package pause grants an external tool a time-bounded lease on the serial
// port. The daemon closes its handle for the lease and reopens it when the
// lease is released or expires.
package pause

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/eab/internal/domain"
	"go.uber.org/zap"
)

// FileName is the informational lease file inside a session directory
const FileName = "pause.json"

// ErrInvalidDuration is returned for non-positive pause lengths
var ErrInvalidDuration = errors.New("pause duration must be positive")

// Transport is the part of the serial transport a lease controls
type Transport interface {
	Suspend() error
	Resume(ctx context.Context) error
}

// Emitter appends to the event log
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// Options configures a Controller
type Options struct {
	LeasePath string
	Context   context.Context
	Clock     clock.Clock
	Logger    *zap.Logger
	Events    Emitter
	// OnChange runs after a lease starts or ends, outside the controller lock
	OnChange func(paused bool, now time.Time)
}

// Controller owns the single pause lease
type Controller struct {
	transport Transport
	opts      Options
	clock     clock.Clock
	logger    *zap.Logger

	// switching orders lease start and end against each other; mu guards
	// the fields and is never held across transport calls
	switching sync.Mutex

	mu    sync.Mutex
	lease *domain.PauseLease
	timer *clock.Timer
	gen   int
}

// New creates a controller with no active lease
func New(t Transport, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Controller{transport: t, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// Pause suspends the transport for d. Pausing while paused extends the lease.
// created reports whether this call started the lease rather than extending one.
func (c *Controller) Pause(d time.Duration, reason string) (lease domain.PauseLease, created bool, err error) {
	if d <= 0 {
		return domain.PauseLease{}, false, ErrInvalidDuration
	}
	c.switching.Lock()
	defer c.switching.Unlock()
	now := c.clock.Now()

	// Suspend runs without mu: it reports state changes that may read the lease.
	extended := c.Active()
	if !extended {
		if err := c.transport.Suspend(); err != nil {
			return domain.PauseLease{}, false, fmt.Errorf("suspend transport: %w", err)
		}
	}

	c.mu.Lock()
	if extended {
		if exp := now.Add(d); exp.After(c.lease.ExpiresAt) {
			c.lease.ExpiresAt = exp
		}
		if reason != "" {
			c.lease.Reason = reason
		}
	} else {
		c.lease = &domain.PauseLease{Reason: reason, GrantedAt: now, ExpiresAt: now.Add(d), PID: os.Getpid()}
	}
	c.armLocked(c.lease.ExpiresAt.Sub(now))
	lease = *c.lease
	c.mu.Unlock()

	if err := c.persist(lease); err != nil {
		c.logger.Warn("write pause lease", zap.Error(err))
	}
	c.logger.Info("port paused", zap.Duration("for", d), zap.String("reason", lease.Reason), zap.Bool("extended", extended))
	if !extended && c.opts.OnChange != nil {
		c.opts.OnChange(true, now)
	}
	c.emit(domain.EventPaused, map[string]any{
		"reason":     lease.Reason,
		"seconds":    d.Seconds(),
		"expires_at": lease.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"extended":   extended,
	})
	return lease, !extended, nil
}

// armLocked replaces the expiry timer. The generation guards against a stale
// timer firing after the lease it was armed for is gone.
func (c *Controller) armLocked(after time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(after, func() { c.resume("expired", gen) })
}

// Resume ends the lease and reopens the port. It reports whether a lease was
// active; without one it does nothing.
func (c *Controller) Resume(reason string) bool {
	return c.resume(reason, 0)
}

func (c *Controller) resume(reason string, gen int) bool {
	c.switching.Lock()
	defer c.switching.Unlock()
	c.mu.Lock()
	if c.lease == nil || (gen != 0 && gen != c.gen) {
		c.mu.Unlock()
		return false
	}
	lease := *c.lease
	c.lease = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.mu.Unlock()

	if err := os.Remove(c.opts.LeasePath); err != nil && !os.IsNotExist(err) && c.opts.LeasePath != "" {
		c.logger.Warn("remove pause lease", zap.Error(err))
	}
	now := c.clock.Now()
	if c.opts.OnChange != nil {
		c.opts.OnChange(false, now)
	}

	held := now.Sub(lease.GrantedAt)
	if err := c.transport.Resume(c.opts.Context); err != nil {
		c.logger.Warn("reopen after pause failed, reconnecting", zap.Error(err))
		c.emit(domain.EventResumeFailed, map[string]any{"reason": reason, "error": err.Error()})
		return true
	}
	c.logger.Info("port resumed", zap.String("reason", reason), zap.Duration("held", held))
	c.emit(domain.EventResumed, map[string]any{"reason": reason, "paused_seconds": held.Seconds()})
	return true
}

// Lease returns the active lease, if any
func (c *Controller) Lease() (domain.PauseLease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return domain.PauseLease{}, false
	}
	return *c.lease, true
}

// Active reports whether a lease is held
func (c *Controller) Active() bool {
	_, ok := c.Lease()
	return ok
}

// Close stops the expiry timer without resuming
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	if c.lease != nil && c.opts.LeasePath != "" {
		os.Remove(c.opts.LeasePath)
	}
}

func (c *Controller) persist(lease domain.PauseLease) error {
	if c.opts.LeasePath == "" {
		return nil
	}
	b, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.opts.LeasePath, append(b, '\n'), 0o644)
}

func (c *Controller) emit(eventType string, data map[string]any) {
	if c.opts.Events != nil {
		c.opts.Events.Emit(eventType, data)
	}
}

// ReadLease loads pause.json. A missing file means no lease.
func ReadLease(path string) (*domain.PauseLease, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lease domain.PauseLease
	if err := json.Unmarshal(b, &lease); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &lease, nil
}
