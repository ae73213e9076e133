// Package events is the daemon's append-only event log (events.jsonl) and the
// in-process fan-out to waiters and hooks.
package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/eab/internal/domain"
	"go.uber.org/zap"
)

// ErrWaitTimeout is returned by Wait when no matching event arrived in time
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Hook is called after every successful append, outside the bus lock
type Hook func(ev domain.Event)

// Options configures a Bus
type Options struct {
	SessionID string
	Clock     clock.Clock
	Logger    *zap.Logger
}

type waiter struct {
	eventType string
	contains  string
	ch        chan domain.Event
}

// Bus appends events durably and wakes anyone waiting on them
type Bus struct {
	path      string
	sessionID string
	clock     clock.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	file  *os.File
	seq   int64
	hooks []Hook

	waitMu  sync.Mutex
	waiters map[int]*waiter
	nextID  int
}

// Open opens (or creates) the event log at path. Sequences continue from the
// last event already in the file.
func Open(path string, opts Options) (*Bus, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	seq, err := lastSequence(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("resume event sequence: %w", err)
	}
	return &Bus{
		path:      path,
		sessionID: opts.SessionID,
		clock:     opts.Clock,
		logger:    opts.Logger,
		file:      f,
		seq:       seq,
		waiters:   make(map[int]*waiter),
	}, nil
}

// Path returns the event log location
func (b *Bus) Path() string { return b.path }

// OnAppend registers a hook that sees every event in append order
func (b *Bus) OnAppend(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Append writes one event and returns it with its assigned sequence
func (b *Bus) Append(eventType string, data map[string]any, level domain.EventLevel) (domain.Event, error) {
	b.mu.Lock()
	if b.file == nil {
		b.mu.Unlock()
		return domain.Event{}, os.ErrClosed
	}
	ev := domain.Event{
		Type:      eventType,
		Timestamp: b.clock.Now().UTC(),
		Data:      data,
		Level:     level,
		SessionID: b.sessionID,
	}
	ev, err := appendLocked(b.file, ev, b.seq)
	if err != nil {
		b.mu.Unlock()
		return ev, err
	}
	b.seq = ev.Sequence
	hooks := append([]Hook(nil), b.hooks...)
	b.mu.Unlock()

	b.wake(ev)
	for _, h := range hooks {
		h(ev)
	}
	return ev, nil
}

// Emit appends with the default level for the type and logs failures
func (b *Bus) Emit(eventType string, data map[string]any) {
	if _, err := b.Append(eventType, data, ""); err != nil {
		b.logger.Warn("event append failed", zap.String("type", eventType), zap.Error(err))
	}
}

// LastSequence returns the sequence of the most recent event written by this bus
func (b *Bus) LastSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Bus) wake(ev domain.Event) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	for id, w := range b.waiters {
		if Matches(ev, w.eventType, w.contains) {
			w.ch <- ev
			delete(b.waiters, id)
		}
	}
}

// Wait blocks until an event of eventType (whose data contains the given
// substring, if any) is appended after the call, ctx ends, or timeout passes.
func (b *Bus) Wait(ctx context.Context, eventType, contains string, timeout time.Duration) (domain.Event, error) {
	w := &waiter{eventType: eventType, contains: contains, ch: make(chan domain.Event, 1)}
	b.waitMu.Lock()
	id := b.nextID
	b.nextID++
	b.waiters[id] = w
	b.waitMu.Unlock()

	defer func() {
		b.waitMu.Lock()
		delete(b.waiters, id)
		b.waitMu.Unlock()
	}()

	timer := b.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return domain.Event{}, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, eventType, timeout)
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

// Close closes the underlying file. Further appends fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
