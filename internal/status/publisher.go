// Package status maintains status.json, the materialized view of the daemon
// that CLI readers poll.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vburojevic/eab/internal/domain"
	"go.uber.org/zap"
)

// FileName is the snapshot inside a session directory
const FileName = "status.json"

// Builder assembles a snapshot from the daemon's current state
type Builder func(now time.Time) domain.StatusSnapshot

// Options configures a Publisher
type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Publisher writes snapshots atomically, on demand and on a timer
type Publisher struct {
	path   string
	build  Builder
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	published int64
}

// NewPublisher creates a publisher for path
func NewPublisher(path string, build Builder, opts Options) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Publisher{path: path, build: build, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// Publish builds and writes one snapshot. Calls are serialised so a slower
// writer never replaces a newer snapshot.
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.build(p.clock.Now())
	if err := WriteFile(p.path, snap); err != nil {
		return err
	}
	p.published++
	return nil
}

// Published returns how many snapshots were written
func (p *Publisher) Published() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Run refreshes the snapshot every interval until ctx ends, then writes a
// final one.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := p.Publish(); err != nil {
				p.logger.Warn("final status publish", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				p.logger.Warn("status publish", zap.Error(err))
			}
		}
	}
}

// WriteFile writes snap to path via a temp file, fsync and rename so readers
// never see a partial document.
func WriteFile(path string, snap domain.StatusSnapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Load reads a snapshot written by WriteFile
func Load(path string) (*domain.StatusSnapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &snap, nil
}

// Stale reports whether snap has not been refreshed within maxAge of now,
// which usually means the daemon died without cleaning up.
func Stale(snap *domain.StatusSnapshot, now time.Time, maxAge time.Duration) bool {
	if snap == nil {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, snap.LastUpdated)
	if err != nil {
		return true
	}
	return now.Sub(ts) > maxAge
}
