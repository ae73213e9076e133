// Package cmdqueue consumes the cmd.txt mailbox. Clients append one command
// per line under flock; the daemon drains the file under the same lock,
// truncating before it dispatches anything so each entry runs at most once.
package cmdqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/vburojevic/eab/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileName is the mailbox inside a session directory
const FileName = "cmd.txt"

const defaultDebounce = 50 * time.Millisecond

// Entry is one accepted command, with its parsed directive if it has one
type Entry struct {
	domain.Command
	Directive *Directive
}

// Dispatcher acts on drained entries
type Dispatcher interface {
	Dispatch(ctx context.Context, e Entry)
	Reject(text string, err error)
}

// Options configures a Queue
type Options struct {
	PollInterval time.Duration
	Debounce     time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Queue watches the mailbox and hands entries to a Dispatcher
type Queue struct {
	path     string
	dispatch Dispatcher
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger
}

// New creates a queue for the mailbox at path
func New(path string, d Dispatcher, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{path: path, dispatch: d, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// Path returns the mailbox location
func (q *Queue) Path() string { return q.path }

// Run drains the mailbox on change notifications and on every poll tick
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	watcher := q.initWatcher()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	poll := q.clock.Ticker(q.opts.PollInterval)
	defer poll.Stop()

	debounce := q.clock.Timer(q.opts.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	q.Drain(ctx)
	base := filepath.Base(q.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != base || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			debounce.Reset(q.opts.Debounce)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			q.logger.Warn("fsnotify error, relying on polling", zap.Error(err))
		case <-debounce.C:
			q.Drain(ctx)
		case <-poll.C:
			q.Drain(ctx)
		}
	}
}

// initWatcher watches the mailbox directory. Returns nil when notification
// is unavailable; polling still covers that case.
func (q *Queue) initWatcher() *fsnotify.Watcher {
	dir := filepath.Dir(q.path)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		q.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		q.logger.Warn("cannot watch session dir, falling back to polling", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return watcher
}

// Drain takes every queued entry and dispatches it. Returns how many entries
// were taken, rejected ones included.
func (q *Queue) Drain(ctx context.Context) int {
	lines, err := TakeAll(q.path)
	if err != nil {
		q.logger.Warn("drain command file", zap.String("path", q.path), zap.Error(err))
		return 0
	}
	now := q.clock.Now()
	for _, line := range lines {
		if err := Validate(line); err != nil {
			q.dispatch.Reject(line, err)
			continue
		}
		e := Entry{Command: domain.Command{Text: line, IsDirective: IsDirective(line), EnqueuedAt: now}}
		if e.IsDirective {
			d, err := ParseDirective(line)
			if err != nil {
				q.dispatch.Reject(line, err)
				continue
			}
			e.Directive = &d
		}
		q.dispatch.Dispatch(ctx, e)
	}
	return len(lines)
}

// TakeAll reads and truncates the mailbox under an exclusive lock. The file is
// empty before any entry is returned.
func TakeAll(path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, nil
	}
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	// entries are kept as written; only the line terminator goes
	var out []string
	for _, raw := range bytes.Split(content, []byte{'\n'}) {
		line := strings.TrimRight(string(raw), "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// Append queues one command for the daemon
func Append(path, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return fmt.Errorf("%w: empty command", ErrMalformed)
	}
	if strings.ContainsAny(text, "\n") {
		return fmt.Errorf("%w: command contains a newline", ErrMalformed)
	}
	if err := Validate(text); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if _, err := f.WriteString(text + "\n"); err != nil {
		return err
	}
	return f.Sync()
}
