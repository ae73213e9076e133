package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vburojevic/eab/internal/domain"
	"golang.org/x/sys/unix"
)

// FileName is the event log inside a session directory
const FileName = "events.jsonl"

// how far back from EOF to look for the last sequence
const tailWindow = 64 * 1024

// lastSequence returns the highest sequence among the trailing lines of f
func lastSequence(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	start := info.Size() - tailWindow
	if start < 0 {
		start = 0
	}
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, err
	}
	lines := bytes.Split(buf, []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Sequence int64 `json:"sequence"`
		}
		if json.Unmarshal(line, &probe) == nil && probe.Sequence > 0 {
			return probe.Sequence, nil
		}
	}
	return 0, nil
}

// appendLocked writes ev under an exclusive flock, assigning the next
// sequence after both floor and whatever the file already holds.
func appendLocked(f *os.File, ev domain.Event, floor int64) (domain.Event, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return ev, fmt.Errorf("lock events: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	last, err := lastSequence(f)
	if err != nil {
		return ev, fmt.Errorf("read last sequence: %w", err)
	}
	ev.Sequence = max(last, floor) + 1
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	if ev.Level == "" {
		ev.Level = domain.DefaultLevel(ev.Type)
	}
	ev.SchemaVersion = domain.EventSchemaVersion

	b, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("encode event: %w", err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return ev, fmt.Errorf("write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return ev, fmt.Errorf("sync events: %w", err)
	}
	return ev, nil
}

// AppendExternal lets a collaborator process add an event to a session's log
// with the next sequence number.
func AppendExternal(path string, ev domain.Event) (domain.Event, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return ev, err
	}
	defer f.Close()
	if ev.Timestamp.IsZero() {
		return ev, fmt.Errorf("event timestamp is required")
	}
	return appendLocked(f, ev, 0)
}

// ReadFrom returns the complete events after offset and the offset to resume
// from. A torn trailing line is left for the next call. If the file shrank
// below offset, reading restarts at the beginning.
func ReadFrom(path string, offset int64) ([]domain.Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var out []domain.Event
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// partial line: leave it for later
			break
		}
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, offset, nil
}

// Matches reports whether ev has the given type and, when contains is set,
// carries contains somewhere in its encoded data.
func Matches(ev domain.Event, eventType, contains string) bool {
	if eventType != "" && ev.Type != eventType {
		return false
	}
	if contains == "" {
		return true
	}
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), contains)
}

// Follow polls the log at path from offset, handing each new event to fn
// until fn returns true or ctx ends. It returns the offset after the last
// event seen.
func Follow(ctx context.Context, path string, offset int64, poll time.Duration, fn func(domain.Event) bool) (int64, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		evs, next, err := ReadFrom(path, offset)
		if err != nil {
			return offset, err
		}
		for _, ev := range evs {
			if fn(ev) {
				return next, nil
			}
		}
		offset = next
		select {
		case <-ctx.Done():
			return offset, ctx.Err()
		case <-ticker.C:
		}
	}
}
