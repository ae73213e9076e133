package cli

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vburojevic/eab/internal/domain"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/filter"
	"github.com/vburojevic/eab/internal/output"
	"github.com/vburojevic/eab/internal/sessionlog"
)

// LogsCmd prints the tail of latest.log
type LogsCmd struct {
	Lines  int  `short:"n" default:"50" help:"Number of lines"`
	Follow bool `short:"F" help:"Keep printing new lines until interrupted"`
}

// Run executes the logs command
func (c *LogsCmd) Run(globals *Globals) error {
	return printTail(globals, globals.Paths().Log, "latest.log", c.Lines, c.Follow)
}

// AlertsCmd prints the tail of alerts.log
type AlertsCmd struct {
	Lines  int  `short:"n" default:"20" help:"Number of lines"`
	Follow bool `short:"F" help:"Keep printing new alerts until interrupted"`
}

// Run executes the alerts command
func (c *AlertsCmd) Run(globals *Globals) error {
	return printTail(globals, globals.Paths().Alerts, "alerts.log", c.Lines, c.Follow)
}

func printTail(globals *Globals, path, source string, n int, follow bool) error {
	if n < 0 {
		return outputErrorCommon(globals, codeInvalidFlags, "-n must not be negative")
	}
	offset := sessionlog.Size(path)
	lines, err := sessionlog.Tail(path, n)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	emit := lineEmitter(globals, source)
	for _, line := range lines {
		if err := emit(line); err != nil {
			return err
		}
	}
	if !follow {
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		lines, next, err := sessionlog.ReadFrom(path, offset)
		if err != nil {
			return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
		}
		offset = next
		for _, line := range lines {
			if err := emit(line); err != nil {
				return err
			}
		}
	}
}

func lineEmitter(globals *Globals, source string) func(string) error {
	if globals.JSON() {
		w := output.NewNDJSONWriter(globals.Stdout)
		return func(line string) error { return w.WriteLine(source, line) }
	}
	w := output.NewTextWriter(globals.Stdout)
	return w.WriteLine
}

// EventsCmd prints events.jsonl, optionally filtered
type EventsCmd struct {
	From     int64    `help:"Only events with sequence >= FROM"`
	Type     string   `short:"t" help:"Only events of this type"`
	Contains string   `short:"c" help:"Only events whose data contains this text"`
	Last     int      `short:"n" help:"Only the last N matching events (0 = all)"`
	Where    []string `short:"w" help:"Field filter, e.g. data.category=WATCHDOG or level>=warn (repeatable, AND)"`
}

// Run executes the events command
func (c *EventsCmd) Run(globals *Globals) error {
	where, err := filter.NewWhereFilter(c.Where)
	if err != nil {
		return outputErrorCommon(globals, codeInvalidFlags, err.Error())
	}
	evs, _, err := events.ReadFrom(globals.Paths().Events, 0)
	if err != nil {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	var out []domain.Event
	for _, ev := range evs {
		if ev.Sequence >= c.From && events.Matches(ev, c.Type, c.Contains) && where.Match(ev) {
			out = append(out, ev)
		}
	}
	if c.Last > 0 && len(out) > c.Last {
		out = out[len(out)-c.Last:]
	}
	emit := eventEmitter(globals)
	for _, ev := range out {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func eventEmitter(globals *Globals) func(domain.Event) error {
	if globals.JSON() {
		return output.NewNDJSONWriter(globals.Stdout).WriteEvent
	}
	return output.NewTextWriter(globals.Stdout).WriteEvent
}

// WaitEventCmd blocks until a matching event is appended
type WaitEventCmd struct {
	Type      string        `arg:"" help:"Event type, e.g. crash_detected"`
	Contains  string        `short:"c" help:"Require this text in the event data"`
	Where     []string      `short:"w" help:"Field filter, e.g. data.category=WATCHDOG (repeatable, AND)"`
	Timeout   time.Duration `default:"30s" help:"Give up after this long"`
	FromStart bool          `help:"Also match events written before the command started"`
}

// Run executes the wait-event command
func (c *WaitEventCmd) Run(globals *Globals) error {
	where, err := filter.NewWhereFilter(c.Where)
	if err != nil {
		return outputErrorCommon(globals, codeInvalidFlags, err.Error())
	}
	log := newAgentLogger(globals, "wait-event")
	path := globals.Paths().Events
	var offset int64
	if !c.FromStart {
		offset = sessionlog.Size(path)
	}
	log.Debug("waiting for %s from offset %d", c.Type, offset)

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var found *domain.Event
	_, err = events.Follow(ctx, path, offset, 50*time.Millisecond, func(ev domain.Event) bool {
		if events.Matches(ev, c.Type, c.Contains) && where.Match(ev) {
			found = &ev
			return true
		}
		return false
	})
	if found != nil {
		return eventEmitter(globals)(*found)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
	}
	return outputErrorCommon(globals, codeWaitTimeout, fmt.Sprintf("no %s event within %s", c.Type, c.Timeout))
}

// WaitForCmd blocks until a device line matches a regex
type WaitForCmd struct {
	Pattern   string        `arg:"" help:"Regular expression matched against device output"`
	Timeout   time.Duration `default:"30s" help:"Give up after this long"`
	FromStart bool          `help:"Also search lines already in latest.log"`
}

// Run executes the wait-for command
func (c *WaitForCmd) Run(globals *Globals) error {
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return outputErrorCommon(globals, codeInvalidFlags, fmt.Sprintf("invalid pattern: %v", err))
	}
	path := globals.Paths().Log
	var offset int64
	if !c.FromStart {
		offset = sessionlog.Size(path)
	}

	ctx, stop := signalContext()
	defer stop()
	deadline := time.NewTimer(c.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		lines, next, err := sessionlog.ReadFrom(path, offset)
		if err != nil {
			return outputErrorCommon(globals, codeStatusUnreadable, err.Error())
		}
		offset = next
		for _, line := range lines {
			if re.MatchString(stripStamp(line)) {
				return globals.result("wait_for", line, map[string]any{"pattern": c.Pattern, "line": line})
			}
		}
		select {
		case <-ctx.Done():
			return outputErrorCommon(globals, codeWaitTimeout, "interrupted")
		case <-deadline.C:
			return outputErrorCommon(globals, codeWaitTimeout, fmt.Sprintf("no line matching %q within %s", c.Pattern, c.Timeout))
		case <-ticker.C:
		}
	}
}

// stripStamp drops the "[HH:MM:SS.mmm] " prefix so patterns can anchor on device text
func stripStamp(line string) string {
	n := len(domain.ClockFormat) + 3
	if len(line) >= n && line[0] == '[' && strings.HasPrefix(line[n-2:], "] ") {
		return line[n:]
	}
	return line
}
