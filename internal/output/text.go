package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/vburojevic/eab/internal/domain"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
)

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TextWriter renders human-readable output. Colors are used only on a terminal.
type TextWriter struct {
	w     io.Writer
	color bool
}

// NewTextWriter creates a text writer on w
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w, color: IsTerminal(w)}
}

func (t *TextWriter) style(s lipgloss.Style, text string) string {
	if !t.color {
		return text
	}
	return s.Render(text)
}

func (t *TextWriter) healthStyle(state domain.HealthState) lipgloss.Style {
	switch state {
	case domain.HealthHealthy:
		return okStyle
	case domain.HealthIdle:
		return warnStyle
	default:
		return badStyle
	}
}

// WriteLine prints a raw log line
func (t *TextWriter) WriteLine(line string) error {
	_, err := fmt.Fprintln(t.w, line)
	return err
}

// WriteMessage prints a one-line action result
func (t *TextWriter) WriteMessage(msg string) error {
	_, err := fmt.Fprintln(t.w, msg)
	return err
}

// WriteEvent prints an event as "#seq time type data"
func (t *TextWriter) WriteEvent(ev domain.Event) error {
	keys := lo.Keys(ev.Data)
	sort.Strings(keys)
	line := fmt.Sprintf("#%d %s %s", ev.Sequence, ev.Timestamp.Format(domain.ClockFormat), t.style(labelStyle, ev.Type))
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, ev.Data[k])
	}
	_, err := fmt.Fprintln(t.w, line)
	return err
}

// WriteStatus renders the daemon state and, when present, the snapshot table
func (t *TextWriter) WriteStatus(daemon string, pid int, stale bool, snap *domain.StatusSnapshot) error {
	head := "Daemon: " + daemon
	if pid > 0 {
		head += fmt.Sprintf(" (pid %d)", pid)
	}
	if stale {
		head += " " + t.style(warnStyle, "[status stale]")
	}
	if _, err := fmt.Fprintln(t.w, head); err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	table := tablewriter.NewWriter(t.w)
	table.Header("Field", "Value")
	rows := [][]string{
		{"session", snap.Session.ID},
		{"uptime", strconv.FormatInt(snap.Session.UptimeSeconds, 10) + "s"},
		{"port", fmt.Sprintf("%s @ %d", snap.Connection.Port, snap.Connection.Baud)},
		{"connection", string(snap.Connection.Status)},
		{"reconnects", strconv.FormatInt(snap.Connection.Reconnects, 10)},
		{"health", t.style(t.healthStyle(snap.Health.Status), string(snap.Health.Status))},
		{"idle", strconv.FormatInt(snap.Health.IdleSeconds, 10) + "s"},
		{"lines", strconv.FormatInt(snap.Counters.LinesLogged, 10)},
		{"bytes", strconv.FormatInt(snap.Counters.BytesReceived, 10)},
		{"commands", strconv.FormatInt(snap.Counters.CommandsSent, 10)},
		{"alerts", strconv.FormatInt(snap.Counters.AlertsTriggered, 10)},
	}
	if snap.Health.Recovering || snap.Health.RecoveryAttempts > 0 {
		rows = append(rows, []string{"recovery", fmt.Sprintf("attempts=%d recovering=%t gave_up=%t",
			snap.Health.RecoveryAttempts, snap.Health.Recovering, snap.Health.GaveUp)})
	}
	if snap.Pause != nil {
		rows = append(rows, []string{"paused", t.style(warnStyle, "until "+snap.Pause.ExpiresAt+" ("+snap.Pause.Reason+")")})
	}
	if snap.Stream.Armed || snap.Stream.Marker != "" {
		rows = append(rows, []string{"stream", fmt.Sprintf("armed=%t marker=%q bytes=%d", snap.Stream.Armed, snap.Stream.Marker, snap.Stream.Bytes)})
	}
	names := lo.Keys(snap.Patterns)
	sort.Strings(names)
	for _, name := range names {
		if snap.Patterns[name] > 0 {
			rows = append(rows, []string{"pattern " + name, strconv.Itoa(snap.Patterns[name])})
		}
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(t.w, t.style(dimStyle, "updated "+snap.LastUpdated))
	return err
}

// WritePorts renders the port candidates
func (t *TextWriter) WritePorts(ports []PortOutput) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(t.w, "No serial ports found")
		return err
	}
	table := tablewriter.NewWriter(t.w)
	table.Header("Port", "Rank", "Locked", "Owner")
	for _, p := range ports {
		locked := "no"
		if p.Locked {
			locked = t.style(warnStyle, "yes")
		}
		if err := table.Append([]string{p.Name, strconv.Itoa(p.Rank), locked, p.Owner}); err != nil {
			return err
		}
	}
	return table.Render()
}
