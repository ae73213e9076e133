// Package output renders CLI results as NDJSON for agents or as text for humans.
package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/vburojevic/eab/internal/domain"
)

// SchemaVersion is stamped on every NDJSON object the CLI prints
const SchemaVersion = 1

// ErrorOutput is the NDJSON error object
type ErrorOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// StatusOutput wraps a status snapshot with the daemon process view
type StatusOutput struct {
	Type          string                 `json:"type"`
	SchemaVersion int                    `json:"schemaVersion"`
	Daemon        string                 `json:"daemon"`
	PID           int                    `json:"pid,omitempty"`
	Stale         bool                   `json:"stale"`
	Status        *domain.StatusSnapshot `json:"status,omitempty"`
}

// LineOutput is one line of latest.log or alerts.log
type LineOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Source        string `json:"source"`
	Line          string `json:"line"`
}

// EventOutput is one events.jsonl record re-emitted by the CLI
type EventOutput struct {
	Type          string       `json:"type"`
	SchemaVersion int          `json:"schemaVersion"`
	Event         domain.Event `json:"event"`
}

// PortOutput describes one serial port candidate
type PortOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	Rank          int    `json:"rank"`
	Locked        bool   `json:"locked"`
	Owner         string `json:"owner,omitempty"`
}

// ResultOutput reports a completed lifecycle action
type ResultOutput struct {
	Type          string         `json:"type"`
	SchemaVersion int            `json:"schemaVersion"`
	Action        string         `json:"action"`
	OK            bool           `json:"ok"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// NDJSONWriter writes one JSON object per line
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer on w
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSONWriter{enc: enc}
}

// Write encodes v as a single line
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// WriteError writes an error object
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	out := ErrorOutput{Type: "error", SchemaVersion: SchemaVersion, Code: code, Message: message}
	if len(hint) > 0 {
		out.Hint = hint[0]
	}
	return w.Write(out)
}

// WriteStatus writes the daemon status
func (w *NDJSONWriter) WriteStatus(daemon string, pid int, stale bool, snap *domain.StatusSnapshot) error {
	return w.Write(StatusOutput{
		Type:          "status",
		SchemaVersion: SchemaVersion,
		Daemon:        daemon,
		PID:           pid,
		Stale:         stale,
		Status:        snap,
	})
}

// WriteLine writes a log or alert line
func (w *NDJSONWriter) WriteLine(source, line string) error {
	return w.Write(LineOutput{Type: "line", SchemaVersion: SchemaVersion, Source: source, Line: line})
}

// WriteEvent writes an event record
func (w *NDJSONWriter) WriteEvent(ev domain.Event) error {
	return w.Write(EventOutput{Type: "event", SchemaVersion: SchemaVersion, Event: ev})
}

// WritePort writes a port listing entry
func (w *NDJSONWriter) WritePort(p PortOutput) error {
	p.Type = "port"
	p.SchemaVersion = SchemaVersion
	return w.Write(p)
}

// WriteResult writes the outcome of an action
func (w *NDJSONWriter) WriteResult(action, message string, data map[string]any) error {
	return w.Write(ResultOutput{
		Type:          "result",
		SchemaVersion: SchemaVersion,
		Action:        action,
		OK:            true,
		Message:       message,
		Data:          data,
	})
}
