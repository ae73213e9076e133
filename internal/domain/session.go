package domain

import "time"

// SessionStart is written as the header of latest.log when the daemon starts
type SessionStart struct {
	Session string    // Session id
	Port    string    // Resolved device path
	Baud    int       // Line speed
	Started time.Time // Daemon start time
}

// SessionEnd is written as the footer of latest.log and carried by daemon_stopped
type SessionEnd struct {
	Session string         `json:"session"`
	Reason  string         `json:"reason"`
	Summary SessionSummary `json:"summary"`
}

// SessionSummary contains statistics about a completed session
type SessionSummary struct {
	LinesLogged     int64 `json:"lines_logged"`
	CommandsSent    int64 `json:"commands_sent"`
	AlertsTriggered int64 `json:"alerts_triggered"`
	DurationSeconds int64 `json:"duration_seconds"`
}

// NewSessionEnd creates a new SessionEnd record
func NewSessionEnd(session, reason string, summary SessionSummary) *SessionEnd {
	if reason == "" {
		reason = "shutdown"
	}
	return &SessionEnd{
		Session: session,
		Reason:  reason,
		Summary: summary,
	}
}

// Map flattens the record for an event payload
func (e *SessionEnd) Map() map[string]any {
	return map[string]any{
		"session":          e.Session,
		"reason":           e.Reason,
		"lines_logged":     e.Summary.LinesLogged,
		"commands_sent":    e.Summary.CommandsSent,
		"alerts_triggered": e.Summary.AlertsTriggered,
		"duration_seconds": e.Summary.DurationSeconds,
	}
}
