package domain

import "time"

// EventSchemaVersion is written into every events.jsonl record
const EventSchemaVersion = 1

// EventLevel is the severity attached to an event
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event types written by the daemon. Collaborators may append their own.
const (
	EventDaemonStarting   = "daemon_starting"
	EventDaemonStarted    = "daemon_started"
	EventDaemonStopped    = "daemon_stopped"
	EventPortLockAcquired = "port_lock_acquired"
	EventDisconnect       = "disconnect"
	EventReconnect        = "reconnect"
	EventPaused           = "paused"
	EventResumed          = "resumed"
	EventResumeFailed     = "resume_failed"
	EventCommandSent      = "command_sent"
	EventCommandResult    = "command_result"
	EventCommandRejected  = "command_rejected"
	EventAlert            = "alert"
	EventCrashDetected    = "crash_detected"
	EventHealthChanged    = "health_changed"
	EventResetIssued      = "reset_issued"
	EventRecoveryStarted  = "recovery_started"
	EventRecovered        = "recovered"
	EventRecoveryFailed   = "recovery_failed"
	EventRecoveryGaveUp   = "recovery_gave_up"
	EventStreamStarted    = "stream_started"
	EventStreamStopped    = "stream_stopped"
	EventDataChunk        = "data_chunk"
	EventToolStarted      = "tool_started"
	EventToolFinished     = "tool_finished"
)

// Event is one line of events.jsonl
type Event struct {
	Type          string         `json:"type"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
	Level         EventLevel     `json:"level,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	SchemaVersion int            `json:"schema_version"`
}

// DefaultLevel picks the level used when a caller does not supply one
func DefaultLevel(eventType string) EventLevel {
	switch eventType {
	case EventDisconnect, EventResumeFailed, EventCommandRejected, EventAlert, EventRecoveryFailed:
		return LevelWarn
	case EventCrashDetected, EventRecoveryGaveUp:
		return LevelError
	default:
		return LevelInfo
	}
}
