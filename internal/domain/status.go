package domain

// StatusSnapshot is the materialized view written to status.json
type StatusSnapshot struct {
	Session    SessionStatus    `json:"session"`
	Connection ConnectionStatus `json:"connection"`
	Counters   CounterStatus    `json:"counters"`
	Patterns   map[string]int   `json:"patterns"`
	Health     HealthStatus     `json:"health"`

	Pause             *PauseStatus `json:"pause,omitempty"`
	Stream            StreamStatus `json:"stream"`
	PID               int          `json:"pid"`
	LastEventSequence int64        `json:"last_event_sequence"`
	LastUpdated       string       `json:"last_updated"`
}

type SessionStatus struct {
	ID            string `json:"id"`
	Started       string `json:"started"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ConnectionStatus struct {
	Port       string          `json:"port"`
	Baud       int             `json:"baud"`
	Status     ConnectionState `json:"status"`
	Reconnects int64           `json:"reconnects"`
}

type CounterStatus struct {
	LinesLogged     int64 `json:"lines_logged"`
	BytesReceived   int64 `json:"bytes_received"`
	CommandsSent    int64 `json:"commands_sent"`
	AlertsTriggered int64 `json:"alerts_triggered"`
}

type HealthStatus struct {
	Status           HealthState `json:"status"`
	IdleSeconds      int64       `json:"idle_seconds"`
	USBDisconnects   int64       `json:"usb_disconnects"`
	Recovering       bool        `json:"recovering"`
	RecoveryAttempts int         `json:"recovery_attempts"`
	GaveUp           bool        `json:"gave_up"`
	LastActivity     string      `json:"last_activity,omitempty"`
}

type PauseStatus struct {
	Active    bool   `json:"active"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

type StreamStatus struct {
	Armed  bool   `json:"armed"`
	Marker string `json:"marker,omitempty"`
	Bytes  int64  `json:"bytes"`
}
