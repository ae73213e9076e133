package domain

import "strings"

// ConnectionState is the transport-level status of the serial port
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnDisconnected ConnectionState = "disconnected"
	ConnPaused       ConnectionState = "paused"
)

// HealthState is the content-derived health of the device
type HealthState string

const (
	HealthHealthy      HealthState = "healthy"
	HealthIdle         HealthState = "idle"
	HealthStuck        HealthState = "stuck"
	HealthDisconnected HealthState = "disconnected"
)

// Severity orders health states for display (higher is worse)
func (h HealthState) Severity() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthIdle:
		return 1
	case HealthStuck:
		return 2
	case HealthDisconnected:
		return 3
	default:
		return 0
	}
}

// ParseHealthState converts a string to HealthState, defaulting to healthy
func ParseHealthState(s string) HealthState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return HealthIdle
	case "stuck":
		return HealthStuck
	case "disconnected":
		return HealthDisconnected
	default:
		return HealthHealthy
	}
}

// ParseConnectionState converts a string to ConnectionState, defaulting to disconnected
func ParseConnectionState(s string) ConnectionState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "connecting":
		return ConnConnecting
	case "connected":
		return ConnConnected
	case "reconnecting":
		return ConnReconnecting
	case "paused":
		return ConnPaused
	default:
		return ConnDisconnected
	}
}
