package domain

import "time"

// ClockFormat is the wall-clock prefix used by latest.log and alerts.log
const ClockFormat = "15:04:05.000"

// LineSource identifies who produced a LogLine
type LineSource string

const (
	SourceDevice  LineSource = "device"
	SourceCommand LineSource = "command"
	SourceDaemon  LineSource = "daemon"
)

// LogLine is one captured or sent line
type LogLine struct {
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text"`
	Source    LineSource `json:"source"`
}

// AlertRecord is a LogLine that matched a pattern category
type AlertRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
}

// Format renders the record as an alerts.log entry
func (a AlertRecord) Format() string {
	return "[" + a.Timestamp.Format(ClockFormat) + "] [" + a.Category + "] " + a.Text
}

// Command is a single entry taken from cmd.txt
type Command struct {
	Text        string    `json:"text"`
	IsDirective bool      `json:"is_directive"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// PauseLease is a time-bounded grant of the port to an external tool
type PauseLease struct {
	Reason    string    `json:"reason,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	PID       int       `json:"pid,omitempty"`
}

// Remaining returns how long the lease still has at now (never negative)
func (l PauseLease) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Chunk describes a block of raw bytes appended to data.bin
type Chunk struct {
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
	CRC32  string `json:"crc32"`
}
