package cli

import (
	"encoding/json"
	"strings"

	"github.com/vburojevic/eab/internal/daemon"
	"github.com/vburojevic/eab/internal/domain"
)

var schemaTypes = []string{"status", "event", "line", "port", "result", "error"}

// SchemaCmd outputs JSON Schema for eab output types
type SchemaCmd struct {
	Type []string `short:"t" help:"Output types to include (status,event,line,port,result,error). Default: all"`
}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]map[string]any{
		"status": statusSchema(),
		"event":  eventSchema(),
		"line":   lineSchema(),
		"port":   portSchema(),
		"result": resultSchema(),
		"error":  errorSchema(),
	}

	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		typesToOutput = schemaTypes
	}

	defs := map[string]any{}
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		schema, ok := schemas[t]
		if !ok {
			return outputErrorCommon(globals, codeInvalidFlags, "unknown schema type "+t,
				"valid types: "+strings.Join(schemaTypes, ","))
		}
		defs[t] = schema
	}

	out := map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "eab Output Schemas",
		"description": "JSON Schema definitions for eab NDJSON output types",
		"definitions": defs,
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

func envelope(typ, title, description string, required []string, props map[string]any) map[string]any {
	props["type"] = map[string]any{"const": typ}
	props["schemaVersion"] = prop("integer", "Output schema version")
	return map[string]any{
		"type":        "object",
		"title":       title,
		"description": description,
		"properties":  props,
		"required":    append([]string{"type", "schemaVersion"}, required...),
	}
}

func eventTypes() []string {
	return []string{
		domain.EventDaemonStarting, domain.EventDaemonStarted, domain.EventDaemonStopped,
		domain.EventPortLockAcquired, domain.EventDisconnect, domain.EventReconnect,
		domain.EventPaused, domain.EventResumed, domain.EventResumeFailed,
		domain.EventCommandSent, domain.EventCommandResult, domain.EventCommandRejected,
		domain.EventAlert, domain.EventCrashDetected, domain.EventHealthChanged,
		domain.EventResetIssued, domain.EventRecoveryStarted, domain.EventRecovered,
		domain.EventRecoveryFailed, domain.EventRecoveryGaveUp,
		domain.EventStreamStarted, domain.EventStreamStopped, domain.EventDataChunk,
		domain.EventToolStarted, domain.EventToolFinished,
	}
}

func eventRecordSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "One line of events.jsonl",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"description": "Event type; the daemon writes the listed types, collaborators may add others",
				"examples":    eventTypes(),
			},
			"sequence":       prop("integer", "Strictly increasing per events.jsonl, starting at 1"),
			"timestamp":      map[string]any{"type": "string", "format": "date-time"},
			"data":           prop("object", "Event payload"),
			"level":          enumProp("Severity", string(domain.LevelInfo), string(domain.LevelWarn), string(domain.LevelError)),
			"session_id":     prop("string", "Daemon session the event belongs to"),
			"schema_version": prop("integer", "events.jsonl record version"),
		},
		"required": []string{"type", "sequence", "timestamp", "data", "schema_version"},
	}
}

func eventSchema() map[string]any {
	return envelope("event", "Event", "An events.jsonl record printed by eab events or eab wait-event",
		[]string{"event"},
		map[string]any{"event": eventRecordSchema()})
}

func statusSchema() map[string]any {
	snapshot := map[string]any{
		"type":        "object",
		"description": "Contents of status.json",
		"properties": map[string]any{
			"session": map[string]any{"type": "object", "properties": map[string]any{
				"id":             prop("string", "Session id"),
				"started":        map[string]any{"type": "string", "format": "date-time"},
				"uptime_seconds": prop("integer", "Seconds since the session started"),
			}},
			"connection": map[string]any{"type": "object", "properties": map[string]any{
				"port": prop("string", "Serial device path"),
				"baud": prop("integer", "Line speed"),
				"status": enumProp("Transport state",
					string(domain.ConnConnecting), string(domain.ConnConnected), string(domain.ConnReconnecting),
					string(domain.ConnDisconnected), string(domain.ConnPaused)),
				"reconnects": prop("integer", "Successful reconnects this session"),
			}},
			"counters": map[string]any{"type": "object", "properties": map[string]any{
				"lines_logged":     prop("integer", "Lines written to latest.log"),
				"bytes_received":   prop("integer", "Raw bytes read from the port"),
				"commands_sent":    prop("integer", "Lines written to the device"),
				"alerts_triggered": prop("integer", "Lines written to alerts.log"),
			}},
			"patterns": map[string]any{
				"type":                 "object",
				"description":          "Match count per alert pattern",
				"additionalProperties": map[string]any{"type": "integer"},
			},
			"health": map[string]any{"type": "object", "properties": map[string]any{
				"status": enumProp("Health classification",
					string(domain.HealthHealthy), string(domain.HealthIdle), string(domain.HealthStuck), string(domain.HealthDisconnected)),
				"idle_seconds":      prop("integer", "Seconds since the last device line"),
				"usb_disconnects":   prop("integer", "Disconnects this session"),
				"recovering":        prop("boolean", "An auto-recovery reset is in flight"),
				"recovery_attempts": prop("integer", "Recovery attempts in the current window"),
				"gave_up":           prop("boolean", "Auto-recovery exhausted its attempts"),
				"last_activity":     map[string]any{"type": "string", "format": "date-time"},
			}},
			"pause": map[string]any{"type": "object", "properties": map[string]any{
				"active":     prop("boolean", "Port is released"),
				"reason":     prop("string", "Why the port was released"),
				"expires_at": map[string]any{"type": "string", "format": "date-time"},
			}},
			"stream": map[string]any{"type": "object", "properties": map[string]any{
				"armed":  prop("boolean", "Binary passthrough is armed"),
				"marker": prop("string", "Line marker that switches to binary mode"),
				"bytes":  prop("integer", "Bytes written to data.bin"),
			}},
			"pid":                 prop("integer", "Daemon process id"),
			"last_event_sequence": prop("integer", "Sequence of the newest event"),
			"last_updated":        map[string]any{"type": "string", "format": "date-time"},
		},
	}
	return envelope("status", "Status", "Daemon process state and the latest status.json",
		[]string{"daemon", "stale"},
		map[string]any{
			"daemon": enumProp("Daemon process state",
				string(daemon.StateRunning), string(daemon.StateStopped), string(daemon.StateStale)),
			"pid":    prop("integer", "Daemon process id from the PID file"),
			"stale":  prop("boolean", "status.json has not been rewritten recently"),
			"status": snapshot,
		})
}

func lineSchema() map[string]any {
	return envelope("line", "Line", "A line from latest.log or alerts.log",
		[]string{"source", "line"},
		map[string]any{
			"source": enumProp("File the line came from", "latest.log", "alerts.log"),
			"line":   prop("string", "Timestamped log line"),
		})
}

func portSchema() map[string]any {
	return envelope("port", "Port", "A serial port candidate from eab ports",
		[]string{"name", "rank", "locked"},
		map[string]any{
			"name":   prop("string", "Device path"),
			"rank":   prop("integer", "Auto-detect priority, lower is preferred"),
			"locked": prop("boolean", "Another process holds the port lock"),
			"owner":  prop("string", "Lock holder description"),
		})
}

func resultSchema() map[string]any {
	return envelope("result", "Result", "Outcome of a lifecycle or mailbox command",
		[]string{"action", "ok"},
		map[string]any{
			"action":  prop("string", "Command that produced the result, e.g. start, send, flash"),
			"ok":      prop("boolean", "Always true; failures are reported as error objects"),
			"message": prop("string", "Human readable summary"),
			"data":    prop("object", "Action specific fields"),
		})
}

func errorSchema() map[string]any {
	return envelope("error", "Error", "A failed command",
		[]string{"code", "message"},
		map[string]any{
			"code": enumProp("Error code",
				codePortUnavailable, codeDaemonNotRunning, codeDaemonRunning, codeInvalidFlags,
				codeStatusUnreadable, codeWaitTimeout, codeQueueFailed, codeStartFailed,
				codeStopFailed, codeCommandFailed),
			"message": prop("string", "What went wrong"),
			"hint":    prop("string", "Suggested next step"),
		})
}
