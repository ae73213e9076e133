package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/eab/internal/output"
)

// Error codes printed by the CLI
const (
	codePortUnavailable  = "PORT_UNAVAILABLE"
	codeDaemonNotRunning = "DAEMON_NOT_RUNNING"
	codeDaemonRunning    = "DAEMON_RUNNING"
	codeInvalidFlags     = "INVALID_FLAGS"
	codeStatusUnreadable = "STATUS_UNREADABLE"
	codeWaitTimeout      = "WAIT_TIMEOUT"
	codeQueueFailed      = "QUEUE_FAILED"
	codeStartFailed      = "START_FAILED"
	codeStopFailed       = "STOP_FAILED"
)

// outputErrorCommon normalizes error emission across commands, respecting
// ndjson vs text formats so agents always get machine-readable failures.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return errors.New(message)
}
