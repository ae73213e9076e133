package daemon

import (
	"path/filepath"

	"github.com/vburojevic/eab/internal/cmdqueue"
	"github.com/vburojevic/eab/internal/events"
	"github.com/vburojevic/eab/internal/pause"
	"github.com/vburojevic/eab/internal/status"
)

// Paths lists every file of a session directory
type Paths struct {
	Dir       string
	Log       string
	Alerts    string
	Status    string
	Events    string
	Commands  string
	Data      string
	Pause     string
	PID       string
	Lock      string
	DaemonLog string
}

// NewPaths lays out the session directory rooted at dir
func NewPaths(dir string) Paths {
	return Paths{
		Dir:       dir,
		Log:       filepath.Join(dir, "latest.log"),
		Alerts:    filepath.Join(dir, "alerts.log"),
		Status:    filepath.Join(dir, status.FileName),
		Events:    filepath.Join(dir, events.FileName),
		Commands:  filepath.Join(dir, cmdqueue.FileName),
		Data:      filepath.Join(dir, "data.bin"),
		Pause:     filepath.Join(dir, pause.FileName),
		PID:       filepath.Join(dir, "daemon.pid"),
		Lock:      filepath.Join(dir, "daemon.lock"),
		DaemonLog: filepath.Join(dir, "daemon.log"),
	}
}
