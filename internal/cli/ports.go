package cli

import (
	"fmt"

	"github.com/vburojevic/eab/internal/output"
	"github.com/vburojevic/eab/internal/transport"
)

// PortsCmd lists serial devices in auto-detect order
type PortsCmd struct{}

// Run executes the ports command
func (c *PortsCmd) Run(globals *Globals) error {
	return listPorts(globals, transport.DefaultScanner())
}

func listPorts(globals *Globals, scanner transport.Scanner) error {
	lockDir := ""
	if globals.Config != nil {
		lockDir = globals.Config.Serial.LockDir
	}
	var ports []output.PortOutput
	for _, name := range scanner.Candidates() {
		p := output.PortOutput{Name: name, Rank: transport.Rank(name)}
		if holder, ok := transport.LockHolder(lockDir, name); ok {
			p.Locked = true
			p.Owner = fmt.Sprintf("pid %d (%s)", holder.PID, holder.Owner)
		}
		ports = append(ports, p)
	}
	globals.Debug("found %d port candidates", len(ports))

	if !globals.JSON() {
		return output.NewTextWriter(globals.Stdout).WritePorts(ports)
	}
	w := output.NewNDJSONWriter(globals.Stdout)
	for _, p := range ports {
		if err := w.WritePort(p); err != nil {
			return err
		}
	}
	return nil
}
