package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrPortUnavailable means the device exists but cannot be opened (busy, locked, permissions)
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrDeviceNotFound means no device node exists for the requested port
	ErrDeviceNotFound = errors.New("device not found")
	// ErrPaused is returned by Read and Write while a pause lease is active
	ErrPaused = errors.New("port paused")
	// ErrNotConnected is returned by Read and Write while no handle is open
	ErrNotConnected = errors.New("port not connected")
	// ErrUnknownSequence is returned by Reset for an unknown sequence name
	ErrUnknownSequence = errors.New("unknown reset sequence")
)

// Port is the subset of a serial handle the transport needs
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	Close() error
}

// Opener opens a serial device at the given baud rate
type Opener func(name string, baud int) (Port, error)

// SerialOpener opens real devices through go.bug.st/serial
func SerialOpener(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, classifyOpenError(name, err)
	}
	return p, nil
}

// classifyOpenError maps driver errors onto ErrDeviceNotFound / ErrPortUnavailable
func classifyOpenError(name string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("open %s: %w: %v", name, ErrDeviceNotFound, err)
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("open %s: %w: %v", name, ErrPortUnavailable, err)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("open %s: %w: %v", name, ErrDeviceNotFound, err)
	}
	if _, statErr := os.Stat(name); errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("open %s: %w: %v", name, ErrDeviceNotFound, err)
	}
	return fmt.Errorf("open %s: %w: %v", name, ErrPortUnavailable, err)
}

// nodeGone reports whether the device node for name has vanished
func nodeGone(name string) bool {
	_, err := os.Stat(name)
	return errors.Is(err, os.ErrNotExist)
}
