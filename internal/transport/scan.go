package transport

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.bug.st/serial"
)

// Auto is the port name that triggers device auto-detection
const Auto = "auto"

var scanGlobs = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/cu.usbserial*",
	"/dev/cu.usbmodem*",
	"/dev/cu.SLAB_USBtoUART*",
	"/dev/cu.wchusbserial*",
}

// USB-serial bridges first, generic usb names last
var portPriority = []string{"usbmodem", "cp210", "slab", "ch34", "wchusb", "ftdi", "usbserial", "ttyacm", "ttyusb", "usb"}

var skipPorts = []string{"bluetooth", "debug-console", "wlan"}

// Scanner lists candidate device paths
type Scanner struct {
	List func() ([]string, error)
	Glob func(pattern string) ([]string, error)
}

// DefaultScanner combines the driver's port list with well-known device globs
func DefaultScanner() Scanner {
	return Scanner{List: serial.GetPortsList, Glob: filepath.Glob}
}

// Candidates returns deduplicated USB serial ports ordered by how likely they
// are a dev board
func (s Scanner) Candidates() []string {
	var found []string
	if s.List != nil {
		if ports, err := s.List(); err == nil {
			found = append(found, ports...)
		}
	}
	if s.Glob != nil {
		for _, g := range scanGlobs {
			if matches, err := s.Glob(g); err == nil {
				found = append(found, matches...)
			}
		}
	}

	// built-in UARTs like /dev/ttyS0 never match a USB bridge name and are left out
	found = lo.Uniq(found)
	found = lo.Filter(found, func(p string, _ int) bool {
		lower := strings.ToLower(p)
		if lo.ContainsBy(skipPorts, func(s string) bool { return strings.Contains(lower, s) }) {
			return false
		}
		return rank(p) < len(portPriority)
	})

	sort.SliceStable(found, func(i, j int) bool {
		ri, rj := rank(found[i]), rank(found[j])
		if ri != rj {
			return ri < rj
		}
		return found[i] < found[j]
	})
	return found
}

func rank(port string) int {
	lower := strings.ToLower(port)
	for i, key := range portPriority {
		if strings.Contains(lower, key) {
			return i
		}
	}
	return len(portPriority)
}

// Rank is the auto-detect priority of port; lower is tried first
func Rank(port string) int { return rank(port) }
