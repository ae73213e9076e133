package transport

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Reset sequence names accepted by Transport.Reset
const (
	HardReset  = "hard_reset"
	SoftReset  = "soft_reset"
	Bootloader = "bootloader"
)

type controlLine int

const (
	lineDTR controlLine = iota
	lineRTS
)

type resetStep struct {
	line controlLine
	high bool
	hold time.Duration
}

// ESP-style auto-reset circuits wire RTS to EN and DTR to GPIO0
var resetSequences = map[string][]resetStep{
	HardReset: {
		{line: lineDTR, high: false},
		{line: lineRTS, high: true, hold: 100 * time.Millisecond},
		{line: lineRTS, high: false},
	},
	SoftReset: {
		{line: lineRTS, high: true, hold: 100 * time.Millisecond},
		{line: lineRTS, high: false},
	},
	Bootloader: {
		{line: lineDTR, high: false},
		{line: lineRTS, high: true, hold: 100 * time.Millisecond},
		{line: lineDTR, high: true},
		{line: lineRTS, high: false, hold: 50 * time.Millisecond},
		{line: lineDTR, high: false},
	},
}

// Sequences returns the known reset sequence names
func Sequences() []string {
	names := lo.Keys(resetSequences)
	sort.Strings(names)
	return names
}

// ValidSequence reports whether name is a known reset sequence
func ValidSequence(name string) bool {
	_, ok := resetSequences[name]
	return ok
}

func (t *Transport) runSequence(p Port, name string) error {
	steps, ok := resetSequences[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, name)
	}
	for _, s := range steps {
		var err error
		switch s.line {
		case lineDTR:
			err = p.SetDTR(s.high)
		case lineRTS:
			err = p.SetRTS(s.high)
		}
		if err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		if s.hold > 0 {
			t.clock.Sleep(s.hold)
		}
	}
	return nil
}
