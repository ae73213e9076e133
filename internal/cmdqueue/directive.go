package cmdqueue

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vburojevic/eab/internal/transport"
)

// ErrMalformed marks a queue entry that cannot be dispatched
var ErrMalformed = errors.New("malformed command")

// MaxCommandBytes is the longest accepted entry
const MaxCommandBytes = 4096

// MaxPause is the longest lease a !PAUSE directive may ask for
const MaxPause = 24 * time.Hour

// Kind names a '!' directive
type Kind string

const (
	KindReset      Kind = "RESET"
	KindBootloader Kind = "BOOTLOADER"
	KindChipInfo   Kind = "CHIP_INFO"
	KindFlash      Kind = "FLASH"
	KindErase      Kind = "ERASE"
	KindPause      Kind = "PAUSE"
	KindResume     Kind = "RESUME"
	KindStream     Kind = "STREAM"
	KindStreamOff  Kind = "STREAM_OFF"
)

// Directive is a parsed '!' command
type Directive struct {
	Kind     Kind
	Arg      string
	Duration time.Duration
	Reason   string
}

// IsDirective reports whether text is a '!' directive rather than device input
func IsDirective(text string) bool {
	return strings.HasPrefix(text, "!")
}

// Validate rejects entries that are not valid UTF-8 or are too long
func Validate(text string) error {
	if len(text) > MaxCommandBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(text), MaxCommandBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: not valid UTF-8", ErrMalformed)
	}
	return nil
}

// ParseDirective parses "!NAME[:arg]"
func ParseDirective(text string) (Directive, error) {
	if !IsDirective(text) {
		return Directive{}, fmt.Errorf("%w: not a directive", ErrMalformed)
	}
	name, arg, _ := strings.Cut(strings.TrimSpace(text[1:]), ":")
	d := Directive{Kind: Kind(strings.ToUpper(strings.TrimSpace(name))), Arg: strings.TrimSpace(arg)}

	switch d.Kind {
	case "":
		return d, fmt.Errorf("%w: empty directive", ErrMalformed)
	case KindReset:
		if d.Arg == "" {
			d.Arg = transport.HardReset
		}
		d.Arg = normalizeSequence(d.Arg)
		if !transport.ValidSequence(d.Arg) {
			return d, fmt.Errorf("%w: unknown reset sequence %q", ErrMalformed, d.Arg)
		}
	case KindBootloader, KindChipInfo, KindErase, KindResume, KindStreamOff:
	case KindFlash:
		if d.Arg == "" {
			return d, fmt.Errorf("%w: !FLASH requires a firmware path", ErrMalformed)
		}
	case KindStream:
		if d.Arg == "" {
			return d, fmt.Errorf("%w: !STREAM requires a marker", ErrMalformed)
		}
	case KindPause:
		secs, reason, _ := strings.Cut(d.Arg, ":")
		n, err := strconv.ParseFloat(strings.TrimSpace(secs), 64)
		if err != nil || math.IsNaN(n) || n <= 0 {
			return d, fmt.Errorf("%w: !PAUSE needs a positive number of seconds", ErrMalformed)
		}
		if math.IsInf(n, 0) || n > MaxPause.Seconds() {
			return d, fmt.Errorf("%w: !PAUSE is limited to %s", ErrMalformed, MaxPause)
		}
		d.Duration = time.Duration(n * float64(time.Second))
		d.Reason = strings.TrimSpace(reason)
	default:
		return d, fmt.Errorf("%w: unknown directive %s", ErrMalformed, d.Kind)
	}
	return d, nil
}

// soft -> soft_reset, hard -> hard_reset
func normalizeSequence(s string) string {
	s = strings.ToLower(s)
	if s == "soft" || s == "hard" {
		return s + "_reset"
	}
	return s
}
