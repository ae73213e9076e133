package assembler

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/vburojevic/eab/internal/domain"
)

// MaxPending caps the bytes held for a line that never ends
const MaxPending = 64 * 1024

// Sink receives raw bytes while binary mode is armed
type Sink interface {
	Write(p []byte) (domain.Chunk, error)
}

// Result is what one Feed call produced
type Result struct {
	Lines  []string       // completed, sanitized text lines
	Chunks []domain.Chunk // raw chunks written to the sink
	Armed  bool           // binary mode was armed during this call
	Err    error          // sink write failure, if any
}

// Assembler splits the serial byte stream into lines. When a line contains
// the configured marker, every following byte goes to the sink instead, until
// Disarm is called.
type Assembler struct {
	mu         sync.Mutex
	pending    []byte
	pendingAt  time.Time
	marker     string
	armed      bool
	sink       Sink
	flushAfter time.Duration
}

// New creates an assembler; sink may be nil to disable binary mode
func New(sink Sink, marker string, flushAfter time.Duration) *Assembler {
	return &Assembler{sink: sink, marker: marker, flushAfter: flushAfter}
}

// Feed consumes one read's worth of bytes
func (a *Assembler) Feed(chunk []byte, now time.Time) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res Result
	if a.armed {
		a.writeSink(chunk, &res)
		return res
	}

	if len(a.pending) == 0 && len(chunk) > 0 {
		a.pendingAt = now
	}
	data := append(a.pending, chunk...)
	a.pending = nil

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := Sanitize(data[:idx])
		data = data[idx+1:]
		res.Lines = append(res.Lines, line)

		if a.sink != nil && a.marker != "" && strings.Contains(line, a.marker) {
			a.armed = true
			res.Armed = true
			if len(data) > 0 {
				a.writeSink(data, &res)
			}
			return res
		}
		a.pendingAt = now
	}

	if len(data) > MaxPending {
		res.Lines = append(res.Lines, Sanitize(data))
		data = nil
	}
	if len(data) > 0 {
		a.pending = append([]byte(nil), data...)
	}
	return res
}

func (a *Assembler) writeSink(p []byte, res *Result) {
	if len(p) == 0 || a.sink == nil {
		return
	}
	c, err := a.sink.Write(p)
	if c.Length > 0 {
		res.Chunks = append(res.Chunks, c)
	}
	if err != nil {
		res.Err = err
	}
}

// FlushStale emits a partial line that has waited longer than flushAfter
// (prompts such as "> " never get a newline)
func (a *Assembler) FlushStale(now time.Time) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed || len(a.pending) == 0 || a.flushAfter <= 0 {
		return "", false
	}
	if now.Sub(a.pendingAt) < a.flushAfter {
		return "", false
	}
	line := Sanitize(a.pending)
	a.pending = nil
	return line, true
}

// Flush returns any partial line regardless of age (used on shutdown)
func (a *Assembler) Flush() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed || len(a.pending) == 0 {
		return "", false
	}
	line := Sanitize(a.pending)
	a.pending = nil
	return line, true
}

// SetMarker replaces the arming marker; empty disables arming
func (a *Assembler) SetMarker(marker string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marker = marker
}

// Disarm returns to line mode. It reports whether binary mode was active.
func (a *Assembler) Disarm() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.armed
	a.armed = false
	a.pending = nil
	return was
}

// Armed reports whether binary mode is active and the current marker
func (a *Assembler) Armed() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed, a.marker
}
