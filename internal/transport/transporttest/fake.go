// Package transporttest provides an in-memory serial port for tests.
package transporttest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vburojevic/eab/internal/transport"
)

// Signal records one DTR/RTS change
type Signal struct {
	Line string // "DTR" or "RTS"
	High bool
}

// Port is a fake serial port. Bytes queued with Feed are returned by Read;
// Read with nothing queued waits up to the read timeout and returns (0, nil).
type Port struct {
	mu       sync.Mutex
	cond     *sync.Cond
	rx       bytes.Buffer
	tx       bytes.Buffer
	signals  []Signal
	timeout  time.Duration
	closed   bool
	readErr  error
	Name     string
	Baud     int
}

// NewPort creates an open fake port
func NewPort(name string) *Port {
	p := &Port{Name: name, timeout: 10 * time.Millisecond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues bytes for the next Read calls
func (p *Port) Feed(s string) {
	p.mu.Lock()
	p.rx.WriteString(s)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// FailReads makes every following Read return err
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Written returns everything written to the port so far
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

// Signals returns the DTR/RTS changes seen so far
func (p *Port) Signals() []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Signal(nil), p.signals...)
}

// Closed reports whether Close was called
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := time.Now().Add(p.timeout)
	for p.rx.Len() == 0 && p.readErr == nil && !p.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
	}
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return p.rx.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.tx.Write(b)
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *Port) SetDTR(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, Signal{Line: "DTR", High: high})
	return nil
}

func (p *Port) SetRTS(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, Signal{Line: "RTS", High: high})
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Reset()
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

// Bench hands out fake ports by name and lets tests unplug devices
type Bench struct {
	mu      sync.Mutex
	present map[string]bool
	busy    map[string]bool
	opened  map[string][]*Port
}

// NewBench creates a bench with the given devices plugged in
func NewBench(names ...string) *Bench {
	b := &Bench{present: map[string]bool{}, busy: map[string]bool{}, opened: map[string][]*Port{}}
	for _, n := range names {
		b.present[n] = true
	}
	return b
}

// Plug makes a device appear
func (b *Bench) Plug(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.present[name] = true
}

// Unplug removes a device; its open port starts failing reads
func (b *Bench) Unplug(name string) {
	b.mu.Lock()
	b.present[name] = false
	ports := b.opened[name]
	b.mu.Unlock()
	if len(ports) > 0 {
		ports[len(ports)-1].FailReads(errors.New("input/output error"))
	}
}

// SetBusy makes opens of name fail with ErrPortUnavailable
func (b *Bench) SetBusy(name string, busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy[name] = busy
}

// Gone reports whether name is unplugged, matching Options.NodeGone
func (b *Bench) Gone(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.present[name]
}

// Names lists plugged devices, matching Scanner.List
func (b *Bench) Names() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for n, ok := range b.present {
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Current returns the most recently opened port for name
func (b *Bench) Current(name string) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := b.opened[name]
	if len(ports) == 0 {
		return nil
	}
	return ports[len(ports)-1]
}

// Opens returns how many times name was opened
func (b *Bench) Opens(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opened[name])
}

// Open satisfies transport.Opener
func (b *Bench) Open(name string, baud int) (transport.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.present[name] {
		return nil, fmt.Errorf("open %s: %w", name, transport.ErrDeviceNotFound)
	}
	if b.busy[name] {
		return nil, fmt.Errorf("open %s: %w", name, transport.ErrPortUnavailable)
	}
	p := NewPort(name)
	p.Baud = baud
	b.opened[name] = append(b.opened[name], p)
	return p, nil
}
