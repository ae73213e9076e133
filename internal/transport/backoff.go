package transport

import "time"

// Backoff doubles a delay from Initial up to Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	n       int
}

// Next returns the delay before the next attempt and advances the schedule
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 250 * time.Millisecond
	}
	for i := 0; i < b.n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.n++
	return d
}

// Reset starts the schedule over
func (b *Backoff) Reset() { b.n = 0 }
