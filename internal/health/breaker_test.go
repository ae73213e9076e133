package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWindowPrunes(t *testing.T) {
	w := NewWindow(30 * time.Second)
	assert.Equal(t, 1, w.Add(t0))
	assert.Equal(t, 2, w.Add(t0.Add(10*time.Second)))
	assert.Equal(t, 1, w.Count(t0.Add(35*time.Second)))
	assert.Equal(t, 0, w.Count(t0.Add(41*time.Second)))

	w.Add(t0)
	w.Reset()
	assert.Equal(t, 0, w.Count(t0))
}

func TestBreakerCooldownAndExhaustion(t *testing.T) {
	b := NewBreaker(2, 10*time.Minute, 30*time.Second)

	assert.Equal(t, Allow, b.Acquire(t0))
	assert.Equal(t, CoolingDown, b.Acquire(t0.Add(10*time.Second)))
	assert.Equal(t, Allow, b.Acquire(t0.Add(30*time.Second)))
	assert.Equal(t, 2, b.Attempts(t0.Add(30*time.Second)))
	assert.False(t, b.Open())

	assert.Equal(t, Exhausted, b.Acquire(t0.Add(time.Minute)))
	assert.True(t, b.Open())

	// stays open even once the window has moved on
	assert.Equal(t, Exhausted, b.Check(t0.Add(time.Hour)))

	b.Reset()
	assert.False(t, b.Open())
	assert.Equal(t, Allow, b.Acquire(t0.Add(time.Hour)))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "cooldown", CoolingDown.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "unknown", Decision(9).String())
}
