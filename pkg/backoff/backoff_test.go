package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(5))
}

func TestPolicy_DelayCappedAtMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2.0}

	assert.Equal(t, 30*time.Second, p.Delay(6))
	assert.Equal(t, 30*time.Second, p.Delay(20))
}

func TestPolicy_DelayMonotonic(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2.0}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease across attempts")
		assert.LessOrEqual(t, d, p.Max)
		prev = d
	}
}

func TestPolicy_DelayZeroAttemptTreatedAsFirst(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}

	assert.Equal(t, p.Delay(1), p.Delay(0))
	assert.Equal(t, p.Delay(1), p.Delay(-3))
}

func TestPolicy_JitterStaysNearNominal(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2.0, Jitter: true}

	for i := 0; i < 50; i++ {
		d := p.Delay(3) // nominal 4s
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, 30*time.Second, p.Max)
}
