package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0}

	assert.Equal(t, 1*time.Second, p.DelayWithRand(1, 0.5))
	assert.Equal(t, 2*time.Second, p.DelayWithRand(2, 0.5))
	assert.Equal(t, 4*time.Second, p.DelayWithRand(3, 0.5))
	assert.Equal(t, 32*time.Second, p.DelayWithRand(6, 0.5))
}

func TestDelayClampsToMax(t *testing.T) {
	p := Channel()

	d := p.DelayWithRand(20, 0.999)
	assert.LessOrEqual(t, d, p.Max)
}

func TestJitterIsSymmetric(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.2}

	low := p.DelayWithRand(1, 0)
	high := p.DelayWithRand(1, 1)
	mid := p.DelayWithRand(1, 0.5)

	assert.Equal(t, 800*time.Millisecond, low)
	assert.Equal(t, 1200*time.Millisecond, high)
	assert.Equal(t, time.Second, mid)
}

func TestAttemptBelowOneTreatedAsFirst(t *testing.T) {
	p := Model()
	assert.Equal(t, p.DelayWithRand(1, 0.5), p.DelayWithRand(0, 0.5))
}
