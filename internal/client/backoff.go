package client

import (
	"math/rand"
	"time"
)

// MaxBackoff caps the exponential part of the reconnect delay.
const MaxBackoff = 30 * time.Second

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base*2^(n-1), MaxBackoff) scaled by a jitter factor in [0.8, 1.2).
// rnd must be in [0, 1).
func Backoff(attempt int, base time.Duration, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	delay := base
	for i := 1; i < attempt && delay < MaxBackoff; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	factor := 0.8 + 0.4*rnd
	return time.Duration(float64(delay) * factor)
}

type jitter struct {
	rnd *rand.Rand
}

func newJitter() *jitter {
	return &jitter{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (j *jitter) next() float64 { return j.rnd.Float64() }
