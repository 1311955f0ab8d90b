package upstream

import (
	"math"
	"math/rand"
	"time"

	"github.com/l3lb/l3/internal/config"
)

// backoffPolicy computes the delay before reconnect attempt number try:
// initial * 2^(try-1), capped at max, spread by +/- jitter/2.
type backoffPolicy struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
}

func newBackoffPolicy(cfg config.BackoffConfig) backoffPolicy {
	return backoffPolicy{initial: cfg.Initial, max: cfg.Max, jitter: cfg.Jitter}
}

func (b backoffPolicy) delay(try int) time.Duration {
	if try <= 0 || b.initial <= 0 {
		return 0
	}

	backoff := float64(b.initial) * math.Pow(2, float64(try-1))
	if b.max > 0 && backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		backoff += backoff * b.jitter * (rand.Float64() - 0.5)
	}

	return time.Duration(backoff)
}
