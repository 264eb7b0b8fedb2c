package processor

import (
	"time"

	"payout-engine/services/payout"
)

// Backoff is the delay before the retry that follows attempt (1-based): the
// ladder step for that attempt, clamped to the last step, plus up to
// jitterRatio of the step. A provider RetryAfter hint is a floor.
func Backoff(ladder []time.Duration, jitterRatio float64, attempt int, retryAfter time.Duration, rnd func() float64) time.Duration {
	if len(ladder) == 0 {
		return retryAfter
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}

	base := ladder[idx]
	d := base
	if jitterRatio > 0 && rnd != nil {
		d += time.Duration(rnd() * jitterRatio * float64(base))
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Backoff applies the rail's ladder, falling back to the processor ladder.
func (p *Processor) Backoff(r payout.Rail, attempt int, retryAfter time.Duration) time.Duration {
	ladder := p.cfg.BackoffLadder
	if rc := p.conf.Rail(string(r)); len(rc.BackoffLadder) > 0 {
		ladder = rc.BackoffLadder
	}
	return Backoff(ladder, p.cfg.JitterRatio, attempt, retryAfter, p.jitter)
}
