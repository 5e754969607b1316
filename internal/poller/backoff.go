package poller

import (
	"math/rand"
	"time"
)

// interval computes the delay before the next tick. The first few ticks use a
// short fast-path interval so quick queries finish quickly; after that the
// steady-state interval applies, with jitter to avoid thundering-herd polling
// when many runs are in flight.
func (p *Poller) interval(pollCount int) time.Duration {
	base := p.cfg.PollIntervalBase
	if pollCount <= p.cfg.FastPathTicks && p.cfg.FastPathInterval > 0 {
		base = p.cfg.FastPathInterval
	}
	if base <= 0 {
		base = time.Second
	}
	pct := p.cfg.PollIntervalJitterPct
	if pct <= 0 {
		return base
	}
	// Uniform jitter in [-pct%, +pct%].
	span := float64(base) * float64(pct) / 100
	offset := (rand.Float64()*2 - 1) * span
	return base + time.Duration(offset)
}
