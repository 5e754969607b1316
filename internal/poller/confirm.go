package poller

import "time"

// confirmer debounces a noisy boolean signal: an observation only counts once
// it has been seen Threshold times in a row, and any disagreement resets the
// streak. This is the general answer to a remote status that can flicker
// through transient, self-correcting states.
type confirmer struct {
	Threshold int
}

// observe folds one reading into the streak. It returns the new streak
// length, the timestamp of the first reading in the streak, and whether the
// signal is now trusted.
func (c confirmer) observe(streak int, detectedAt *time.Time, agree bool, now time.Time) (int, *time.Time, bool) {
	if !agree {
		return 0, nil, false
	}
	streak++
	if detectedAt == nil {
		detectedAt = &now
	}
	threshold := c.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return streak, detectedAt, streak >= threshold
}
