package admission

import "time"

// Throttle computes an adaptive pre-handler delay that grows with queue
// depth once the stream holds more than one batch of work.
type Throttle struct {
	base time.Duration
	max  time.Duration
}

func NewThrottle(baseDelay, maxDelay time.Duration) *Throttle {
	return &Throttle{base: baseDelay, max: maxDelay}
}

// Delay returns base + 100ms per full hundred entries beyond the first,
// capped at max. Zero base disables throttling entirely at low depth.
func (t *Throttle) Delay(streamLen int64) time.Duration {
	over := streamLen/100 - 1
	if over < 0 {
		over = 0
	}
	d := t.base + time.Duration(over)*100*time.Millisecond
	if d > t.max {
		return t.max
	}
	return d
}
