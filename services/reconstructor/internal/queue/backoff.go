package queue

import "time"

// Backoff doubles the redelivery delay per attempt, starting at Base and
// never exceeding Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

var defaultBackoff = Backoff{Base: time.Second, Max: time.Minute}

// Delay is the wait before redelivering a message delivered n times.
func (b Backoff) Delay(numDelivered uint64) time.Duration {
	if b.Base <= 0 {
		b.Base = defaultBackoff.Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	d := b.Base
	for i := uint64(1); i < numDelivered; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}
