package sensor

import "time"

// Rate derives a per-second rate from a cumulative counter.
type Rate struct {
	last   float64
	at     time.Time
	primed bool
}

// Update records value at now and returns the rate since the previous
// update. The first update only primes the counter and reports false. A
// counter that went backwards (reset or wrap) yields zero.
func (r *Rate) Update(value float64, now time.Time) (float64, bool) {
	if !r.primed {
		r.last, r.at, r.primed = value, now, true
		return 0, false
	}

	elapsed := now.Sub(r.at).Seconds()
	delta := value - r.last
	r.last, r.at = value, now

	if elapsed <= 0 {
		return 0, false
	}
	if delta < 0 {
		return 0, true
	}
	return delta / elapsed, true
}

func (r *Rate) Reset() {
	*r = Rate{}
}
