package health

import "time"

// tickRing counts events over a sliding one-minute window using per-second
// buckets. Cheap enough to update on every canary tick.
type tickRing struct {
	buckets [60]int
	seconds [60]int64
}

// add records one event at t.
func (r *tickRing) add(t time.Time) {
	sec := t.Unix()
	idx := int(sec % 60)
	if r.seconds[idx] != sec {
		r.seconds[idx] = sec
		r.buckets[idx] = 0
	}
	r.buckets[idx]++
}

// count returns the number of events in the minute ending at t.
func (r *tickRing) count(t time.Time) int {
	now := t.Unix()
	total := 0
	for i := 0; i < 60; i++ {
		if now-r.seconds[i] < 60 {
			total += r.buckets[i]
		}
	}
	return total
}
