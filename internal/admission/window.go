package admission

import "time"

// rateWindow tracks admissions in the trailing second. Only the owning drain
// goroutine touches it.
type rateWindow struct {
	recent []time.Time
}

// prune drops admissions that are a second old or older.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(w.recent) && !w.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.recent = append(w.recent[:0], w.recent[i:]...)
	}
}

func (w *rateWindow) record(now time.Time) {
	w.recent = append(w.recent, now)
}

func (w *rateWindow) len() int { return len(w.recent) }

// wait returns how long until the oldest admission leaves the window, plus
// margin, never less than floor.
func (w *rateWindow) wait(now time.Time, floor, margin time.Duration) time.Duration {
	if len(w.recent) == 0 {
		return floor
	}
	d := time.Second - now.Sub(w.recent[0]) + margin
	if d < floor {
		return floor
	}
	return d
}

func (w *rateWindow) snapshot() []time.Time {
	return append([]time.Time(nil), w.recent...)
}

// countSince counts timestamps younger than a second at now.
func countSince(ts []time.Time, now time.Time) int {
	cutoff := now.Add(-time.Second)
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
