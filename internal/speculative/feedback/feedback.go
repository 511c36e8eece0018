// Package feedback holds the outcome-smoothing rules shared by every
// speculation profile, so the inline cache, value speculation and loop
// specialization agree on what a success or failure is worth.
package feedback

import "time"

// Smooth updates a success rate with one outcome: +0.1 weighted toward 1 on
// success, x0.95 decay on failure. The result stays in [0,1] when rate does.
func Smooth(rate float64, success bool) float64 {
	if success {
		return rate*0.9 + 0.1
	}
	return rate * 0.95
}

// Recency decays linearly from 1 to 0 over window and is floored at floor.
func Recency(age, window time.Duration, floor float64) float64 {
	if window <= 0 || age <= 0 {
		return 1
	}
	r := 1 - float64(age)/float64(window)
	if r < floor {
		return floor
	}
	return r
}
