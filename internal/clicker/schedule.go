// Package clicker schedules and executes simulated clicks along a diurnal
// curve.
package clicker

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// hourWeights shapes the click distribution over a day: peak 18-20h local,
// trough 02-04h.
var hourWeights = [24]float64{
	0.1, 0.05, 0.02, 0.02, 0.03, 0.05, 0.15, 0.4,
	0.8, 1.2, 1.5, 1.6, 1.3, 1.4, 1.6, 1.7,
	1.8, 1.9, 2.0, 2.2, 2.0, 1.6, 1.0, 0.5,
}

// Schedule spreads n click times between start and local midnight,
// weighting hours by the diurnal curve. When start is already past the end
// of the day the clicks land uniformly in the next 60 seconds. The returned
// times are sorted ascending and always number exactly n.
func Schedule(n int, start time.Time) []time.Time {
	if n <= 0 {
		return nil
	}
	start = start.Local()
	y, m, d := start.Date()
	dayEnd := time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), start.Location())

	if !start.Before(dayEnd) {
		out := make([]time.Time, n)
		for i := range out {
			out[i] = start.Add(time.Duration(rand.Int63n(int64(60 * time.Second))))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
		return out
	}

	type slot struct {
		from, to time.Time
		weight   float64
		count    int
	}

	var slots []slot
	var total float64
	for h := start.Hour(); h <= 23; h++ {
		from := time.Date(y, m, d, h, 0, 0, 0, start.Location())
		to := from.Add(time.Hour)
		if to.After(dayEnd) {
			to = dayEnd
		}
		if from.Before(start) {
			from = start
		}
		frac := to.Sub(from).Hours()
		if frac <= 0 {
			continue
		}
		w := hourWeights[h] * frac
		slots = append(slots, slot{from: from, to: to, weight: w})
		total += w
	}

	// Proportional counts; the last slot absorbs the rounding residual.
	assigned := 0
	for i := range slots {
		if i == len(slots)-1 {
			slots[i].count = n - assigned
			break
		}
		c := int(math.Round(float64(n) * slots[i].weight / total))
		if c > n-assigned {
			c = n - assigned
		}
		slots[i].count = c
		assigned += c
	}

	out := make([]time.Time, 0, n)
	for _, s := range slots {
		span := s.to.Sub(s.from)
		for i := 0; i < s.count; i++ {
			out = append(out, s.from.Add(time.Duration(rand.Int63n(int64(span)))))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
