package calib

import (
	"math"
	"sort"
	"time"

	"github.com/fractal-platform/macrobrain/internal/asof"
)

const (
	// minZObservations is the smallest trailing sample a z-score is computed
	// from. Below this the estimate is noise, so the series is treated as
	// missing for that date.
	minZObservations = 20

	// staleReturnDays bounds how far behind a requested date the nearest
	// price print may be before a forward return is discarded.
	staleReturnDays = 5
)

// latestOnOrBefore returns the last point dated on or before d. The caller
// has already applied availability filtering where it matters.
func latestOnOrBefore(pts []asof.Point, d time.Time) (asof.Point, bool) {
	day := asof.Day(d)
	i := sort.Search(len(pts), func(i int) bool {
		return asof.Day(pts[i].Date).After(day)
	})
	if i == 0 {
		return asof.Point{}, false
	}
	return pts[i-1], true
}

// ZScoreAt standardizes the observation nearest to (and not after) `at`
// against the trailing windowDays of points. Returns false when the window
// is too thin or degenerate.
func ZScoreAt(pts []asof.Point, at time.Time, windowDays int) (float64, bool) {
	last, ok := latestOnOrBefore(pts, at)
	if !ok {
		return 0, false
	}
	start := asof.Day(at).AddDate(0, 0, -windowDays)

	var sum, sumSq float64
	n := 0
	for i := len(pts) - 1; i >= 0; i-- {
		d := asof.Day(pts[i].Date)
		if d.After(asof.Day(at)) {
			continue
		}
		if d.Before(start) {
			break
		}
		sum += pts[i].Value
		sumSq += pts[i].Value * pts[i].Value
		n++
	}
	if n < minZObservations {
		return 0, false
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance <= 1e-12 {
		return 0, false
	}
	return (last.Value - mean) / math.Sqrt(variance), true
}

// ForwardReturn computes the simple return of the price series from d to
// d+horizonDays. Both endpoints must have a print within staleReturnDays of
// the requested date.
func ForwardReturn(prices []asof.Point, d time.Time, horizonDays int) (float64, bool) {
	p0, ok := latestOnOrBefore(prices, d)
	if !ok || asof.DaysBetween(p0.Date, d) > staleReturnDays || p0.Value == 0 {
		return 0, false
	}
	end := asof.Day(d).AddDate(0, 0, horizonDays)
	p1, ok := latestOnOrBefore(prices, end)
	if !ok || asof.DaysBetween(p1.Date, end) > staleReturnDays {
		return 0, false
	}
	if asof.Day(p1.Date).Equal(asof.Day(p0.Date)) {
		return 0, false
	}
	return p1.Value/p0.Value - 1, true
}

// signOf collapses a value to {-1, 0, +1} with a small dead zone.
func signOf(x float64) int {
	switch {
	case x > 1e-9:
		return 1
	case x < -1e-9:
		return -1
	default:
		return 0
	}
}

// clampRenormalize forces every weight into [min, max] while keeping the
// vector summing to 1. Weights pinned at a bound are frozen and the residual
// mass is redistributed over the free ones; the loop settles in a few
// passes for any realistic vector size. A final pass water-fills any mass
// still missing (or overflowing) into the bounded components, so a vector
// where every entry pins still sums to 1 whenever len(w)*min <= 1 <= len(w)*max.
func clampRenormalize(w map[string]float64, min, max float64) map[string]float64 {
	if len(w) == 0 {
		return w
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	for iter := 0; iter < 2*len(out)+2; iter++ {
		pinned := make(map[string]bool, len(out))
		pinnedMass := 0.0
		freeMass := 0.0
		for k, v := range out {
			switch {
			case v <= min:
				out[k] = min
				pinned[k] = true
				pinnedMass += min
			case v >= max:
				out[k] = max
				pinned[k] = true
				pinnedMass += max
			default:
				freeMass += v
			}
		}
		target := 1.0 - pinnedMass
		if len(pinned) == len(out) || freeMass <= 0 || target <= 0 {
			break
		}
		changed := false
		for k, v := range out {
			if pinned[k] {
				continue
			}
			scaled := v * target / freeMass
			if scaled < min || scaled > max {
				changed = true
			}
			out[k] = scaled
		}
		if !changed {
			break
		}
	}

	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if d := 1.0 - sum; math.Abs(d) > 1e-12 {
		if d > 0 {
			headroom := 0.0
			for _, v := range out {
				headroom += max - v
			}
			if headroom > 0 {
				for k, v := range out {
					out[k] = v + d*(max-v)/headroom
				}
			}
		} else {
			slack := 0.0
			for _, v := range out {
				slack += v - min
			}
			if slack > 0 {
				for k, v := range out {
					out[k] = v + d*(v-min)/slack
				}
			}
		}
	}
	return out
}

// smoothWeights blends the fresh vector toward the previous one:
// alpha*next + (1-alpha)*prev, then renormalizes to sum 1. Keys missing on
// either side contribute zero from that side.
func smoothWeights(prev, next map[string]float64, alpha float64) map[string]float64 {
	keys := make(map[string]struct{}, len(next))
	for k := range next {
		keys[k] = struct{}{}
	}
	for k := range prev {
		keys[k] = struct{}{}
	}
	out := make(map[string]float64, len(keys))
	total := 0.0
	for k := range keys {
		v := alpha*next[k] + (1-alpha)*prev[k]
		out[k] = v
		total += v
	}
	if total <= 0 {
		return next
	}
	for k := range out {
		out[k] /= total
	}
	return out
}

// weightDrift is the Euclidean distance between two weight vectors over the
// union of their keys.
func weightDrift(a, b map[string]float64) float64 {
	keys := make(map[string]struct{}, len(a))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sum := 0.0
	for k := range keys {
		d := a[k] - b[k]
		sum += d * d
	}
	return math.Sqrt(sum)
}
