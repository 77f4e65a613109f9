// Package asof enforces publication-lag correctness for historical series.
//
// Every backtest-facing component must route its reads through this layer so
// that a computation "as of" a date only sees observations that had actually
// been released by that date. The functions here are pure: identical inputs
// always produce identical outputs, which is what makes full-history replay
// deterministic.
package asof

import (
	"sort"
	"time"
)

// Cadence describes how often a series publishes new observations.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
)

// Point is a single observation of a time series.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// SeriesLag describes the publication profile of one series.
type SeriesLag struct {
	SeriesID string  `yaml:"series_id"`
	Cadence  Cadence `yaml:"cadence"`
	LagDays  int     `yaml:"lag_days"`
}

// LagTable maps series ids to their publication profiles. Unknown series fall
// back to DefaultLag so a new series never silently reads ahead of release.
type LagTable struct {
	entries    map[string]SeriesLag
	defaultLag SeriesLag
}

// DefaultLagDays is applied to series without a registered profile.
const DefaultLagDays = 1

// NewLagTable builds a lag table from the given profiles.
func NewLagTable(profiles []SeriesLag) *LagTable {
	t := &LagTable{
		entries: make(map[string]SeriesLag, len(profiles)),
		defaultLag: SeriesLag{
			Cadence: CadenceDaily,
			LagDays: DefaultLagDays,
		},
	}
	for _, p := range profiles {
		t.entries[p.SeriesID] = p
	}
	return t
}

// Lookup returns the lag profile for a series, falling back to the default
// for unknown ids.
func (t *LagTable) Lookup(seriesID string) SeriesLag {
	if p, ok := t.entries[seriesID]; ok {
		return p
	}
	p := t.defaultLag
	p.SeriesID = seriesID
	return p
}

// LagDays returns the publication lag in days for a series.
func (t *LagTable) LagDays(seriesID string) int {
	return t.Lookup(seriesID).LagDays
}

// Cadence returns the publication cadence for a series.
func (t *LagTable) Cadence(seriesID string) Cadence {
	return t.Lookup(seriesID).Cadence
}

// MaxStaleness returns how old the freshest available observation of a
// series may legitimately be, combining the publication lag with one full
// cadence interval. Backtests use this to decide whether "latest available"
// data is acceptably fresh or genuinely missing.
func (t *LagTable) MaxStaleness(seriesID string) int {
	p := t.Lookup(seriesID)
	return p.LagDays + cadenceIntervalDays(p.Cadence)
}

func cadenceIntervalDays(c Cadence) int {
	switch c {
	case CadenceWeekly:
		return 7
	case CadenceMonthly:
		return 31
	case CadenceQuarterly:
		return 92
	default:
		return 1
	}
}

// IsAvailable reports whether an observation dated observationDate had been
// published by asOf: observationDate + lag(seriesID) <= asOf.
func (t *LagTable) IsAvailable(seriesID string, observationDate, asOf time.Time) bool {
	release := Day(observationDate).AddDate(0, 0, t.LagDays(seriesID))
	return !release.After(Day(asOf))
}

// FilterAvailable returns the prefix of pts (assumed ascending by date) that
// was published by asOf.
func (t *LagTable) FilterAvailable(seriesID string, pts []Point, asOf time.Time) []Point {
	lag := t.LagDays(seriesID)
	cutoff := Day(asOf).AddDate(0, 0, -lag)
	// Series are ascending, so binary search for the first unavailable point.
	n := sort.Search(len(pts), func(i int) bool {
		return Day(pts[i].Date).After(cutoff)
	})
	return pts[:n]
}

// LatestAvailable returns the most recent observation of pts published by
// asOf. The second return is false when nothing had been published yet; that
// is an ordinary outcome, not an error.
func (t *LagTable) LatestAvailable(seriesID string, pts []Point, asOf time.Time) (Point, bool) {
	avail := t.FilterAvailable(seriesID, pts, asOf)
	if len(avail) == 0 {
		return Point{}, false
	}
	return avail[len(avail)-1], true
}

// ValueAt returns the observation for an exact date if it was published by
// asOf.
func (t *LagTable) ValueAt(seriesID string, pts []Point, date, asOf time.Time) (Point, bool) {
	if !t.IsAvailable(seriesID, date, asOf) {
		return Point{}, false
	}
	d := Day(date)
	i := sort.Search(len(pts), func(i int) bool {
		return !Day(pts[i].Date).Before(d)
	})
	if i < len(pts) && Day(pts[i].Date).Equal(d) {
		return pts[i], true
	}
	return Point{}, false
}

// Day truncates a timestamp to its UTC calendar day.
func Day(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative when b
// precedes a).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)) / (24 * time.Hour))
}
