package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/asof"
)

// FileSource serves raw series from a directory of JSON files, one file per
// series id: <dir>/<SERIES_ID>.json holding an array of {date, value}
// observations. Files are parsed once and cached; a missing file is an
// empty series, not an error, so an unprovisioned series degrades the same
// way a stale one does.
type FileSource struct {
	dir string

	mu    sync.RWMutex
	cache map[string][]asof.Point
}

// NewFileSource builds a source over dir. The directory is not validated up
// front: series files may appear later.
func NewFileSource(dir string) *FileSource {
	return &FileSource{
		dir:   dir,
		cache: make(map[string][]asof.Point),
	}
}

type filePoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// GetSeriesPoints returns the observations for seriesID, ascending by date.
func (s *FileSource) GetSeriesPoints(_ context.Context, seriesID string) ([]asof.Point, error) {
	s.mu.RLock()
	pts, ok := s.cache[seriesID]
	s.mu.RUnlock()
	if ok {
		return pts, nil
	}

	pts, err := s.load(seriesID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[seriesID] = pts
	s.mu.Unlock()
	return pts, nil
}

func (s *FileSource) load(seriesID string) ([]asof.Point, error) {
	path := filepath.Join(s.dir, seriesID+".json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("component", "data.filesource").Str("series", seriesID).
			Msg("series file missing, treating as empty")
		return []asof.Point{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read series %s: %w", seriesID, err)
	}

	var fpts []filePoint
	if err := json.Unmarshal(raw, &fpts); err != nil {
		return nil, fmt.Errorf("parse series %s: %w", seriesID, err)
	}

	pts := make([]asof.Point, 0, len(fpts))
	for i, fp := range fpts {
		d, ok := parsePointDate(fp.Date)
		if !ok {
			return nil, fmt.Errorf("series %s: point %d has invalid date %q", seriesID, i, fp.Date)
		}
		pts = append(pts, asof.Point{Date: d, Value: fp.Value})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
	return pts, nil
}

// Invalidate drops the cached parse for a series, forcing a reload on the
// next read. Used after refreshing data files in place.
func (s *FileSource) Invalidate(seriesID string) {
	s.mu.Lock()
	delete(s.cache, seriesID)
	s.mu.Unlock()
}

func parsePointDate(raw string) (time.Time, bool) {
	if d, err := time.Parse("2006-01-02", raw); err == nil {
		return asof.Day(d.UTC()), true
	}
	if d, err := time.Parse(time.RFC3339, raw); err == nil {
		return asof.Day(d.UTC()), true
	}
	return time.Time{}, false
}
