// Package log wires zerolog for the engine and provides progress reporting
// for long-running replay jobs.
package log

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global zerolog logger. Console mode is used for
// interactive CLI runs, plain JSON otherwise.
func Setup(console bool, level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Progress reports incremental progress of a batch replay (simulation,
// recompute) without flooding the log: one line per interval, plus a final
// summary.
type Progress struct {
	mu         sync.Mutex
	name       string
	total      int
	current    int
	startTime  time.Time
	lastReport time.Time
	interval   time.Duration
}

// NewProgress creates a reporter for a job with a known number of steps.
func NewProgress(name string, total int) *Progress {
	return &Progress{
		name:      name,
		total:     total,
		startTime: time.Now(),
		interval:  5 * time.Second,
	}
}

// Step records one completed unit and emits a log line if the report
// interval has elapsed.
func (p *Progress) Step(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current++
	now := time.Now()
	if now.Sub(p.lastReport) < p.interval && p.current != p.total {
		return
	}
	p.lastReport = now

	evt := log.Info().
		Str("job", p.name).
		Int("done", p.current).
		Int("total", p.total).
		Dur("elapsed", now.Sub(p.startTime))
	if label != "" {
		evt = evt.Str("at", label)
	}
	if p.current > 0 && p.total > p.current {
		perStep := now.Sub(p.startTime) / time.Duration(p.current)
		evt = evt.Dur("eta", perStep*time.Duration(p.total-p.current))
	}
	evt.Msg("progress")
}

// Done emits the final summary line.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Info().
		Str("job", p.name).
		Int("done", p.current).
		Int("total", p.total).
		Dur("elapsed", time.Since(p.startTime)).
		Msg("job complete")
}
