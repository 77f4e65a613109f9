package data

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerSource wraps a WorldStateSource in a circuit breaker. While the
// breaker is open, or on a failed call, it serves the last successfully
// built state instead of an error, so downstream regime evaluation degrades
// instead of aborting.
type BreakerSource struct {
	inner WorldStateSource
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger

	mu        sync.RWMutex
	lastKnown *WorldState
}

// NewBreakerSource wraps source with trip-after-consecutive-failures
// semantics.
func NewBreakerSource(source WorldStateSource, consecutiveFailures uint32, cooldown time.Duration) *BreakerSource {
	b := &BreakerSource{
		inner: source,
		log:   log.With().Str("component", "world-breaker").Logger(),
	}
	st := gobreaker.Settings{
		Name:    "world-state",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(st)
	return b
}

// BuildWorldState executes through the breaker. Failures fall back to the
// last known state when one exists.
func (b *BreakerSource) BuildWorldState(ctx context.Context, asOf time.Time) (WorldState, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.BuildWorldState(ctx, asOf)
	})
	if err != nil {
		b.mu.RLock()
		last := b.lastKnown
		b.mu.RUnlock()
		if last != nil {
			b.log.Warn().Err(err).
				Time("asOf", asOf).
				Time("staleAsOf", last.AsOf).
				Msg("world state degraded to last known")
			return *last, nil
		}
		return WorldState{}, err
	}

	ws := out.(WorldState)
	b.mu.Lock()
	b.lastKnown = &ws
	b.mu.Unlock()
	return ws, nil
}

// LastKnown exposes the cached state for health reporting.
func (b *BreakerSource) LastKnown() *WorldState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastKnown == nil {
		return nil
	}
	ws := *b.lastKnown
	return &ws
}
