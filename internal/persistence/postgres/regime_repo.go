package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// RegimeMemoryRepo implements persistence.RegimeMemoryRepo for PostgreSQL.
type RegimeMemoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ persistence.RegimeMemoryRepo = (*RegimeMemoryRepo)(nil)

// Upsert inserts or updates the memory state for a scope.
func (r *RegimeMemoryRepo) Upsert(ctx context.Context, state persistence.RegimeMemoryState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prevJSON, err := json.Marshal(state.PreviousStates)
	if err != nil {
		return fmt.Errorf("failed to marshal previous states: %w", err)
	}

	query := `
		INSERT INTO regime_memory
		(scope, current, since, days_in_state, flips_30d, stability, previous_states, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope) DO UPDATE SET
			current = EXCLUDED.current,
			since = EXCLUDED.since,
			days_in_state = EXCLUDED.days_in_state,
			flips_30d = EXCLUDED.flips_30d,
			stability = EXCLUDED.stability,
			previous_states = EXCLUDED.previous_states,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		state.Scope, state.Current, state.Since, state.DaysInState,
		state.Flips30d, state.Stability, prevJSON, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert regime memory: %w", err)
	}
	return nil
}

// Get returns the memory state for a scope, (nil, nil) when absent.
func (r *RegimeMemoryRepo) Get(ctx context.Context, scope string) (*persistence.RegimeMemoryState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT scope, current, since, days_in_state, flips_30d, stability, previous_states, updated_at
		FROM regime_memory
		WHERE scope = $1`

	row := r.db.QueryRowxContext(ctx, query, scope)
	state, err := scanMemoryState(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get regime memory: %w", err)
	}
	return state, nil
}

// GetAll returns the state of every scope.
func (r *RegimeMemoryRepo) GetAll(ctx context.Context) ([]persistence.RegimeMemoryState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT scope, current, since, days_in_state, flips_30d, stability, previous_states, updated_at
		FROM regime_memory
		ORDER BY scope`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list regime memory: %w", err)
	}
	defer rows.Close()

	var out []persistence.RegimeMemoryState
	for rows.Next() {
		state, err := scanMemoryState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan regime memory: %w", err)
		}
		out = append(out, *state)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemoryState(row rowScanner) (*persistence.RegimeMemoryState, error) {
	var state persistence.RegimeMemoryState
	var prevJSON []byte

	err := row.Scan(&state.Scope, &state.Current, &state.Since, &state.DaysInState,
		&state.Flips30d, &state.Stability, &prevJSON, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(prevJSON) > 0 {
		if err := json.Unmarshal(prevJSON, &state.PreviousStates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous states: %w", err)
		}
	}
	return &state, nil
}

// RegimeHistoryRepo implements persistence.RegimeHistoryRepo for PostgreSQL.
type RegimeHistoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ persistence.RegimeHistoryRepo = (*RegimeHistoryRepo)(nil)

// Upsert records one day's classification, overwriting the same (scope, date)
// idempotently.
func (r *RegimeHistoryRepo) Upsert(ctx context.Context, entry persistence.RegimeHistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO regime_history (scope, date, value, input_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, date) DO UPDATE SET
			value = EXCLUDED.value,
			input_hash = EXCLUDED.input_hash`

	_, err := r.db.ExecContext(ctx, query, entry.Scope, entry.Date, entry.Value, entry.InputHash)
	if err != nil {
		return fmt.Errorf("failed to upsert regime history: %w", err)
	}
	return nil
}

// ListRange returns the history window for a scope, ascending by date.
func (r *RegimeHistoryRepo) ListRange(ctx context.Context, scope string, tr persistence.TimeRange) ([]persistence.RegimeHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT scope, date, value, input_hash
		FROM regime_history
		WHERE scope = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC`

	var out []persistence.RegimeHistoryEntry
	rows, err := r.db.QueryxContext(ctx, query, scope, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list regime history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e persistence.RegimeHistoryEntry
		if err := rows.Scan(&e.Scope, &e.Date, &e.Value, &e.InputHash); err != nil {
			return nil, fmt.Errorf("failed to scan regime history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRange removes history in the window, for administrative recompute.
func (r *RegimeHistoryRepo) DeleteRange(ctx context.Context, scope string, tr persistence.TimeRange) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `DELETE FROM regime_history WHERE scope = $1 AND date >= $2 AND date <= $3`
	if _, err := r.db.ExecContext(ctx, query, scope, tr.From, tr.To); err != nil {
		return fmt.Errorf("failed to delete regime history range: %w", err)
	}
	return nil
}
