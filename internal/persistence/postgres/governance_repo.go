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

// GovernanceRepo implements persistence.GovernanceRepo for PostgreSQL.
type GovernanceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ persistence.GovernanceRepo = (*GovernanceRepo)(nil)

// GetState returns the routing state for an asset, (nil, nil) when absent.
func (r *GovernanceRepo) GetState(ctx context.Context, asset string) (*persistence.GovernanceState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT asset, active_version, shadow_version, downgraded, consecutive_alerts, updated_at
		FROM governance_state
		WHERE asset = $1`

	var st persistence.GovernanceState
	err := r.db.QueryRowxContext(ctx, query, asset).Scan(
		&st.Asset, &st.ActiveVersion, &st.ShadowVersion,
		&st.Downgraded, &st.ConsecutiveAlerts, &st.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get governance state: %w", err)
	}
	return &st, nil
}

// SaveState upserts the routing state by asset.
func (r *GovernanceRepo) SaveState(ctx context.Context, state persistence.GovernanceState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO governance_state
		(asset, active_version, shadow_version, downgraded, consecutive_alerts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset) DO UPDATE SET
			active_version = EXCLUDED.active_version,
			shadow_version = EXCLUDED.shadow_version,
			downgraded = EXCLUDED.downgraded,
			consecutive_alerts = EXCLUDED.consecutive_alerts,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		state.Asset, state.ActiveVersion, state.ShadowVersion,
		state.Downgraded, state.ConsecutiveAlerts, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save governance state: %w", err)
	}
	return nil
}

// AppendEvent records a governance decision.
func (r *GovernanceRepo) AppendEvent(ctx context.Context, evt persistence.GovernanceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	detailsJSON, err := json.Marshal(evt.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	query := `
		INSERT INTO governance_events
		(id, ts, asset, type, from_version, to_version, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		evt.ID, evt.Timestamp, evt.Asset, evt.Type,
		evt.FromVersion, evt.ToVersion, evt.Reason, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to append governance event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events for an asset, newest first.
func (r *GovernanceRepo) RecentEvents(ctx context.Context, asset string, limit int) ([]persistence.GovernanceEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, asset, type, from_version, to_version, reason, details
		FROM governance_events
		WHERE asset = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list governance events: %w", err)
	}
	defer rows.Close()

	var out []persistence.GovernanceEvent
	for rows.Next() {
		var evt persistence.GovernanceEvent
		var detailsJSON []byte
		if err := rows.Scan(&evt.ID, &evt.Timestamp, &evt.Asset, &evt.Type,
			&evt.FromVersion, &evt.ToVersion, &evt.Reason, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan governance event: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &evt.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
