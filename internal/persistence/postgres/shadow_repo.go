package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fractal-platform/macrobrain/internal/persistence"
)

// ShadowAuditRepo implements persistence.ShadowAuditRepo for PostgreSQL. The
// table is append-only; there is no update path.
type ShadowAuditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ persistence.ShadowAuditRepo = (*ShadowAuditRepo)(nil)

// Append adds one comparison record.
func (r *ShadowAuditRepo) Append(ctx context.Context, rec persistence.ShadowComparisonRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perHorizonJSON, err := json.Marshal(rec.PerHorizon)
	if err != nil {
		return fmt.Errorf("failed to marshal per-horizon comparison: %w", err)
	}

	query := `
		INSERT INTO shadow_audit
		(ts, asset, active_version, shadow_version, per_horizon, regime_label, weights_version_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		rec.Timestamp, rec.Asset, rec.ActiveVersion, rec.ShadowVersion,
		perHorizonJSON, rec.RegimeLabel, rec.WeightsVersionID)
	if err != nil {
		return fmt.Errorf("failed to append shadow comparison: %w", err)
	}
	return nil
}

// Recent returns the newest records for an asset, newest first.
func (r *ShadowAuditRepo) Recent(ctx context.Context, asset string, limit int) ([]persistence.ShadowComparisonRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts, asset, active_version, shadow_version, per_horizon, regime_label, weights_version_id
		FROM shadow_audit
		WHERE asset = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadow comparisons: %w", err)
	}
	defer rows.Close()

	var out []persistence.ShadowComparisonRecord
	for rows.Next() {
		var rec persistence.ShadowComparisonRecord
		var perHorizonJSON []byte
		if err := rows.Scan(&rec.Timestamp, &rec.Asset, &rec.ActiveVersion, &rec.ShadowVersion,
			&perHorizonJSON, &rec.RegimeLabel, &rec.WeightsVersionID); err != nil {
			return nil, fmt.Errorf("failed to scan shadow comparison: %w", err)
		}
		if len(perHorizonJSON) > 0 {
			if err := json.Unmarshal(perHorizonJSON, &rec.PerHorizon); err != nil {
				return nil, fmt.Errorf("failed to unmarshal per-horizon comparison: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
