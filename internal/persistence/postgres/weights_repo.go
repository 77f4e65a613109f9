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

// WeightVersionRepo implements persistence.WeightVersionRepo for PostgreSQL.
// Version documents are the audit trail for calibration: rejected runs are
// stored alongside promoted ones.
type WeightVersionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ persistence.WeightVersionRepo = (*WeightVersionRepo)(nil)

// Upsert stores a weight version document keyed by version id.
func (r *WeightVersionRepo) Upsert(ctx context.Context, set persistence.CalibratedWeightSet) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bucketsJSON, err := json.Marshal(set.Buckets)
	if err != nil {
		return fmt.Errorf("failed to marshal weight buckets: %w", err)
	}
	diagJSON, err := json.Marshal(set.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	metricsJSON, err := json.Marshal(set.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO weight_versions
		(version_id, asset, created_at, status, buckets, diagnostics, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (version_id) DO UPDATE SET
			status = EXCLUDED.status,
			buckets = EXCLUDED.buckets,
			diagnostics = EXCLUDED.diagnostics,
			metrics = EXCLUDED.metrics`

	_, err = r.db.ExecContext(ctx, query,
		set.VersionID, set.Asset, set.CreatedAt, set.Status,
		bucketsJSON, diagJSON, metricsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert weight version: %w", err)
	}
	return nil
}

// Get returns a version by id, (nil, nil) when absent.
func (r *WeightVersionRepo) Get(ctx context.Context, versionID string) (*persistence.CalibratedWeightSet, error) {
	return r.queryOne(ctx, `
		SELECT version_id, asset, created_at, status, buckets, diagnostics, metrics
		FROM weight_versions
		WHERE version_id = $1`, versionID)
}

// LatestPromoted returns the newest promoted version for an asset.
func (r *WeightVersionRepo) LatestPromoted(ctx context.Context, asset string) (*persistence.CalibratedWeightSet, error) {
	return r.queryOne(ctx, `
		SELECT version_id, asset, created_at, status, buckets, diagnostics, metrics
		FROM weight_versions
		WHERE asset = $1 AND status = 'PROMOTED'
		ORDER BY created_at DESC
		LIMIT 1`, asset)
}

func (r *WeightVersionRepo) queryOne(ctx context.Context, query string, arg interface{}) (*persistence.CalibratedWeightSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var set persistence.CalibratedWeightSet
	var bucketsJSON, diagJSON, metricsJSON []byte

	err := r.db.QueryRowxContext(ctx, query, arg).Scan(
		&set.VersionID, &set.Asset, &set.CreatedAt, &set.Status,
		&bucketsJSON, &diagJSON, &metricsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get weight version: %w", err)
	}

	if err := json.Unmarshal(bucketsJSON, &set.Buckets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weight buckets: %w", err)
	}
	if err := json.Unmarshal(diagJSON, &set.Diagnostics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &set.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	return &set, nil
}
