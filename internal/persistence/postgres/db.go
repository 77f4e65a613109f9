// Package postgres implements the persistence repositories over PostgreSQL
// using sqlx. All writes are upserts keyed the way the interfaces describe,
// so concurrent writers racing on the same key converge to last-applied-wins
// without explicit locking.
package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fractal-platform/macrobrain/internal/config"
)

// Connect opens the database and applies pool settings.
func Connect(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Repos constructs every repository over one connection pool.
type Repos struct {
	Memory   *RegimeMemoryRepo
	History  *RegimeHistoryRepo
	Shadow   *ShadowAuditRepo
	Versions *WeightVersionRepo
	Gov      *GovernanceRepo
}

// NewRepos builds the repository set with a shared per-query timeout.
func NewRepos(db *sqlx.DB, timeout time.Duration) *Repos {
	return &Repos{
		Memory:   &RegimeMemoryRepo{db: db, timeout: timeout},
		History:  &RegimeHistoryRepo{db: db, timeout: timeout},
		Shadow:   &ShadowAuditRepo{db: db, timeout: timeout},
		Versions: &WeightVersionRepo{db: db, timeout: timeout},
		Gov:      &GovernanceRepo{db: db, timeout: timeout},
	}
}
