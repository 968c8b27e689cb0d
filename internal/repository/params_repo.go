package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

type ParamsRepo struct {
	pool *pgxpool.Pool
}

func NewParamsRepo(pool *pgxpool.Pool) *ParamsRepo {
	return &ParamsRepo{pool: pool}
}

// Insert publishes a new immutable parameter record and fills in its
// version and timestamp. Existing versions are never updated.
func (r *ParamsRepo) Insert(ctx context.Context, p *models.ControlParameters) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO control_parameters (emission_multiplier, cost_multiplier, tax_rate, max_per_transaction, large_tx_cap_enabled, event_bonus, snapshot_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, created_at
	`, p.EmissionMultiplier, p.CostMultiplier, p.TaxRate, p.MaxPerTransaction, p.LargeTxCapEnabled, p.EventBonus, p.SnapshotID, p.CreatedBy).Scan(&p.Version, &p.CreatedAt)
}

// Latest returns the current parameter record. The bootstrap migration
// guarantees at least one row exists.
func (r *ParamsRepo) Latest(ctx context.Context) (*models.ControlParameters, error) {
	var p models.ControlParameters
	err := r.pool.QueryRow(ctx, `
		SELECT version, emission_multiplier, cost_multiplier, tax_rate, max_per_transaction, large_tx_cap_enabled, event_bonus, snapshot_id, created_by, created_at
		FROM control_parameters ORDER BY version DESC LIMIT 1
	`).Scan(&p.Version, &p.EmissionMultiplier, &p.CostMultiplier, &p.TaxRate, &p.MaxPerTransaction, &p.LargeTxCapEnabled, &p.EventBonus, &p.SnapshotID, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
