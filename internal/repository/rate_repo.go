package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

type RateRepo struct {
	pool *pgxpool.Pool
}

func NewRateRepo(pool *pgxpool.Pool) *RateRepo {
	return &RateRepo{pool: pool}
}

// Insert publishes a new versioned rate. Published rows are never mutated.
func (r *RateRepo) Insert(ctx context.Context, rate *models.ExchangeRate) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO exchange_rates (base, quote, rate)
		VALUES ($1, $2, $3)
		RETURNING version, effective_at
	`, rate.Base, rate.Quote, rate.Rate).Scan(&rate.Version, &rate.EffectiveAt)
}

// Latest returns the current rate for a pair. The bootstrap migration
// seeds the crystals→coins pair.
func (r *RateRepo) Latest(ctx context.Context, base, quote models.Currency) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := r.pool.QueryRow(ctx, `
		SELECT version, base, quote, rate, effective_at
		FROM exchange_rates WHERE base = $1 AND quote = $2
		ORDER BY version DESC LIMIT 1
	`, base, quote).Scan(&rate.Version, &rate.Base, &rate.Quote, &rate.Rate, &rate.EffectiveAt)
	if err != nil {
		return nil, err
	}
	return &rate, nil
}
