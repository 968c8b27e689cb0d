package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

type RiskRepo struct {
	pool *pgxpool.Pool
}

func NewRiskRepo(pool *pgxpool.Pool) *RiskRepo {
	return &RiskRepo{pool: pool}
}

func (r *RiskRepo) InsertFlag(ctx context.Context, f *models.RiskFlag) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO risk_flags (account_id, tier, reason, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, f.AccountID, f.Tier, f.Reason, f.ExpiresAt).Scan(&f.ID, &f.CreatedAt)
}

// CountFlags counts flags of at least the given tier recorded since the
// cutoff.
func (r *RiskRepo) CountFlags(ctx context.Context, accountID uuid.UUID, tier models.RiskTier, since time.Time) (int, error) {
	tiers := []models.RiskTier{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical}
	var include []models.RiskTier
	for _, t := range tiers {
		if t.AtLeast(tier) {
			include = append(include, t)
		}
	}
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM risk_flags
		WHERE account_id = $1 AND tier = ANY($2) AND created_at >= $3
	`, accountID, include, since).Scan(&n)
	return n, err
}

// EnqueueReview holds a transaction for manual resolution instead of
// applying it.
func (r *RiskRepo) EnqueueReview(ctx context.Context, t *models.Transaction, reason string) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO review_queue (tx_id, payload, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_id) DO NOTHING
	`, t.ID, payload, reason)
	return err
}

// PendingReview lists held transactions awaiting an operator decision.
func (r *RiskRepo) PendingReview(ctx context.Context, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payload FROM review_queue
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t models.Transaction
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
