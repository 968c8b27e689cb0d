package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

type SnapshotRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

// Insert appends an immutable snapshot and fills in its id and timestamp.
func (r *SnapshotRepo) Insert(ctx context.Context, s *models.EconomicSnapshot) error {
	circ, err := json.Marshal(s.Circulation)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO economic_snapshots (circulation, active_accounts, window_volume, inflation_rate, velocity, gini, alert_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, taken_at
	`, circ, s.ActiveAccounts, s.WindowVolume, s.InflationRate, s.Velocity, s.Gini, s.AlertLevel).Scan(&s.ID, &s.TakenAt)
}

// Latest returns the most recent snapshot, or nil if none exists yet.
func (r *SnapshotRepo) Latest(ctx context.Context) (*models.EconomicSnapshot, error) {
	s, err := r.scanOne(ctx, `
		SELECT id, taken_at, circulation, active_accounts, window_volume, inflation_rate, velocity, gini, alert_level
		FROM economic_snapshots ORDER BY id DESC LIMIT 1
	`)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SnapshotRepo) GetByID(ctx context.Context, id int64) (*models.EconomicSnapshot, error) {
	return r.scanOne(ctx, `
		SELECT id, taken_at, circulation, active_accounts, window_volume, inflation_rate, velocity, gini, alert_level
		FROM economic_snapshots WHERE id = $1
	`, id)
}

func (r *SnapshotRepo) scanOne(ctx context.Context, query string, args ...any) (*models.EconomicSnapshot, error) {
	var s models.EconomicSnapshot
	var circ []byte
	err := r.pool.QueryRow(ctx, query, args...).Scan(&s.ID, &s.TakenAt, &circ, &s.ActiveAccounts, &s.WindowVolume, &s.InflationRate, &s.Velocity, &s.Gini, &s.AlertLevel)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(circ, &s.Circulation); err != nil {
		return nil, err
	}
	return &s, nil
}
