package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

type SyncRepo struct {
	pool *pgxpool.Pool
}

func NewSyncRepo(pool *pgxpool.Pool) *SyncRepo {
	return &SyncRepo{pool: pool}
}

// Get returns the sync record for (account, platform), creating an
// in_sync record on first cross-platform link.
func (r *SyncRepo) Get(ctx context.Context, accountID uuid.UUID, platform string) (*models.SyncRecord, error) {
	rec, err := r.get(ctx, accountID, platform)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO sync_records (account_id, platform)
			VALUES ($1, $2)
			ON CONFLICT (account_id, platform) DO NOTHING
		`, accountID, platform)
		if err != nil {
			return nil, err
		}
		return r.get(ctx, accountID, platform)
	}
	return rec, err
}

func (r *SyncRepo) get(ctx context.Context, accountID uuid.UUID, platform string) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	var delta []byte
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, platform, last_synced_version, last_synced_at, pending_delta, state, last_outcome, retry_count, updated_at
		FROM sync_records WHERE account_id = $1 AND platform = $2
	`, accountID, platform).Scan(&rec.AccountID, &rec.Platform, &rec.LastSyncedVersion, &rec.LastSyncedAt, &delta, &rec.State, &rec.LastOutcome, &rec.RetryCount, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(delta) > 0 {
		if err := json.Unmarshal(delta, &rec.PendingDelta); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// MarkSynced records a successful reconciliation. The stored version never
// decreases: a stale writer cannot roll the record back.
func (r *SyncRepo) MarkSynced(ctx context.Context, accountID uuid.UUID, platform string, version int64, outcome string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_records
		SET last_synced_version = GREATEST(last_synced_version, $3),
		    last_synced_at = now(),
		    pending_delta = NULL,
		    state = 'in_sync',
		    last_outcome = $4,
		    retry_count = 0,
		    updated_at = now()
		WHERE account_id = $1 AND platform = $2
	`, accountID, platform, version, outcome)
	return err
}

// SetState transitions the record's state machine.
func (r *SyncRepo) SetState(ctx context.Context, accountID uuid.UUID, platform, state string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_records SET state = $3, updated_at = now()
		WHERE account_id = $1 AND platform = $2
	`, accountID, platform, state)
	return err
}

// MarkDegraded records an exhausted push and moves the pair to DEGRADED.
func (r *SyncRepo) MarkDegraded(ctx context.Context, accountID uuid.UUID, platform string, retries int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_records
		SET state = 'degraded', last_outcome = 'push_failed', retry_count = $3, updated_at = now()
		WHERE account_id = $1 AND platform = $2
	`, accountID, platform, retries)
	return err
}

// StashPendingDelta stores a delta for the next batched cycle.
func (r *SyncRepo) StashPendingDelta(ctx context.Context, accountID uuid.UUID, platform string, delta map[models.Currency]int64, version int64) error {
	raw, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sync_records (account_id, platform, pending_delta, state, last_synced_version)
		VALUES ($1, $2, $3, 'pending_push', $4)
		ON CONFLICT (account_id, platform) DO UPDATE
		SET pending_delta = $3, state = 'pending_push', updated_at = now()
	`, accountID, platform, raw, version)
	return err
}

// ListByState returns records for one platform in the given state, oldest
// update first so the batch drains fairly.
func (r *SyncRepo) ListByState(ctx context.Context, platform, state string, limit int) ([]*models.SyncRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, platform, last_synced_version, last_synced_at, pending_delta, state, last_outcome, retry_count, updated_at
		FROM sync_records
		WHERE platform = $1 AND state = $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, platform, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SyncRecord
	for rows.Next() {
		var rec models.SyncRecord
		var delta []byte
		if err := rows.Scan(&rec.AccountID, &rec.Platform, &rec.LastSyncedVersion, &rec.LastSyncedAt, &delta, &rec.State, &rec.LastOutcome, &rec.RetryCount, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if len(delta) > 0 {
			if err := json.Unmarshal(delta, &rec.PendingDelta); err != nil {
				return nil, err
			}
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}

// ListStale returns in_sync records whose last success is older than the
// cutoff. Used to surface accounts approaching the offline window.
func (r *SyncRepo) ListStale(ctx context.Context, platform string, cutoff time.Time, limit int) ([]*models.SyncRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, platform, last_synced_version, last_synced_at, pending_delta, state, last_outcome, retry_count, updated_at
		FROM sync_records
		WHERE platform = $1 AND state = 'in_sync' AND last_synced_at < $2
		ORDER BY last_synced_at ASC
		LIMIT $3
	`, platform, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SyncRecord
	for rows.Next() {
		var rec models.SyncRecord
		var delta []byte
		if err := rows.Scan(&rec.AccountID, &rec.Platform, &rec.LastSyncedVersion, &rec.LastSyncedAt, &delta, &rec.State, &rec.LastOutcome, &rec.RetryCount, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}
