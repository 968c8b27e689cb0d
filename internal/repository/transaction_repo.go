package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbridge/backend/internal/models"
)

// ErrDuplicateTransaction signals that a transaction id was already applied.
// Callers treat it as an idempotent replay, not a failure.
var ErrDuplicateTransaction = errors.New("transaction already applied")

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Insert appends a transaction with its recorded result inside the given
// tx. Returns ErrDuplicateTransaction on an id collision, leaving the
// original row untouched.
func (r *TransactionRepo) Insert(ctx context.Context, tx pgx.Tx, t *models.Transaction, res *models.AppliedResult) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, source_id, destination_id, currency, amount, category, origin_platform, status, metadata, source_balance_after, dest_balance_after, credited_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, t.ID, t.SourceID, t.DestinationID, t.Currency, t.Amount, t.Category, t.OriginPlatform, t.Status, t.Metadata, res.SourceBalanceAfter, res.DestBalanceAfter, res.CreditedAmount).Scan(&t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

// GetResult returns the recorded outcome for a transaction id, or
// pgx.ErrNoRows if the id was never applied.
func (r *TransactionRepo) GetResult(ctx context.Context, id string) (*models.AppliedResult, error) {
	var res models.AppliedResult
	err := r.pool.QueryRow(ctx, `
		SELECT id, status, source_balance_after, dest_balance_after, credited_amount
		FROM transactions WHERE id = $1
	`, id).Scan(&res.TxID, &res.Status, &res.SourceBalanceAfter, &res.DestBalanceAfter, &res.CreditedAmount)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListByAccount returns transactions touching the account since the given
// time, oldest first, keyset-limited so callers can restart from the last
// seen created_at.
func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_id, destination_id, currency, amount, category, origin_platform, status, metadata, created_at
		FROM transactions
		WHERE (source_id = $1 OR destination_id = $1) AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, accountID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.SourceID, &t.DestinationID, &t.Currency, &t.Amount, &t.Category, &t.OriginPlatform, &t.Status, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// WindowVolume sums completed transaction amounts in [from, to).
func (r *TransactionRepo) WindowVolume(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE status = 'completed' AND created_at >= $1 AND created_at < $2
	`, from, to).Scan(&total)
	return total, err
}

// TotalEmitted sums all completed emissions of the currency (null source).
func (r *TransactionRepo) TotalEmitted(ctx context.Context, c models.Currency) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(credited_amount), 0) FROM transactions
		WHERE currency = $1 AND status = 'completed' AND source_id IS NULL
	`, c).Scan(&total)
	return total, err
}

// TotalSunk sums all completed sinks of the currency (null destination).
func (r *TransactionRepo) TotalSunk(ctx context.Context, c models.Currency) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE currency = $1 AND status = 'completed' AND destination_id IS NULL
	`, c).Scan(&total)
	return total, err
}

// Circulation is the sum of all account balances for the currency.
func (r *TransactionRepo) Circulation(ctx context.Context, c models.Currency) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM account_balances WHERE currency = $1
	`, c).Scan(&total)
	return total, err
}

// TrailingAverage returns the account's mean outgoing transaction amount
// over the trailing number of days. Zero when there is no history.
func (r *TransactionRepo) TrailingAverage(ctx context.Context, accountID uuid.UUID, days int) (float64, error) {
	var avg float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(amount), 0) FROM transactions
		WHERE source_id = $1 AND status = 'completed'
		  AND created_at >= now() - make_interval(days => $2)
	`, accountID, days).Scan(&avg)
	return avg, err
}
