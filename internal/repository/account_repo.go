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

// ErrInsufficientFunds is returned when a debit would make a balance negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts an account together with its first platform binding.
// Accounts come into existence on first binding and are never hard-deleted.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account, platform, localID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, version, risk_tier, status)
		VALUES ($1, 0, $2, $3)
		RETURNING created_at, updated_at
	`, a.ID, a.RiskTier, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO platform_bindings (account_id, platform, local_id)
		VALUES ($1, $2, $3)
	`, a.ID, platform, localID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *AccountRepo) AddBinding(ctx context.Context, accountID uuid.UUID, platform, localID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO platform_bindings (account_id, platform, local_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, platform) DO NOTHING
	`, accountID, platform, localID)
	return err
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, version, risk_tier, status, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Version, &a.RiskTier, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := r.loadMaps(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByBinding resolves a platform-local id to its canonical account.
func (r *AccountRepo) GetByBinding(ctx context.Context, platform, localID string) (*models.Account, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT account_id FROM platform_bindings WHERE platform = $1 AND local_id = $2
	`, platform, localID).Scan(&id)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *AccountRepo) loadMaps(ctx context.Context, a *models.Account) error {
	a.Balances = make(map[models.Currency]int64)
	a.DailyEarned = make(map[models.Currency]int64)
	rows, err := r.pool.Query(ctx, `
		SELECT currency, balance, daily_earned FROM account_balances WHERE account_id = $1
	`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Currency
		var bal, earned int64
		if err := rows.Scan(&c, &bal, &earned); err != nil {
			return err
		}
		a.Balances[c] = bal
		a.DailyEarned[c] = earned
	}
	if err := rows.Err(); err != nil {
		return err
	}
	a.Bindings = make(map[string]string)
	brows, err := r.pool.Query(ctx, `
		SELECT platform, local_id FROM platform_bindings WHERE account_id = $1
	`, a.ID)
	if err != nil {
		return err
	}
	defer brows.Close()
	for brows.Next() {
		var platform, localID string
		if err := brows.Scan(&platform, &localID); err != nil {
			return err
		}
		a.Bindings[platform] = localID
	}
	return brows.Err()
}

// GetForUpdate locks the account row. All balance mutations for the account
// must happen after this lock is held, which serializes writers per account.
// Call within a transaction.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		SELECT id, version, risk_tier, status, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&a.ID, &a.Version, &a.RiskTier, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Balances = make(map[models.Currency]int64)
	a.DailyEarned = make(map[models.Currency]int64)
	rows, err := tx.Query(ctx, `
		SELECT currency, balance, daily_earned FROM account_balances WHERE account_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Currency
		var bal, earned int64
		if err := rows.Scan(&c, &bal, &earned); err != nil {
			return nil, err
		}
		a.Balances[c] = bal
		a.DailyEarned[c] = earned
	}
	return &a, rows.Err()
}

// AdjustBalance applies a signed delta to (account, currency) and returns
// the new balance. A delta that would make the balance negative returns
// ErrInsufficientFunds and changes nothing. Call after GetForUpdate in the
// same tx.
func (r *AccountRepo) AdjustBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Currency, delta int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		INSERT INTO account_balances (account_id, currency, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, currency) DO UPDATE
		SET balance = account_balances.balance + $3
		WHERE account_balances.balance + $3 >= 0
		RETURNING balance
	`, id, c, delta).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	// A negative first-touch insert violates the balance CHECK.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// AddDailyEarned bumps the daily-earned counter for an earn-category credit.
func (r *AccountRepo) AddDailyEarned(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Currency, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE account_balances SET daily_earned = daily_earned + $3
		WHERE account_id = $1 AND currency = $2
	`, id, c, amount)
	return err
}

// BumpVersion advances the account's monotonic version and returns it.
func (r *AccountRepo) BumpVersion(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version
	`, id).Scan(&v)
	return v, err
}

func (r *AccountRepo) SetRiskTier(ctx context.Context, id uuid.UUID, tier models.RiskTier) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET risk_tier = $2, updated_at = now() WHERE id = $1
	`, id, tier)
	return err
}

func (r *AccountRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// ListBalances returns every account balance for one currency, reserve
// account excluded. Used by the monitor's inequality computation.
func (r *AccountRepo) ListBalances(ctx context.Context, c models.Currency) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT balance FROM account_balances
		WHERE currency = $1 AND account_id <> $2
	`, c, models.ReserveAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountActive counts accounts that transacted since the given time.
func (r *AccountRepo) CountActive(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT id) FROM (
			SELECT source_id AS id FROM transactions WHERE created_at >= $1 AND source_id IS NOT NULL
			UNION
			SELECT destination_id FROM transactions WHERE created_at >= $1 AND destination_id IS NOT NULL
		) active
	`, since).Scan(&n)
	return n, err
}

// ResetDailyEarned zeroes all daily-earned counters and lifts expired
// risk-tier cap reductions back to low. Runs at the daily boundary.
func (r *AccountRepo) ResetDailyEarned(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE account_balances SET daily_earned = 0`); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET risk_tier = 'low', updated_at = now()
		WHERE risk_tier IN ('high', 'critical')
		  AND NOT EXISTS (
			SELECT 1 FROM risk_flags f
			WHERE f.account_id = accounts.id AND f.expires_at > now()
		  )
	`)
	return err
}
