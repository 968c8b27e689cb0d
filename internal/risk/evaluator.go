package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coinbridge/backend/internal/models"
)

const (
	burstWindow        = 60 * time.Second
	burstThreshold     = 5    // tx count in window scoring at least HIGH
	spikeFactor        = 10.0 // multiple of trailing average scoring at least MEDIUM
	trailingDays       = 30
	priorFlagDays      = 7
	highFlagEscalation = 3 // HIGH flags in the window escalating to CRITICAL
	newAccountAge      = 24 * time.Hour
)

// Window counts events in a trailing time window.
type Window interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// HistoryStore supplies the account's trailing spend behaviour.
type HistoryStore interface {
	TrailingAverage(ctx context.Context, accountID uuid.UUID, days int) (float64, error)
}

// FlagStore records scoring outcomes and prior offenses.
type FlagStore interface {
	InsertFlag(ctx context.Context, f *models.RiskFlag) error
	CountFlags(ctx context.Context, accountID uuid.UUID, tier models.RiskTier, since time.Time) (int, error)
}

// AccountStore is what the evaluator needs to read and tag accounts.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SetRiskTier(ctx context.Context, id uuid.UUID, tier models.RiskTier) error
}

// Evaluator scores transactions for fraud likelihood. HIGH and CRITICAL
// scores tag the account so the ledger applies a reduced daily cap until
// the next daily reset.
type Evaluator struct {
	window   Window
	history  HistoryStore
	flags    FlagStore
	accounts AccountStore
	logger   *slog.Logger
}

func NewEvaluator(window Window, history HistoryStore, flags FlagStore, accounts AccountStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		window:   window,
		history:  history,
		flags:    flags,
		accounts: accounts,
		logger:   logger,
	}
}

// Score classifies a transaction. Signals: burst rate in the trailing 60
// seconds, amount relative to the 30-day average, account age, and prior
// flags in the last 7 days. One prior CRITICAL flag, or repeated HIGH
// flags, keeps the account CRITICAL for the remainder of the window.
func (e *Evaluator) Score(ctx context.Context, accountID uuid.UUID, t *models.Transaction) (models.RiskTier, error) {
	tier := models.RiskLow

	flagCutoff := time.Now().Add(-priorFlagDays * 24 * time.Hour)
	prior, err := e.flags.CountFlags(ctx, accountID, models.RiskCritical, flagCutoff)
	if err != nil {
		return models.RiskLow, fmt.Errorf("risk: prior flags: %w", err)
	}
	if prior > 0 {
		tier = models.RiskCritical
	} else {
		// Repeat HIGH offenders graduate to CRITICAL even if no single
		// transaction earned it outright.
		highs, err := e.flags.CountFlags(ctx, accountID, models.RiskHigh, flagCutoff)
		if err != nil {
			return models.RiskLow, fmt.Errorf("risk: prior flags: %w", err)
		}
		if highs >= highFlagEscalation {
			tier = models.RiskCritical
		}
	}

	count, err := e.window.Incr(ctx, burstKey(accountID), burstWindow)
	if err != nil {
		return models.RiskLow, fmt.Errorf("risk: burst window: %w", err)
	}
	if count >= burstThreshold {
		tier = tier.Max(models.RiskHigh)
	}

	avg, err := e.history.TrailingAverage(ctx, accountID, trailingDays)
	if err != nil {
		return models.RiskLow, fmt.Errorf("risk: trailing average: %w", err)
	}
	if avg > 0 && float64(t.Amount) > spikeFactor*avg {
		tier = tier.Max(models.RiskMedium)
	}

	acc, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return models.RiskLow, fmt.Errorf("risk: load account: %w", err)
	}
	if time.Since(acc.CreatedAt) < newAccountAge {
		tier = tier.Max(models.RiskMedium)
	}

	if tier.RequiresReview() {
		if err := e.recordOffense(ctx, acc, t, tier); err != nil {
			e.logger.Error("risk: failed to record offense", "account_id", accountID, "error", err)
		}
	}
	return tier, nil
}

// recordOffense flags the account and moves it to the worse tier, which
// reduces its effective daily cap until the next reset lifts it.
func (e *Evaluator) recordOffense(ctx context.Context, acc *models.Account, t *models.Transaction, tier models.RiskTier) error {
	expires := nextDailyReset(time.Now())
	if tier == models.RiskCritical {
		expires = time.Now().Add(priorFlagDays * 24 * time.Hour)
	}
	flag := &models.RiskFlag{
		AccountID: acc.ID,
		Tier:      tier,
		Reason:    fmt.Sprintf("tx %s scored %s", t.ID, tier),
		ExpiresAt: expires,
	}
	if err := e.flags.InsertFlag(ctx, flag); err != nil {
		return err
	}
	if tier.AtLeast(acc.RiskTier) && tier != acc.RiskTier {
		return e.accounts.SetRiskTier(ctx, acc.ID, tier)
	}
	return nil
}

func burstKey(id uuid.UUID) string {
	return "risk:burst:" + id.String()
}

// nextDailyReset is the next UTC midnight, the boundary at which daily
// earn counters and cap reductions reset.
func nextDailyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// RedisWindow implements Window on a shared redis instance so burst
// detection sees traffic from every API replica.
type RedisWindow struct {
	rdb *redis.Client
}

func NewRedisWindow(rdb *redis.Client) *RedisWindow {
	return &RedisWindow{rdb: rdb}
}

func (w *RedisWindow) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := w.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := w.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}
