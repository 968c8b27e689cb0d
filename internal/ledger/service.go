package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coinbridge/backend/internal/models"
	"github.com/coinbridge/backend/internal/repository"
)

// Validation and application failures. DuplicateTransaction is notably
// absent: an idempotent replay returns the prior result, not an error.
var (
	ErrInvalidCurrency   = errors.New("invalid currency")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrAmountOverCap     = errors.New("amount exceeds per-transaction cap")
	ErrDailyCapExceeded  = errors.New("daily earn cap exceeded")
	ErrAccountSuspended  = errors.New("account is suspended")
	ErrRiskRejected      = errors.New("transaction withheld for manual review")
	ErrInsufficientFunds = repository.ErrInsufficientFunds
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the minimal account repository interface the ledger needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	AdjustBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Currency, delta int64) (int64, error)
	AddDailyEarned(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Currency, amount int64) error
	BumpVersion(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int64, error)
}

// TransactionStore is the minimal transaction log interface.
type TransactionStore interface {
	Insert(ctx context.Context, tx pgx.Tx, t *models.Transaction, res *models.AppliedResult) error
	GetResult(ctx context.Context, id string) (*models.AppliedResult, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]*models.Transaction, error)
}

// Scorer classifies the fraud risk of a transaction before it is applied.
type Scorer interface {
	Score(ctx context.Context, accountID uuid.UUID, t *models.Transaction) (models.RiskTier, error)
}

// ReviewQueue holds CRITICAL-risk transactions for manual resolution.
type ReviewQueue interface {
	EnqueueReview(ctx context.Context, t *models.Transaction, reason string) error
}

// ParamsSource exposes the current control parameters (atomic snapshot).
type ParamsSource interface {
	Current() *models.ControlParameters
}

// EventSink receives applied transactions for downstream consumers.
type EventSink interface {
	TransactionApplied(t *models.Transaction)
}

// Service is the ledger store: the single source of truth for balances and
// the append-only transaction log. Mutations of one account are serialized
// by a row lock; mutations on distinct accounts proceed independently.
type Service struct {
	db       TxBeginner
	accounts AccountStore
	txs      TransactionStore
	risk     Scorer
	review   ReviewQueue
	params   ParamsSource
	events   EventSink
	logger   *slog.Logger
}

func NewService(db TxBeginner, accounts AccountStore, txs TransactionStore, risk Scorer, review ReviewQueue, params ParamsSource, events EventSink, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		accounts: accounts,
		txs:      txs,
		risk:     risk,
		review:   review,
		params:   params,
		events:   events,
		logger:   logger,
	}
}

// riskScoredCategories are user-originated movements worth scoring. Sync
// machinery output is scored upstream by the coordinator.
var riskScoredCategories = map[string]bool{
	models.CategoryTransfer: true,
	models.CategoryPurchase: true,
	models.CategoryReward:   true,
}

// Apply validates and applies a transaction atomically. Replaying an
// already-applied id returns the recorded result with no side effects.
func (s *Service) Apply(ctx context.Context, t *models.Transaction) (*models.AppliedResult, error) {
	if err := s.validate(t); err != nil {
		return nil, err
	}

	// Idempotent replay: the transaction log is the record of truth.
	if prior, err := s.txs.GetResult(ctx, t.ID); err == nil {
		prior.Replayed = true
		if prior.Status == models.TxRejected {
			return nil, ErrRiskRejected
		}
		return prior, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger: replay lookup: %w", err)
	}

	if s.risk != nil && riskScoredCategories[t.Category] {
		if err := s.scoreRisk(ctx, t); err != nil {
			return nil, err
		}
	}

	res, err := s.applyOnce(ctx, t)
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		// Lost a race with a concurrent applier of the same id; return
		// whatever it recorded.
		prior, gerr := s.txs.GetResult(ctx, t.ID)
		if gerr != nil {
			return nil, fmt.Errorf("ledger: replay after duplicate: %w", gerr)
		}
		prior.Replayed = true
		if prior.Status == models.TxRejected {
			return nil, ErrRiskRejected
		}
		return prior, nil
	}
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.TransactionApplied(t)
	}
	return res, nil
}

func (s *Service) validate(t *models.Transaction) error {
	if !t.Currency.Valid() {
		return ErrInvalidCurrency
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if t.SourceID == nil && t.DestinationID == nil {
		return ErrInvalidAmount
	}
	// Emission and sink movements are controller-originated and sized by
	// policy, not by the per-player transaction caps.
	if t.Category != models.CategoryEmission && t.Category != models.CategorySink {
		if t.Amount > t.Currency.MaxPerTransaction() {
			return ErrAmountOverCap
		}
		if s.params != nil {
			if p := s.params.Current(); p != nil && p.LargeTxCapEnabled && t.Amount > p.MaxPerTransaction {
				return ErrAmountOverCap
			}
		}
	}
	return nil
}

// scoreRisk scores the acting account. CRITICAL transactions are logged as
// rejected, queued for manual review, and withheld from the ledger.
func (s *Service) scoreRisk(ctx context.Context, t *models.Transaction) error {
	actor := t.SourceID
	if actor == nil {
		actor = t.DestinationID
	}
	tier, err := s.risk.Score(ctx, *actor, t)
	if err != nil {
		// Scoring must not take the ledger down; local operations keep
		// working on a stale tier.
		s.logger.Warn("ledger: risk scoring failed, proceeding", "tx_id", t.ID, "error", err)
		return nil
	}
	if tier != models.RiskCritical {
		return nil
	}
	t.Status = models.TxRejected
	if err := s.recordRejected(ctx, t); err != nil {
		return err
	}
	if s.review != nil {
		if err := s.review.EnqueueReview(ctx, t, "critical risk score"); err != nil {
			s.logger.Error("ledger: failed to enqueue review", "tx_id", t.ID, "error", err)
		}
	}
	return ErrRiskRejected
}

// recordRejected appends the withheld transaction so a replay of the same
// id deterministically reports the rejection.
func (s *Service) recordRejected(ctx context.Context, t *models.Transaction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	res := &models.AppliedResult{TxID: t.ID, Status: models.TxRejected}
	if err := s.txs.Insert(ctx, tx, t, res); err != nil && !errors.Is(err, repository.ErrDuplicateTransaction) {
		return err
	}
	return tx.Commit(ctx)
}

// applyOnce performs the balance mutations and log append in one database
// transaction. Accounts are locked in ascending-uuid order so two
// concurrent opposite-direction transfers cannot deadlock.
func (s *Service) applyOnce(ctx context.Context, t *models.Transaction) (*models.AppliedResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked := make(map[uuid.UUID]*models.Account, 2)
	for _, id := range lockOrder(t.SourceID, t.DestinationID) {
		acc, err := s.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("ledger: lock account %s: %w", id, err)
		}
		if acc.Status == models.AccountSuspended {
			return nil, ErrAccountSuspended
		}
		locked[id] = acc
	}

	res := &models.AppliedResult{TxID: t.ID, Status: models.TxCompleted, CreditedAmount: t.Amount}

	if t.DestinationID != nil && t.CountsTowardDailyCap() {
		credited, err := s.capCredit(locked[*t.DestinationID], t)
		if err != nil {
			return nil, err
		}
		res.CreditedAmount = credited
	}

	if t.SourceID != nil {
		newBal, err := s.accounts.AdjustBalance(ctx, tx, *t.SourceID, t.Currency, -t.Amount)
		if err != nil {
			return nil, err
		}
		res.SourceBalanceAfter = &newBal
		if _, err := s.accounts.BumpVersion(ctx, tx, *t.SourceID); err != nil {
			return nil, err
		}
	}
	if t.DestinationID != nil && res.CreditedAmount > 0 {
		newBal, err := s.accounts.AdjustBalance(ctx, tx, *t.DestinationID, t.Currency, res.CreditedAmount)
		if err != nil {
			return nil, err
		}
		res.DestBalanceAfter = &newBal
		if t.CountsTowardDailyCap() {
			if err := s.accounts.AddDailyEarned(ctx, tx, *t.DestinationID, t.Currency, res.CreditedAmount); err != nil {
				return nil, err
			}
		}
		if _, err := s.accounts.BumpVersion(ctx, tx, *t.DestinationID); err != nil {
			return nil, err
		}
	}

	t.Status = models.TxCompleted
	if err := s.txs.Insert(ctx, tx, t, res); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// capCredit enforces the destination's effective daily earn cap. Rewards
// over the cap are rejected outright; sync-driven credits are clamped and
// the excess is discarded (bounds replay of offline farming).
func (s *Service) capCredit(dest *models.Account, t *models.Transaction) (int64, error) {
	limit := dest.EffectiveDailyCap(t.Currency)
	room := limit - dest.Earned(t.Currency)
	if room < 0 {
		room = 0
	}
	if t.Amount <= room {
		return t.Amount, nil
	}
	if t.Category == models.CategoryReward {
		return 0, ErrDailyCapExceeded
	}
	s.logger.Info("ledger: clamped credit to daily cap",
		"tx_id", t.ID,
		"account_id", dest.ID,
		"currency", t.Currency,
		"requested", t.Amount,
		"credited", room,
	)
	return room, nil
}

// lockOrder returns the distinct non-nil account ids in ascending order.
func lockOrder(a, b *uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	if a != nil {
		ids = append(ids, *a)
	}
	if b != nil && (a == nil || *b != *a) {
		ids = append(ids, *b)
	}
	if len(ids) == 2 && bytes.Compare(ids[1][:], ids[0][:]) < 0 {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return ids
}

// GetBalance returns the canonical balance for (account, currency).
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, c models.Currency) (int64, error) {
	if !c.Valid() {
		return 0, ErrInvalidCurrency
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance(c), nil
}

// GetAccount returns the full canonical account view.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return s.accounts.GetByID(ctx, accountID)
}

// GetHistory returns the account's transactions after `since`, oldest
// first. Callers resume by passing the last seen timestamp.
func (s *Service) GetHistory(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.txs.ListByAccount(ctx, accountID, since, limit)
}

// Credit emits currency into an account (reward or emission).
func (s *Service) Credit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error) {
	return s.Apply(ctx, &models.Transaction{
		ID:             txID,
		DestinationID:  &accountID,
		Currency:       c,
		Amount:         amount,
		Category:       category,
		OriginPlatform: platform,
		Metadata:       metadata,
	})
}

// Debit removes currency from an account into the sink (purchases, fees).
func (s *Service) Debit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error) {
	return s.Apply(ctx, &models.Transaction{
		ID:             txID,
		SourceID:       &accountID,
		Currency:       c,
		Amount:         amount,
		Category:       category,
		OriginPlatform: platform,
		Metadata:       metadata,
	})
}

// Transfer moves currency between two accounts.
func (s *Service) Transfer(ctx context.Context, txID string, from, to uuid.UUID, c models.Currency, amount int64, platform string, metadata json.RawMessage) (*models.AppliedResult, error) {
	return s.Apply(ctx, &models.Transaction{
		ID:             txID,
		SourceID:       &from,
		DestinationID:  &to,
		Currency:       c,
		Amount:         amount,
		Category:       models.CategoryTransfer,
		OriginPlatform: platform,
		Metadata:       metadata,
	})
}
