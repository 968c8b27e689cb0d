package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coinbridge/backend/internal/events"
	"github.com/coinbridge/backend/internal/ledger"
	"github.com/coinbridge/backend/internal/models"
)

var ErrUnknownBinding = errors.New("sync: no account bound for platform user")

// DeltaRequest is a platform-submitted balance delta tagged with the
// canonical version the platform last saw.
type DeltaRequest struct {
	Platform     string                    `json:"platform"`
	LocalUserID  string                    `json:"local_user_id"`
	BatchID      string                    `json:"batch_id"`
	KnownVersion int64                     `json:"known_version"`
	Deltas       map[models.Currency]int64 `json:"deltas"`
}

// Result reports how a delta was reconciled. Balances carry the canonical
// state the platform must overwrite its local copy with.
type Result struct {
	AccountID        uuid.UUID                 `json:"account_id"`
	Outcome          string                    `json:"outcome"`
	Conflict         bool                      `json:"conflict"`
	CanonicalVersion int64                     `json:"canonical_version"`
	Balances         map[models.Currency]int64 `json:"balances"`
}

// Ledger is the slice of the ledger service the coordinator drives.
type Ledger interface {
	Apply(ctx context.Context, t *models.Transaction) (*models.AppliedResult, error)
}

// AccountStore resolves bindings, escalates risk tiers and reflects sync
// health on the account.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByBinding(ctx context.Context, platform, localID string) (*models.Account, error)
	SetRiskTier(ctx context.Context, id uuid.UUID, tier models.RiskTier) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

// SyncStore persists per-(account, platform) reconciliation state.
type SyncStore interface {
	Get(ctx context.Context, accountID uuid.UUID, platform string) (*models.SyncRecord, error)
	MarkSynced(ctx context.Context, accountID uuid.UUID, platform string, version int64, outcome string) error
	SetState(ctx context.Context, accountID uuid.UUID, platform, state string) error
	MarkDegraded(ctx context.Context, accountID uuid.UUID, platform string, retries int) error
	StashPendingDelta(ctx context.Context, accountID uuid.UUID, platform string, delta map[models.Currency]int64, version int64) error
	ListByState(ctx context.Context, platform, state string, limit int) ([]*models.SyncRecord, error)
	ListStale(ctx context.Context, platform string, cutoff time.Time, limit int) ([]*models.SyncRecord, error)
}

// FlagStore records risk flags raised during reconciliation.
type FlagStore interface {
	InsertFlag(ctx context.Context, f *models.RiskFlag) error
}

// Pusher delivers canonical state to a platform adapter.
type Pusher interface {
	Push(ctx context.Context, platform string, state *PushState) error
}

// EventSink publishes conflict resolutions for audit consumers.
type EventSink interface {
	SyncConflict(ev events.ConflictEvent)
}

// PushState is the canonical snapshot pushed to an adapter after
// reconciliation. The adapter overwrites its local copy with it.
type PushState struct {
	AccountID uuid.UUID                 `json:"account_id"`
	Version   int64                     `json:"version"`
	Balances  map[models.Currency]int64 `json:"balances"`
}

const (
	batchSize       = 100
	conflictFlagTTL = 7 * 24 * time.Hour
)

// Coordinator reconciles platform-local economy state against the
// canonical ledger. The ledger is always authoritative: conflicting
// platform deltas are replayed on top of canonical state as compensation
// transactions, never merged and never silently dropped.
type Coordinator struct {
	ledger   Ledger
	accounts AccountStore
	syncs    SyncStore
	flags    FlagStore
	pusher   Pusher
	events   EventSink
	logger   *slog.Logger

	offlineWindow   time.Duration
	offlineFraction float64
	immediateAbove  int64

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

type Options struct {
	OfflineWindow          time.Duration
	OfflineAccrualFraction float64
	ImmediateSyncThreshold int64
}

func NewCoordinator(ledger Ledger, accounts AccountStore, syncs SyncStore, flags FlagStore, pusher Pusher, events EventSink, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ledger:          ledger,
		accounts:        accounts,
		syncs:           syncs,
		flags:           flags,
		pusher:          pusher,
		events:          events,
		logger:          logger,
		offlineWindow:   opts.OfflineWindow,
		offlineFraction: opts.OfflineAccrualFraction,
		immediateAbove:  opts.ImmediateSyncThreshold,
		locks:           make(map[uuid.UUID]*sync.Mutex),
	}
}

// ImmediateSync reports whether a movement must be reconciled synchronously
// instead of waiting for the next batch cycle.
func (c *Coordinator) ImmediateSync(cur models.Currency, amount int64) bool {
	return cur.Scarce() || amount >= c.immediateAbove
}

// SubmitDelta reconciles one platform delta against the canonical ledger.
// The call is idempotent per (platform, batch id): replays return the
// previously recorded ledger results.
func (c *Coordinator) SubmitDelta(ctx context.Context, req *DeltaRequest) (*Result, error) {
	acc, err := c.accounts.GetByBinding(ctx, req.Platform, req.LocalUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownBinding, req.Platform, req.LocalUserID)
	}

	unlock := c.lockAccount(acc.ID)
	defer unlock()

	rec, err := c.syncs.Get(ctx, acc.ID, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("sync: load record: %w", err)
	}
	if err := c.syncs.SetState(ctx, acc.ID, req.Platform, models.SyncReconciling); err != nil {
		return nil, fmt.Errorf("sync: set state: %w", err)
	}

	res, err := c.reconcile(ctx, acc, rec, req)
	if err != nil {
		// Reconciliation failed mid-flight; park what has not been applied
		// yet for the next batch cycle rather than losing it. Currencies the
		// ledger already recorded must not be stashed again: the batch retry
		// runs under a fresh batch id, so a replayed delta would credit twice.
		pending := req.Deltas
		var rerr *reconcileError
		if errors.As(err, &rerr) {
			pending = rerr.remaining
		}
		if len(pending) > 0 {
			if stashErr := c.syncs.StashPendingDelta(ctx, acc.ID, req.Platform, pending, req.KnownVersion); stashErr != nil {
				c.logger.Error("sync: failed to stash delta after error", "account_id", acc.ID, "platform", req.Platform, "error", stashErr)
			}
		}
		return nil, err
	}

	if err := c.syncs.MarkSynced(ctx, acc.ID, req.Platform, res.CanonicalVersion, res.Outcome); err != nil {
		return nil, fmt.Errorf("sync: mark synced: %w", err)
	}
	return res, nil
}

// reconcileError carries the currencies a failed reconciliation never got
// to apply, so the caller can re-queue exactly those.
type reconcileError struct {
	remaining map[models.Currency]int64
	err       error
}

func (e *reconcileError) Error() string { return e.err.Error() }
func (e *reconcileError) Unwrap() error { return e.err }

// reconcile applies the delta currency by currency in a fixed order so a
// replay reproduces the same transaction ids and outcomes.
func (c *Coordinator) reconcile(ctx context.Context, acc *models.Account, rec *models.SyncRecord, req *DeltaRequest) (*Result, error) {
	conflict := acc.Version > req.KnownVersion
	category := models.CategorySyncAdjustment
	if conflict {
		category = models.CategoryCompensation
	}

	outcome := models.OutcomeApplied
	if conflict {
		outcome = models.OutcomeCompensated
	}

	offline := !rec.LastSyncedAt.IsZero() && time.Since(rec.LastSyncedAt) > c.offlineWindow

	// remaining tracks the submitted amounts not yet settled by the ledger.
	// A transient failure returns it so only the unapplied part is retried.
	remaining := make(map[models.Currency]int64, len(req.Deltas))
	for cur, d := range req.Deltas {
		remaining[cur] = d
	}

	for _, cur := range models.Currencies() {
		delta, ok := req.Deltas[cur]
		if !ok || delta == 0 {
			delete(remaining, cur)
			continue
		}

		if offline && delta > 0 {
			capped := int64(math.Floor(float64(delta) * c.offlineFraction))
			c.logger.Warn("sync: offline accrual capped",
				"account_id", acc.ID, "platform", req.Platform, "currency", cur,
				"submitted", delta, "credited", capped,
				"offline_for", time.Since(rec.LastSyncedAt).Round(time.Minute).String(),
			)
			delta = capped
			// A conflict or rejection outranks the cap on the audit trail.
			if outcome == models.OutcomeApplied {
				outcome = models.OutcomeOfflineCapped
			}
			if delta == 0 {
				delete(remaining, cur)
				continue
			}
		}

		t := &models.Transaction{
			ID:             fmt.Sprintf("sync-%s-%s-%s", req.Platform, req.BatchID, cur),
			Currency:       cur,
			Amount:         delta,
			Category:       category,
			OriginPlatform: req.Platform,
		}
		if delta > 0 {
			t.DestinationID = &acc.ID
		} else {
			t.Amount = -delta
			t.SourceID = &acc.ID
		}

		if _, err := c.ledger.Apply(ctx, t); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				// Canonical balance cannot cover the platform-side spend.
				// The debit is rejected rather than forced negative and
				// the divergence is flagged for review.
				if ferr := c.flagOverdraw(ctx, acc, req.Platform, cur, -t.Amount); ferr != nil {
					c.logger.Error("sync: failed to flag overdraw", "account_id", acc.ID, "error", ferr)
				}
				outcome = models.OutcomePartialReject
				delete(remaining, cur)
				continue
			}
			return nil, &reconcileError{remaining: remaining, err: fmt.Errorf("sync: apply %s: %w", t.ID, err)}
		}
		delete(remaining, cur)
	}

	fresh, err := c.accounts.GetByID(ctx, acc.ID)
	if err != nil {
		return nil, &reconcileError{remaining: remaining, err: fmt.Errorf("sync: reload account: %w", err)}
	}

	if conflict {
		c.logger.Info("sync: canonical wins, delta compensated",
			"account_id", acc.ID, "platform", req.Platform,
			"submitted_version", req.KnownVersion, "canonical_version", acc.Version,
			"outcome", outcome,
		)
		if c.events != nil {
			c.events.SyncConflict(events.ConflictEvent{
				AccountID:        acc.ID.String(),
				Platform:         req.Platform,
				SubmittedVersion: req.KnownVersion,
				CanonicalVersion: acc.Version,
				Outcome:          outcome,
			})
		}
	}

	return &Result{
		AccountID:        acc.ID,
		Outcome:          outcome,
		Conflict:         conflict,
		CanonicalVersion: fresh.Version,
		Balances:         fresh.Balances,
	}, nil
}

// flagOverdraw raises a HIGH flag and escalates the tier when a
// compensation debit would overdraw the canonical balance.
func (c *Coordinator) flagOverdraw(ctx context.Context, acc *models.Account, platform string, cur models.Currency, delta int64) error {
	if c.flags != nil {
		f := &models.RiskFlag{
			AccountID: acc.ID,
			Tier:      models.RiskHigh,
			Reason:    fmt.Sprintf("sync debit overdraw: platform=%s currency=%s delta=%d", platform, cur, delta),
			ExpiresAt: time.Now().UTC().Add(conflictFlagTTL),
		}
		if err := c.flags.InsertFlag(ctx, f); err != nil {
			return err
		}
	}
	escalated := acc.RiskTier.Max(models.RiskHigh)
	if escalated == acc.RiskTier {
		return nil
	}
	return c.accounts.SetRiskTier(ctx, acc.ID, escalated)
}

// Enqueue stashes a delta for the next batched cycle.
func (c *Coordinator) Enqueue(ctx context.Context, req *DeltaRequest) error {
	acc, err := c.accounts.GetByBinding(ctx, req.Platform, req.LocalUserID)
	if err != nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownBinding, req.Platform, req.LocalUserID)
	}
	return c.syncs.StashPendingDelta(ctx, acc.ID, req.Platform, req.Deltas, req.KnownVersion)
}

// RunBatch drains pending deltas for one platform and pushes the resulting
// canonical state to its adapter. Push failures degrade the pair; the
// hourly retry job picks degraded pairs back up. Pairs that have not synced
// for a full offline window get a refresh push even without pending deltas,
// so an idle platform's local copy does not drift past the accrual cap.
func (c *Coordinator) RunBatch(ctx context.Context, platform string) error {
	pending, err := c.syncs.ListByState(ctx, platform, models.SyncPendingPush, batchSize)
	if err != nil {
		return fmt.Errorf("sync: list pending: %w", err)
	}
	for _, rec := range pending {
		if err := c.reconcilePending(ctx, platform, rec); err != nil {
			c.logger.Error("sync: batch reconciliation failed", "account_id", rec.AccountID, "platform", platform, "error", err)
		}
	}

	stale, err := c.syncs.ListStale(ctx, platform, time.Now().Add(-c.offlineWindow), batchSize)
	if err != nil {
		return fmt.Errorf("sync: list stale: %w", err)
	}
	for _, rec := range stale {
		if err := c.pushCanonical(ctx, platform, rec.AccountID, rec.RetryCount); err != nil {
			c.logger.Error("sync: stale refresh failed", "account_id", rec.AccountID, "platform", platform, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) reconcilePending(ctx context.Context, platform string, rec *models.SyncRecord) error {
	acc, err := c.accounts.GetByID(ctx, rec.AccountID)
	if err != nil {
		return err
	}

	unlock := c.lockAccount(acc.ID)
	defer unlock()

	if len(rec.PendingDelta) > 0 {
		req := &DeltaRequest{
			Platform:     platform,
			LocalUserID:  acc.Bindings[platform],
			BatchID:      fmt.Sprintf("batch-%s-%d", rec.AccountID, rec.UpdatedAt.UnixNano()),
			KnownVersion: rec.LastSyncedVersion,
			Deltas:       rec.PendingDelta,
		}
		res, err := c.reconcile(ctx, acc, rec, req)
		if err != nil {
			return err
		}
		if err := c.syncs.MarkSynced(ctx, acc.ID, platform, res.CanonicalVersion, res.Outcome); err != nil {
			return err
		}
	}

	return c.pushCanonical(ctx, platform, rec.AccountID, rec.RetryCount)
}

// pushCanonical delivers the account's canonical state to the platform
// adapter. Exhausted retries move the pair to DEGRADED.
func (c *Coordinator) pushCanonical(ctx context.Context, platform string, accountID uuid.UUID, priorRetries int) error {
	if c.pusher == nil {
		return nil
	}
	fresh, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	state := &PushState{AccountID: fresh.ID, Version: fresh.Version, Balances: fresh.Balances}

	if err := c.pusher.Push(ctx, platform, state); err != nil {
		retries := priorRetries + 1
		if derr := c.syncs.MarkDegraded(ctx, accountID, platform, retries); derr != nil {
			return derr
		}
		if fresh.Status == models.AccountActive {
			if serr := c.accounts.SetStatus(ctx, accountID, models.AccountSyncDegraded); serr != nil {
				c.logger.Error("sync: failed to mark account degraded", "account_id", accountID, "error", serr)
			}
		}
		c.logger.Warn("sync: push exhausted retries, pair degraded",
			"account_id", accountID, "platform", platform, "retries", retries, "error", err)
		return nil
	}
	// A recovering pair reactivates the account, but never overrides a
	// suspension.
	if priorRetries > 0 && fresh.Status == models.AccountSyncDegraded {
		if serr := c.accounts.SetStatus(ctx, accountID, models.AccountActive); serr != nil {
			c.logger.Error("sync: failed to reactivate account", "account_id", accountID, "error", serr)
		}
	}
	return c.syncs.MarkSynced(ctx, accountID, platform, fresh.Version, models.OutcomeApplied)
}

// SyncNow pushes canonical state for one account immediately. Used for
// scarce-currency and high-value movements that cannot wait for the next
// batch cycle.
func (c *Coordinator) SyncNow(ctx context.Context, platform string, accountID uuid.UUID) error {
	unlock := c.lockAccount(accountID)
	defer unlock()
	return c.pushCanonical(ctx, platform, accountID, 0)
}

// RetryDegraded re-pushes canonical state for degraded pairs. Run hourly.
func (c *Coordinator) RetryDegraded(ctx context.Context, platform string) error {
	degraded, err := c.syncs.ListByState(ctx, platform, models.SyncDegraded, batchSize)
	if err != nil {
		return fmt.Errorf("sync: list degraded: %w", err)
	}
	for _, rec := range degraded {
		if err := c.pushCanonical(ctx, platform, rec.AccountID, rec.RetryCount); err != nil {
			c.logger.Error("sync: degraded retry failed", "account_id", rec.AccountID, "platform", platform, "error", err)
		}
	}
	return nil
}

// lockAccount serializes reconciliation per account within this process.
// Cross-process serialization comes from the ledger's row locks.
func (c *Coordinator) lockAccount(id uuid.UUID) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}
