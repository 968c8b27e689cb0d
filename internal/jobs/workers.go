package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/coinbridge/backend/internal/models"
)

// --- job args ---

type SyncCycleArgs struct {
	Platform string `json:"platform"`
}

func (SyncCycleArgs) Kind() string { return "sync_cycle" }

type DegradedRetryArgs struct {
	Platform string `json:"platform"`
}

func (DegradedRetryArgs) Kind() string { return "degraded_retry" }

type MonitorArgs struct{}

func (MonitorArgs) Kind() string { return "economy_monitor" }

type ControllerArgs struct {
	SnapshotID int64 `json:"snapshot_id"`
}

func (ControllerArgs) Kind() string { return "economy_controller" }

type ExchangeRecomputeArgs struct{}

func (ExchangeRecomputeArgs) Kind() string { return "exchange_recompute" }

type DailyResetArgs struct{}

func (DailyResetArgs) Kind() string { return "daily_reset" }

// --- service contracts ---

// Syncer drains pending deltas and retries degraded pairs.
type Syncer interface {
	RunBatch(ctx context.Context, platform string) error
	RetryDegraded(ctx context.Context, platform string) error
}

// Monitor takes one economic snapshot. A nil snapshot means another cycle
// was already in flight.
type Monitor interface {
	Run(ctx context.Context) (*models.EconomicSnapshot, error)
}

// Controller reacts to one snapshot.
type Controller interface {
	Run(ctx context.Context, snapshotID int64) error
}

// Exchange recomputes and publishes the exchange rate.
type Exchange interface {
	Recompute(ctx context.Context) (*models.ExchangeRate, error)
}

// Resetter zeroes daily-earned counters at UTC midnight.
type Resetter interface {
	ResetDailyEarned(ctx context.Context) error
}

// InsertControllerFunc enqueues a controller job. Set after the river
// client is created (breaks the init cycle).
type InsertControllerFunc func(ctx context.Context, args ControllerArgs) error

// --- workers ---

// SyncCycleWorker drains one platform's pending deltas every batch window.
type SyncCycleWorker struct {
	river.WorkerDefaults[SyncCycleArgs]
	sync   Syncer
	logger *slog.Logger
}

func NewSyncCycleWorker(sync Syncer, logger *slog.Logger) *SyncCycleWorker {
	return &SyncCycleWorker{sync: sync, logger: logger}
}

func (w *SyncCycleWorker) Work(ctx context.Context, job *river.Job[SyncCycleArgs]) error {
	if err := w.sync.RunBatch(ctx, job.Args.Platform); err != nil {
		return fmt.Errorf("sync cycle %s: %w", job.Args.Platform, err)
	}
	return nil
}

// DegradedRetryWorker re-pushes canonical state for degraded pairs hourly.
type DegradedRetryWorker struct {
	river.WorkerDefaults[DegradedRetryArgs]
	sync   Syncer
	logger *slog.Logger
}

func NewDegradedRetryWorker(sync Syncer, logger *slog.Logger) *DegradedRetryWorker {
	return &DegradedRetryWorker{sync: sync, logger: logger}
}

func (w *DegradedRetryWorker) Work(ctx context.Context, job *river.Job[DegradedRetryArgs]) error {
	if err := w.sync.RetryDegraded(ctx, job.Args.Platform); err != nil {
		return fmt.Errorf("degraded retry %s: %w", job.Args.Platform, err)
	}
	return nil
}

// MonitorWorker takes a snapshot and hands it to the controller by
// enqueueing a controller job for the new snapshot id.
type MonitorWorker struct {
	river.WorkerDefaults[MonitorArgs]
	monitor          Monitor
	insertController InsertControllerFunc
	logger           *slog.Logger
}

func NewMonitorWorker(monitor Monitor, insertController InsertControllerFunc, logger *slog.Logger) *MonitorWorker {
	return &MonitorWorker{monitor: monitor, insertController: insertController, logger: logger}
}

func (w *MonitorWorker) Work(ctx context.Context, _ *river.Job[MonitorArgs]) error {
	snap, err := w.monitor.Run(ctx)
	if err != nil {
		return fmt.Errorf("monitor cycle: %w", err)
	}
	if snap == nil {
		return nil
	}
	if err := w.insertController(ctx, ControllerArgs{SnapshotID: snap.ID}); err != nil {
		return fmt.Errorf("enqueue controller for snapshot %d: %w", snap.ID, err)
	}
	return nil
}

// ControllerWorker runs the anti-inflation feedback loop for one snapshot.
type ControllerWorker struct {
	river.WorkerDefaults[ControllerArgs]
	controller Controller
	logger     *slog.Logger
}

func NewControllerWorker(controller Controller, logger *slog.Logger) *ControllerWorker {
	return &ControllerWorker{controller: controller, logger: logger}
}

func (w *ControllerWorker) Work(ctx context.Context, job *river.Job[ControllerArgs]) error {
	if err := w.controller.Run(ctx, job.Args.SnapshotID); err != nil {
		return fmt.Errorf("controller for snapshot %d: %w", job.Args.SnapshotID, err)
	}
	return nil
}

// ExchangeRecomputeWorker republishes the exchange rate every window.
type ExchangeRecomputeWorker struct {
	river.WorkerDefaults[ExchangeRecomputeArgs]
	exchange Exchange
	logger   *slog.Logger
}

func NewExchangeRecomputeWorker(exchange Exchange, logger *slog.Logger) *ExchangeRecomputeWorker {
	return &ExchangeRecomputeWorker{exchange: exchange, logger: logger}
}

func (w *ExchangeRecomputeWorker) Work(ctx context.Context, _ *river.Job[ExchangeRecomputeArgs]) error {
	rate, err := w.exchange.Recompute(ctx)
	if err != nil {
		return fmt.Errorf("exchange recompute: %w", err)
	}
	w.logger.Info("exchange rate republished", "version", rate.Version, "rate", rate.Rate.String())
	return nil
}

// DailyResetWorker zeroes daily-earned counters at UTC midnight.
type DailyResetWorker struct {
	river.WorkerDefaults[DailyResetArgs]
	accounts Resetter
	logger   *slog.Logger
}

func NewDailyResetWorker(accounts Resetter, logger *slog.Logger) *DailyResetWorker {
	return &DailyResetWorker{accounts: accounts, logger: logger}
}

func (w *DailyResetWorker) Work(ctx context.Context, _ *river.Job[DailyResetArgs]) error {
	if err := w.accounts.ResetDailyEarned(ctx); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	w.logger.Info("daily earn counters reset")
	return nil
}
