package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinbridge/backend/internal/models"
)

// Adjustment factors from the control policy.
var (
	emissionTighten = decimal.NewFromFloat(0.8)
	emissionLoosen  = decimal.NewFromFloat(1.15)
	costTighten     = decimal.NewFromFloat(1.15)
	costLoosen      = decimal.NewFromFloat(0.9)
	taxStep         = decimal.NewFromFloat(0.01) // +1 percentage point
	eventBonusStep  = decimal.NewFromFloat(0.25)
	reserveFraction = decimal.NewFromFloat(0.05)
)

// ParamsStore persists versioned parameter records.
type ParamsStore interface {
	Insert(ctx context.Context, p *models.ControlParameters) error
	Latest(ctx context.Context) (*models.ControlParameters, error)
}

// SnapshotStore reads monitor output.
type SnapshotStore interface {
	GetByID(ctx context.Context, id int64) (*models.EconomicSnapshot, error)
}

// Emitter lets the controller inject reserve currency during deflation.
type Emitter interface {
	Credit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error)
}

// Publisher is notified when new parameters are published.
type Publisher interface {
	ParamsPublished(p *models.ControlParameters)
}

// Controller is the anti-inflation feedback loop. It consumes each
// EconomicSnapshot at most once per monitor cycle and publishes adjusted
// ControlParameters as new immutable versions via atomic pointer swap.
type Controller struct {
	params    ParamsStore
	snapshots SnapshotStore
	ledger    Emitter
	events    Publisher
	current   atomic.Pointer[models.ControlParameters]
	running   atomic.Bool
	logger    *slog.Logger
}

func NewController(params ParamsStore, snapshots SnapshotStore, ledger Emitter, events Publisher, logger *slog.Logger) *Controller {
	return &Controller{
		params:    params,
		snapshots: snapshots,
		ledger:    ledger,
		events:    events,
		logger:    logger,
	}
}

// Current returns the parameters readers act on. The pointer is swapped
// atomically on publish, so a reader never observes a partial update.
func (c *Controller) Current() *models.ControlParameters {
	return c.current.Load()
}

// Prime loads the latest persisted parameters into the read pointer.
// Called once at startup before any reader.
func (c *Controller) Prime(ctx context.Context) error {
	p, err := c.params.Latest(ctx)
	if err != nil {
		return fmt.Errorf("controller: load parameters: %w", err)
	}
	c.current.Store(p)
	return nil
}

// Run reacts to one monitor snapshot. Overlapping runs and replayed
// snapshot ids are no-ops, so the loop adjusts at most once per cycle.
func (c *Controller) Run(ctx context.Context, snapshotID int64) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	defer c.running.Store(false)

	prev := c.Current()
	if prev == nil {
		if err := c.Prime(ctx); err != nil {
			return err
		}
		prev = c.Current()
	}
	if prev.SnapshotID != nil && *prev.SnapshotID >= snapshotID {
		return nil
	}

	snap, err := c.snapshots.GetByID(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("controller: load snapshot %d: %w", snapshotID, err)
	}

	next, changed := adjust(prev, snap)
	if !changed {
		c.logger.Info("controller: economy in band, no adjustment", "snapshot_id", snapshotID, "alert", snap.AlertLevel)
		return nil
	}
	next.SnapshotID = &snap.ID
	next.CreatedBy = "controller"

	if err := c.params.Insert(ctx, next); err != nil {
		return fmt.Errorf("controller: publish parameters: %w", err)
	}
	c.current.Store(next)
	if c.events != nil {
		c.events.ParamsPublished(next)
	}
	c.logger.Info("controller: published parameters",
		"version", next.Version,
		"snapshot_id", snapshotID,
		"alert", snap.AlertLevel,
		"inflation", snap.InflationRate,
		"emission", next.EmissionMultiplier.String(),
		"cost", next.CostMultiplier.String(),
		"tax", next.TaxRate.String(),
	)

	if deflationary(snap) {
		if err := c.injectReserve(ctx, snap); err != nil {
			c.logger.Error("controller: reserve injection failed", "snapshot_id", snapshotID, "error", err)
		}
	}
	return nil
}

// Override publishes an operator-supplied record, versioned like an
// automatic adjustment. Values are clamped to the same bounds.
func (c *Controller) Override(ctx context.Context, p *models.ControlParameters, operator string) (*models.ControlParameters, error) {
	p.EmissionMultiplier = clamp(p.EmissionMultiplier, models.EmissionFloor, models.EmissionCeiling)
	p.TaxRate = clamp(p.TaxRate, decimal.Zero, models.TaxRateCeiling)
	p.CreatedBy = operator
	p.SnapshotID = nil
	if err := c.params.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("controller: publish override: %w", err)
	}
	c.current.Store(p)
	if c.events != nil {
		c.events.ParamsPublished(p)
	}
	return p, nil
}

// adjust applies the control policy. Out-of-band values are clamped, never
// rejected.
func adjust(prev *models.ControlParameters, snap *models.EconomicSnapshot) (*models.ControlParameters, bool) {
	next := *prev

	switch {
	case snap.AlertLevel.AtLeast(models.AlertWarning) && snap.InflationRate > 0:
		next.EmissionMultiplier = clamp(prev.EmissionMultiplier.Mul(emissionTighten), models.EmissionFloor, models.EmissionCeiling)
		next.CostMultiplier = prev.CostMultiplier.Mul(costTighten)
		next.TaxRate = clamp(prev.TaxRate.Add(taxStep), decimal.Zero, models.TaxRateCeiling)
		next.LargeTxCapEnabled = true
		next.EventBonus = decimal.Zero
		return &next, true

	case snap.AlertLevel.AtLeast(models.AlertWatch) && snap.InflationRate < 0:
		next.EmissionMultiplier = clamp(prev.EmissionMultiplier.Mul(emissionLoosen), models.EmissionFloor, models.EmissionCeiling)
		next.CostMultiplier = prev.CostMultiplier.Mul(costLoosen)
		next.EventBonus = prev.EventBonus.Add(eventBonusStep)
		next.LargeTxCapEnabled = false
		return &next, true
	}
	return prev, false
}

func deflationary(snap *models.EconomicSnapshot) bool {
	return snap.AlertLevel.AtLeast(models.AlertWatch) && snap.InflationRate < 0
}

// injectReserve emits 5% of current circulation into the reserve account,
// once per consumed snapshot (the snapshot-tagged tx id keeps it
// idempotent under retries).
func (c *Controller) injectReserve(ctx context.Context, snap *models.EconomicSnapshot) error {
	if c.ledger == nil {
		return nil
	}
	for _, cur := range models.Currencies() {
		amount := reserveFraction.Mul(decimal.NewFromInt(snap.Circulation[cur])).IntPart()
		if amount <= 0 {
			continue
		}
		txID := fmt.Sprintf("reserve-injection-%d-%s", snap.ID, cur)
		if _, err := c.ledger.Credit(ctx, txID, models.ReserveAccountID, cur, amount, models.CategoryEmission, "controller", nil); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
