package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/coinbridge/backend/internal/models"
)

// Alert thresholds in inflation percentage points per cycle. The target
// band is [-1, +3].
const (
	inflationTargetLow  = -1.0
	inflationTargetHigh = 3.0
	inflationWatchHigh  = 5.0
	inflationWatchLow   = -3.0
	inflationWarnHigh   = 8.0
	inflationWarnLow    = -5.0

	activeWindow = 7 * 24 * time.Hour
)

// SupplyStats aggregates over the transaction log.
type SupplyStats interface {
	Circulation(ctx context.Context, c models.Currency) (int64, error)
	WindowVolume(ctx context.Context, from, to time.Time) (int64, error)
}

// AccountStats aggregates over account state.
type AccountStats interface {
	ListBalances(ctx context.Context, c models.Currency) ([]int64, error)
	CountActive(ctx context.Context, since time.Time) (int, error)
}

// SnapshotStore persists monitor output.
type SnapshotStore interface {
	Insert(ctx context.Context, s *models.EconomicSnapshot) error
	Latest(ctx context.Context) (*models.EconomicSnapshot, error)
}

// Alerter is told when a snapshot leaves the normal band.
type Alerter interface {
	SnapshotAlert(s *models.EconomicSnapshot)
}

// Monitor computes periodic economic snapshots: circulation, inflation
// against the previous snapshot, velocity, and a Gini coefficient over
// player balances. Snapshots are append-only.
type Monitor struct {
	supply    SupplyStats
	accounts  AccountStats
	snapshots SnapshotStore
	alerter   Alerter
	running   atomic.Bool
	logger    *slog.Logger
}

func NewMonitor(supply SupplyStats, accounts AccountStats, snapshots SnapshotStore, alerter Alerter, logger *slog.Logger) *Monitor {
	return &Monitor{
		supply:    supply,
		accounts:  accounts,
		snapshots: snapshots,
		alerter:   alerter,
		logger:    logger,
	}
}

// Run computes and stores one snapshot. A cycle that finds another cycle
// in flight returns without doing anything.
func (m *Monitor) Run(ctx context.Context) (*models.EconomicSnapshot, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer m.running.Store(false)

	now := time.Now().UTC()
	prev, err := m.snapshots.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: load previous snapshot: %w", err)
	}

	snap := &models.EconomicSnapshot{
		TakenAt:     now,
		Circulation: make(map[models.Currency]int64, 2),
	}
	for _, c := range models.Currencies() {
		total, err := m.supply.Circulation(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("monitor: circulation %s: %w", c, err)
		}
		snap.Circulation[c] = total
	}

	windowStart := now.Add(-time.Hour)
	if prev != nil {
		windowStart = prev.TakenAt
	}
	snap.WindowVolume, err = m.supply.WindowVolume(ctx, windowStart, now)
	if err != nil {
		return nil, fmt.Errorf("monitor: window volume: %w", err)
	}

	snap.ActiveAccounts, err = m.accounts.CountActive(ctx, now.Add(-activeWindow))
	if err != nil {
		return nil, fmt.Errorf("monitor: active accounts: %w", err)
	}

	balances, err := m.accounts.ListBalances(ctx, models.CurrencyCoins)
	if err != nil {
		return nil, fmt.Errorf("monitor: list balances: %w", err)
	}

	snap.InflationRate = inflationRate(prev, snap)
	snap.Velocity = velocity(prev, snap)
	snap.Gini = gini(balances)
	snap.AlertLevel = classify(snap.InflationRate)

	if err := m.snapshots.Insert(ctx, snap); err != nil {
		return nil, fmt.Errorf("monitor: store snapshot: %w", err)
	}

	m.logger.Info("monitor: snapshot taken",
		"snapshot_id", snap.ID,
		"coins", snap.Circulation[models.CurrencyCoins],
		"crystals", snap.Circulation[models.CurrencyCrystals],
		"inflation", snap.InflationRate,
		"velocity", snap.Velocity,
		"gini", snap.Gini,
		"alert", snap.AlertLevel,
	)
	if snap.AlertLevel != models.AlertNormal && m.alerter != nil {
		m.alerter.SnapshotAlert(snap)
	}
	return snap, nil
}

// inflationRate is the percent change in coin circulation since the
// previous snapshot. The first snapshot has nothing to compare against.
func inflationRate(prev, cur *models.EconomicSnapshot) float64 {
	if prev == nil {
		return 0
	}
	before := prev.Circulation[models.CurrencyCoins]
	if before == 0 {
		return 0
	}
	after := cur.Circulation[models.CurrencyCoins]
	return float64(after-before) / float64(before) * 100
}

// velocity is window volume over the average circulation across the two
// snapshots bounding the window.
func velocity(prev, cur *models.EconomicSnapshot) float64 {
	avg := float64(cur.Circulation[models.CurrencyCoins])
	if prev != nil {
		avg = (avg + float64(prev.Circulation[models.CurrencyCoins])) / 2
	}
	if avg == 0 {
		return 0
	}
	return float64(cur.WindowVolume) / avg
}

// gini computes the Gini coefficient over non-reserve balances, 0 for a
// perfectly even distribution and approaching 1 for total concentration.
func gini(balances []int64) float64 {
	if len(balances) < 2 {
		return 0
	}
	sorted := make([]int64, len(balances))
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total, weighted float64
	for i, b := range sorted {
		total += float64(b)
		weighted += float64(i+1) * float64(b)
	}
	if total == 0 {
		return 0
	}
	n := float64(len(sorted))
	g := (2*weighted)/(n*total) - (n+1)/n
	return math.Max(0, g)
}

func classify(inflation float64) models.AlertLevel {
	switch {
	case inflation >= inflationTargetLow && inflation <= inflationTargetHigh:
		return models.AlertNormal
	case inflation > inflationTargetHigh && inflation <= inflationWatchHigh,
		inflation < inflationTargetLow && inflation >= inflationWatchLow:
		return models.AlertWatch
	case inflation > inflationWatchHigh && inflation <= inflationWarnHigh,
		inflation < inflationWatchLow && inflation >= inflationWarnLow:
		return models.AlertWarning
	default:
		return models.AlertCritical
	}
}
