package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbridge/backend/internal/models"
)

// maxStepFraction bounds how far a single recompute may move the rate
// relative to the previous published version (±5% per adjustment window).
var maxStepFraction = decimal.NewFromFloat(0.05)

// RateStore persists versioned rates. Published rows are immutable.
type RateStore interface {
	Insert(ctx context.Context, rate *models.ExchangeRate) error
	Latest(ctx context.Context, base, quote models.Currency) (*models.ExchangeRate, error)
}

// SupplyStats supplies the observed circulation and trade volume the
// candidate rate is derived from.
type SupplyStats interface {
	Circulation(ctx context.Context, c models.Currency) (int64, error)
	WindowVolume(ctx context.Context, from, to time.Time) (int64, error)
}

// Manager maintains the crystals→coins conversion rate. A recompute never
// mutates a published rate: it inserts a new version and swaps the cached
// pointer, so readers always see a fully-formed record.
type Manager struct {
	rates   RateStore
	stats   SupplyStats
	window  time.Duration
	current atomic.Pointer[models.ExchangeRate]
	logger  *slog.Logger
}

func NewManager(rates RateStore, stats SupplyStats, window time.Duration, logger *slog.Logger) *Manager {
	return &Manager{rates: rates, stats: stats, window: window, logger: logger}
}

// Current returns the latest published rate, loading it on first use.
func (m *Manager) Current(ctx context.Context) (*models.ExchangeRate, error) {
	if r := m.current.Load(); r != nil {
		return r, nil
	}
	r, err := m.rates.Latest(ctx, models.CurrencyCrystals, models.CurrencyCoins)
	if err != nil {
		return nil, err
	}
	m.current.Store(r)
	return r, nil
}

// Recompute derives a candidate rate from supply ratios and trade volume,
// clamps it to the allowed step, and publishes a new version.
func (m *Manager) Recompute(ctx context.Context) (*models.ExchangeRate, error) {
	prev, err := m.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: load current rate: %w", err)
	}

	coins, err := m.stats.Circulation(ctx, models.CurrencyCoins)
	if err != nil {
		return nil, fmt.Errorf("exchange: coins circulation: %w", err)
	}
	crystals, err := m.stats.Circulation(ctx, models.CurrencyCrystals)
	if err != nil {
		return nil, fmt.Errorf("exchange: crystals circulation: %w", err)
	}
	now := time.Now()
	volume, err := m.stats.WindowVolume(ctx, now.Add(-m.window), now)
	if err != nil {
		return nil, fmt.Errorf("exchange: window volume: %w", err)
	}

	candidate := candidateRate(prev.Rate, coins, crystals, volume)
	next := clampStep(prev.Rate, candidate)

	rate := &models.ExchangeRate{
		Base:  models.CurrencyCrystals,
		Quote: models.CurrencyCoins,
		Rate:  next,
	}
	if err := m.rates.Insert(ctx, rate); err != nil {
		return nil, fmt.Errorf("exchange: publish rate: %w", err)
	}
	m.current.Store(rate)
	m.logger.Info("exchange: published rate",
		"version", rate.Version,
		"rate", rate.Rate.String(),
		"candidate", candidate.String(),
	)
	return rate, nil
}

// candidateRate targets the supply ratio between the two tiers: when coins
// outgrow crystals the scarce tier buys more coins, and vice versa. Trade
// volume dampens the correction: a thin window moves the rate less.
func candidateRate(prev decimal.Decimal, coins, crystals, volume int64) decimal.Decimal {
	if crystals <= 0 || coins <= 0 {
		return prev
	}
	supply := decimal.NewFromInt(coins).Div(decimal.NewFromInt(crystals))
	// Blend: 80% previous rate, 20% raw supply ratio.
	blend := prev.Mul(decimal.NewFromFloat(0.8)).Add(supply.Mul(decimal.NewFromFloat(0.2)))
	if volume == 0 {
		// No observed trades: only drift halfway toward the blend.
		blend = prev.Add(blend.Sub(prev).Div(decimal.NewFromInt(2)))
	}
	return blend
}

// clampStep bounds the move to ±maxStepFraction of the previous rate.
func clampStep(prev, candidate decimal.Decimal) decimal.Decimal {
	step := prev.Mul(maxStepFraction)
	lo, hi := prev.Sub(step), prev.Add(step)
	if candidate.LessThan(lo) {
		return lo
	}
	if candidate.GreaterThan(hi) {
		return hi
	}
	return candidate
}
