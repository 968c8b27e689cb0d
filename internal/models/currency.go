package models

// Currency is the closed set of currency tiers the economy supports.
// Each tier carries its own bounds and daily earn cap, checked at the
// boundary before any ledger mutation.
type Currency string

const (
	// CurrencyCoins is the common tier: freely emitted by rewards.
	CurrencyCoins Currency = "coins"
	// CurrencyCrystals is the scarce tier: every movement triggers
	// immediate cross-platform sync.
	CurrencyCrystals Currency = "crystals"
)

// currencyLimits holds the static per-currency bounds.
type currencyLimits struct {
	dailyCap int64
	maxPerTx int64
}

var limits = map[Currency]currencyLimits{
	CurrencyCoins:    {dailyCap: 10000, maxPerTx: 5000},
	CurrencyCrystals: {dailyCap: 50, maxPerTx: 25},
}

func (c Currency) Valid() bool {
	_, ok := limits[c]
	return ok
}

// DailyCap is the default maximum a single account may earn per day.
// Risk tiers reduce the effective cap via RiskTier.CapMultiplier.
func (c Currency) DailyCap() int64 { return limits[c].dailyCap }

// MaxPerTransaction is the hard per-transaction amount bound.
func (c Currency) MaxPerTransaction() int64 { return limits[c].maxPerTx }

// Scarce reports whether movements of this currency require immediate
// cross-platform synchronization.
func (c Currency) Scarce() bool { return c == CurrencyCrystals }

// Currencies lists every supported currency in a stable order.
func Currencies() []Currency {
	return []Currency{CurrencyCoins, CurrencyCrystals}
}
