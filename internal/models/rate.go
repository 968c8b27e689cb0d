package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is a versioned, immutable conversion rate from the scarce
// tier to the common tier (1 crystal = Rate coins). Reads always go
// against the latest published version.
type ExchangeRate struct {
	Version     int64           `json:"version"`
	Base        Currency        `json:"base"`
	Quote       Currency        `json:"quote"`
	Rate        decimal.Decimal `json:"rate"`
	EffectiveAt time.Time       `json:"effective_at"`
}

// DefaultExchangeRate seeds the crystals→coins pair before the first
// recompute cycle.
func DefaultExchangeRate() *ExchangeRate {
	return &ExchangeRate{
		Version: 0,
		Base:    CurrencyCrystals,
		Quote:   CurrencyCoins,
		Rate:    decimal.NewFromInt(100),
	}
}
