package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bounds the controller clamps to instead of failing.
var (
	EmissionFloor   = decimal.NewFromFloat(0.5)
	EmissionCeiling = decimal.NewFromFloat(2.0)
	TaxRateCeiling  = decimal.NewFromFloat(0.10)
)

// ControlParameters is a versioned, immutable configuration record read by
// platform adapters before computing rewards and costs. Written only via
// atomic swap: readers always see a fully-formed record.
type ControlParameters struct {
	Version            int64           `json:"version"`
	EmissionMultiplier decimal.Decimal `json:"emission_multiplier"`
	CostMultiplier     decimal.Decimal `json:"cost_multiplier"`
	TaxRate            decimal.Decimal `json:"tax_rate"` // fraction of transfer amount
	MaxPerTransaction  int64           `json:"max_per_transaction"`
	LargeTxCapEnabled  bool            `json:"large_tx_cap_enabled"`
	EventBonus         decimal.Decimal `json:"event_bonus"` // additive reward bonus fraction
	SnapshotID         *int64          `json:"snapshot_id,omitempty"`
	CreatedBy          string          `json:"created_by"` // "controller" or operator id
	CreatedAt          time.Time       `json:"created_at"`
}

// DefaultControlParameters is the version-0 record used until the first
// controller cycle publishes.
func DefaultControlParameters() *ControlParameters {
	return &ControlParameters{
		Version:            0,
		EmissionMultiplier: decimal.NewFromInt(1),
		CostMultiplier:     decimal.NewFromInt(1),
		TaxRate:            decimal.NewFromFloat(0.02),
		MaxPerTransaction:  5000,
		EventBonus:         decimal.Zero,
		CreatedBy:          "bootstrap",
	}
}
