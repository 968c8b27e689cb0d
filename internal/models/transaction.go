package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction categories.
const (
	CategoryTransfer       = "transfer"
	CategoryReward         = "reward"
	CategoryPurchase       = "purchase"
	CategoryTax            = "tax"
	CategorySyncAdjustment = "sync_adjustment"
	CategoryCompensation   = "compensation"
	CategoryEmission       = "emission"
	CategorySink           = "sink"
)

// Transaction statuses.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxRejected  = "rejected"
)

// Transaction is an immutable ledger entry. The ID is caller-supplied and
// used for idempotence: the same ID is applied at most once.
type Transaction struct {
	ID             string          `json:"id"`
	SourceID       *uuid.UUID      `json:"source_id,omitempty"`      // nil for emission
	DestinationID  *uuid.UUID      `json:"destination_id,omitempty"` // nil for sink
	Currency       Currency        `json:"currency"`
	Amount         int64           `json:"amount"`
	Category       string          `json:"category"`
	OriginPlatform string          `json:"origin_platform"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// earnCategories count toward the destination account's daily-earned
// limit for the currency.
var earnCategories = map[string]bool{
	CategoryReward:         true,
	CategorySyncAdjustment: true,
	CategoryCompensation:   true,
}

// CountsTowardDailyCap reports whether the credited amount is subject to
// the destination account's daily earn cap.
func (t *Transaction) CountsTowardDailyCap() bool {
	return t.DestinationID != nil && earnCategories[t.Category]
}

// AppliedResult is the recorded outcome of applying a transaction. Replays
// of the same transaction ID return the original result unchanged.
type AppliedResult struct {
	TxID               string `json:"tx_id"`
	Status             string `json:"status"`
	SourceBalanceAfter *int64 `json:"source_balance_after,omitempty"`
	DestBalanceAfter   *int64 `json:"dest_balance_after,omitempty"`
	CreditedAmount     int64  `json:"credited_amount"`
	Replayed           bool   `json:"replayed"`
}
