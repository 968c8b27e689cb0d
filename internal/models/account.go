package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReserveAccountID receives controller-driven reserve injections and acts
// as the counterparty for tax sinks.
var ReserveAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Account statuses. Accounts are never hard-deleted; they only move
// between these states.
const (
	AccountActive       = "active"
	AccountSyncDegraded = "sync_degraded"
	AccountSuspended    = "suspended"
)

type Account struct {
	ID          uuid.UUID          `json:"id"`
	Bindings    map[string]string  `json:"bindings"` // platform -> platform-local id
	Balances    map[Currency]int64 `json:"balances"`
	DailyEarned map[Currency]int64 `json:"daily_earned"`
	Version     int64              `json:"version"`
	RiskTier    RiskTier           `json:"risk_tier"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Balance returns the account's balance for the given currency (0 if the
// currency was never touched).
func (a *Account) Balance(c Currency) int64 {
	if a.Balances == nil {
		return 0
	}
	return a.Balances[c]
}

// Earned returns how much the account has earned today in the given currency.
func (a *Account) Earned(c Currency) int64 {
	if a.DailyEarned == nil {
		return 0
	}
	return a.DailyEarned[c]
}

// EffectiveDailyCap is the currency's default cap scaled down by the
// account's risk tier. Never negative.
func (a *Account) EffectiveDailyCap(c Currency) int64 {
	scaled := a.RiskTier.CapMultiplier().Mul(decimal.NewFromInt(c.DailyCap())).IntPart()
	if scaled < 0 {
		return 0
	}
	return scaled
}
