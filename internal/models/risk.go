package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskTier classifies how likely an account or transaction is fraudulent.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

var riskRank = map[RiskTier]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether t is the same tier as other or worse.
func (t RiskTier) AtLeast(other RiskTier) bool {
	return riskRank[t] >= riskRank[other]
}

// Max returns the worse of the two tiers.
func (t RiskTier) Max(other RiskTier) RiskTier {
	if riskRank[other] > riskRank[t] {
		return other
	}
	return t
}

// CapMultiplier scales the default daily earn cap for accounts in this
// tier. HIGH and CRITICAL tiers keep the reduced cap until the next daily
// reset.
func (t RiskTier) CapMultiplier() decimal.Decimal {
	switch t {
	case RiskHigh:
		return decimal.NewFromFloat(0.5)
	case RiskCritical:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.NewFromInt(1)
	}
}

// RequiresReview reports whether transactions scored at this tier must be
// held for manual review.
func (t RiskTier) RequiresReview() bool {
	return t.AtLeast(RiskHigh)
}

// RiskFlag records a scoring outcome against an account.
type RiskFlag struct {
	ID        int64     `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Tier      RiskTier  `json:"tier"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
