package models

import "time"

// AlertLevel classifies how far the economy is from the target band.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWatch    AlertLevel = "watch"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

var alertRank = map[AlertLevel]int{
	AlertNormal:   0,
	AlertWatch:    1,
	AlertWarning:  2,
	AlertCritical: 3,
}

// AtLeast reports whether l is at least as severe as other.
func (l AlertLevel) AtLeast(other AlertLevel) bool {
	return alertRank[l] >= alertRank[other]
}

// EconomicSnapshot is an immutable record of aggregate economic indicators
// computed by the monitor. Later snapshots supersede it; it is never
// mutated in place.
type EconomicSnapshot struct {
	ID             int64              `json:"id"`
	TakenAt        time.Time          `json:"taken_at"`
	Circulation    map[Currency]int64 `json:"circulation"`
	ActiveAccounts int                `json:"active_accounts"`
	WindowVolume   int64              `json:"window_volume"`
	InflationRate  float64            `json:"inflation_rate"` // percent vs previous snapshot
	Velocity       float64            `json:"velocity"`
	Gini           float64            `json:"gini"`
	AlertLevel     AlertLevel         `json:"alert_level"`
}
