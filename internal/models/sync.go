package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync states for a (account, platform) pair.
const (
	SyncInSync      = "in_sync"
	SyncPendingPush = "pending_push"
	SyncReconciling = "reconciling"
	SyncDegraded    = "degraded"
)

// Sync outcomes recorded after each reconciliation attempt.
const (
	OutcomeApplied       = "applied"
	OutcomeCompensated   = "compensated"
	OutcomePartialReject = "partial_reject"
	OutcomeOfflineCapped = "offline_capped"
	OutcomePushFailed    = "push_failed"
)

// SyncRecord tracks reconciliation progress between the canonical ledger
// and one remote platform for one account. LastSyncedVersion never
// decreases.
type SyncRecord struct {
	AccountID         uuid.UUID          `json:"account_id"`
	Platform          string             `json:"platform"`
	LastSyncedVersion int64              `json:"last_synced_version"`
	LastSyncedAt      time.Time          `json:"last_synced_at"`
	PendingDelta      map[Currency]int64 `json:"pending_delta,omitempty"`
	State             string             `json:"state"`
	LastOutcome       string             `json:"last_outcome"`
	RetryCount        int                `json:"retry_count"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
