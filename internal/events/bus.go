package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coinbridge/backend/internal/models"
)

// Subjects published for platform adapters and audit consumers.
const (
	SubjectTransactionApplied = "transactions.applied"
	SubjectSyncConflict       = "sync.conflict"
	SubjectParamsPublished    = "economy.params"
	SubjectEconomyAlert       = "economy.alert"
)

// TransactionEvent is the wire form of an applied transaction.
type TransactionEvent struct {
	TxID           string          `json:"tx_id"`
	Currency       models.Currency `json:"currency"`
	Amount         int64           `json:"amount"`
	Category       string          `json:"category"`
	OriginPlatform string          `json:"origin_platform"`
	AppliedAt      time.Time       `json:"applied_at"`
}

// ConflictEvent records a canonical-wins resolution for audit.
type ConflictEvent struct {
	AccountID        string `json:"account_id"`
	Platform         string `json:"platform"`
	SubmittedVersion int64  `json:"submitted_version"`
	CanonicalVersion int64  `json:"canonical_version"`
	Outcome          string `json:"outcome"`
}

// Publisher is the narrow bus interface services depend on. nats.Conn
// satisfies it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bus publishes economy events. Publishing is best-effort: a bus outage
// must never fail a ledger mutation that already committed.
type Bus struct {
	pub    Publisher
	logger *slog.Logger
}

func NewBus(pub Publisher, logger *slog.Logger) *Bus {
	return &Bus{pub: pub, logger: logger}
}

// Connect dials NATS, or returns nil when no URL is configured (the bus
// degrades to a no-op).
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return nats.Connect(url)
}

func (b *Bus) TransactionApplied(t *models.Transaction) {
	b.publish(SubjectTransactionApplied, TransactionEvent{
		TxID:           t.ID,
		Currency:       t.Currency,
		Amount:         t.Amount,
		Category:       t.Category,
		OriginPlatform: t.OriginPlatform,
		AppliedAt:      t.CreatedAt,
	})
}

func (b *Bus) SyncConflict(ev ConflictEvent) {
	b.publish(SubjectSyncConflict, ev)
}

// SnapshotAlert broadcasts a non-NORMAL monitor snapshot.
func (b *Bus) SnapshotAlert(s *models.EconomicSnapshot) {
	b.publish(SubjectEconomyAlert, s)
}

func (b *Bus) ParamsPublished(p *models.ControlParameters) {
	b.publish(SubjectParamsPublished, p)
}

func (b *Bus) publish(subject string, v any) {
	if b == nil || b.pub == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("events: failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Warn("events: publish failed", "subject", subject, "error", err)
	}
}
