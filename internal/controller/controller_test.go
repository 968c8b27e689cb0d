package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinbridge/backend/internal/models"
)

type memParams struct {
	versions []*models.ControlParameters
}

func (m *memParams) Insert(_ context.Context, p *models.ControlParameters) error {
	p.Version = int64(len(m.versions) + 1)
	m.versions = append(m.versions, p)
	return nil
}

func (m *memParams) Latest(_ context.Context) (*models.ControlParameters, error) {
	if len(m.versions) == 0 {
		return models.DefaultControlParameters(), nil
	}
	return m.versions[len(m.versions)-1], nil
}

type memSnapshots struct {
	byID map[int64]*models.EconomicSnapshot
}

func (m *memSnapshots) GetByID(_ context.Context, id int64) (*models.EconomicSnapshot, error) {
	return m.byID[id], nil
}

type creditCall struct {
	txID    string
	account uuid.UUID
	cur     models.Currency
	amount  int64
}

type recordingEmitter struct {
	calls []creditCall
}

func (r *recordingEmitter) Credit(_ context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, _, _ string, _ json.RawMessage) (*models.AppliedResult, error) {
	r.calls = append(r.calls, creditCall{txID: txID, account: accountID, cur: c, amount: amount})
	return &models.AppliedResult{TxID: txID, Status: models.TxCompleted, CreditedAmount: amount}, nil
}

func newTestController(snaps map[int64]*models.EconomicSnapshot) (*Controller, *memParams, *recordingEmitter) {
	params := &memParams{}
	emitter := &recordingEmitter{}
	c := NewController(params, &memSnapshots{byID: snaps}, emitter, nil, slog.New(slog.DiscardHandler))
	return c, params, emitter
}

func snapshot(id int64, level models.AlertLevel, inflation float64) *models.EconomicSnapshot {
	return &models.EconomicSnapshot{
		ID:            id,
		AlertLevel:    level,
		InflationRate: inflation,
		Circulation:   map[models.Currency]int64{models.CurrencyCoins: 100000, models.CurrencyCrystals: 400},
	}
}

func TestWarningInflationTightens(t *testing.T) {
	c, params, _ := newTestController(map[int64]*models.EconomicSnapshot{
		1: snapshot(1, models.AlertWarning, 8.2),
	})

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(params.versions) != 1 {
		t.Fatalf("expected one published version, got %d", len(params.versions))
	}
	p := c.Current()
	if !p.EmissionMultiplier.Equal(decimal.NewFromFloat(0.8)) {
		t.Errorf("emission = %s, want 0.8", p.EmissionMultiplier)
	}
	if !p.CostMultiplier.Equal(decimal.NewFromFloat(1.15)) {
		t.Errorf("cost = %s, want 1.15", p.CostMultiplier)
	}
	if !p.TaxRate.Equal(decimal.NewFromFloat(0.03)) {
		t.Errorf("tax = %s, want 0.03", p.TaxRate)
	}
	if !p.LargeTxCapEnabled {
		t.Error("large-tx cap should be enabled under inflation")
	}
	if p.SnapshotID == nil || *p.SnapshotID != 1 {
		t.Errorf("snapshot id = %v, want 1", p.SnapshotID)
	}
}

func TestWatchDeflationLoosensAndInjectsReserve(t *testing.T) {
	c, _, emitter := newTestController(map[int64]*models.EconomicSnapshot{
		1: snapshot(1, models.AlertWatch, -4.0),
	})

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := c.Current()
	if !p.EmissionMultiplier.Equal(decimal.NewFromFloat(1.15)) {
		t.Errorf("emission = %s, want 1.15", p.EmissionMultiplier)
	}
	if !p.CostMultiplier.Equal(decimal.NewFromFloat(0.9)) {
		t.Errorf("cost = %s, want 0.9", p.CostMultiplier)
	}
	if !p.EventBonus.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("event bonus = %s, want 0.25", p.EventBonus)
	}

	if len(emitter.calls) != 2 {
		t.Fatalf("expected injections for both currencies, got %d", len(emitter.calls))
	}
	for _, call := range emitter.calls {
		if call.account != models.ReserveAccountID {
			t.Errorf("injection went to %s, want reserve", call.account)
		}
		switch call.cur {
		case models.CurrencyCoins:
			if call.amount != 5000 {
				t.Errorf("coins injection = %d, want 5000", call.amount)
			}
		case models.CurrencyCrystals:
			if call.amount != 20 {
				t.Errorf("crystals injection = %d, want 20", call.amount)
			}
		}
	}
}

func TestNormalBandPublishesNothing(t *testing.T) {
	c, params, emitter := newTestController(map[int64]*models.EconomicSnapshot{
		1: snapshot(1, models.AlertNormal, 1.5),
	})

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(params.versions) != 0 {
		t.Errorf("expected no published versions, got %d", len(params.versions))
	}
	if len(emitter.calls) != 0 {
		t.Errorf("expected no injections, got %d", len(emitter.calls))
	}
}

func TestSnapshotConsumedOnce(t *testing.T) {
	c, params, _ := newTestController(map[int64]*models.EconomicSnapshot{
		1: snapshot(1, models.AlertWarning, 8.0),
	})

	for i := 0; i < 3; i++ {
		if err := c.Run(context.Background(), 1); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if len(params.versions) != 1 {
		t.Errorf("snapshot consumed %d times, want once", len(params.versions))
	}
}

func TestRepeatedTighteningStaysInBounds(t *testing.T) {
	snaps := make(map[int64]*models.EconomicSnapshot)
	for id := int64(1); id <= 20; id++ {
		snaps[id] = snapshot(id, models.AlertWarning, 9.0)
	}
	c, _, _ := newTestController(snaps)

	for id := int64(1); id <= 20; id++ {
		if err := c.Run(context.Background(), id); err != nil {
			t.Fatalf("Run %d: %v", id, err)
		}
	}
	p := c.Current()
	if p.EmissionMultiplier.LessThan(models.EmissionFloor) {
		t.Errorf("emission %s fell below floor %s", p.EmissionMultiplier, models.EmissionFloor)
	}
	if p.TaxRate.GreaterThan(models.TaxRateCeiling) {
		t.Errorf("tax %s exceeded ceiling %s", p.TaxRate, models.TaxRateCeiling)
	}
}

func TestRepeatedLooseningStaysInBounds(t *testing.T) {
	snaps := make(map[int64]*models.EconomicSnapshot)
	for id := int64(1); id <= 20; id++ {
		snaps[id] = snapshot(id, models.AlertWatch, -6.0)
	}
	c, _, _ := newTestController(snaps)

	for id := int64(1); id <= 20; id++ {
		if err := c.Run(context.Background(), id); err != nil {
			t.Fatalf("Run %d: %v", id, err)
		}
	}
	if p := c.Current(); p.EmissionMultiplier.GreaterThan(models.EmissionCeiling) {
		t.Errorf("emission %s exceeded ceiling %s", p.EmissionMultiplier, models.EmissionCeiling)
	}
}

func TestOverrideClampsAndVersions(t *testing.T) {
	c, params, _ := newTestController(nil)

	p, err := c.Override(context.Background(), &models.ControlParameters{
		EmissionMultiplier: decimal.NewFromInt(5),
		CostMultiplier:     decimal.NewFromInt(1),
		TaxRate:            decimal.NewFromFloat(0.5),
		MaxPerTransaction:  5000,
	}, "op-1")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if !p.EmissionMultiplier.Equal(models.EmissionCeiling) {
		t.Errorf("emission = %s, want clamped to %s", p.EmissionMultiplier, models.EmissionCeiling)
	}
	if !p.TaxRate.Equal(models.TaxRateCeiling) {
		t.Errorf("tax = %s, want clamped to %s", p.TaxRate, models.TaxRateCeiling)
	}
	if p.CreatedBy != "op-1" {
		t.Errorf("created by = %q, want op-1", p.CreatedBy)
	}
	if len(params.versions) != 1 {
		t.Errorf("expected one version, got %d", len(params.versions))
	}
}
