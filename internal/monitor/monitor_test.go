package monitor

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/coinbridge/backend/internal/models"
)

type memSupply struct {
	circulation map[models.Currency]int64
	volume      int64
}

func (m *memSupply) Circulation(_ context.Context, c models.Currency) (int64, error) {
	return m.circulation[c], nil
}

func (m *memSupply) WindowVolume(_ context.Context, _, _ time.Time) (int64, error) {
	return m.volume, nil
}

type memAccounts struct {
	balances []int64
	active   int
}

func (m *memAccounts) ListBalances(_ context.Context, _ models.Currency) ([]int64, error) {
	return m.balances, nil
}

func (m *memAccounts) CountActive(_ context.Context, _ time.Time) (int, error) {
	return m.active, nil
}

type memSnapshots struct {
	stored []*models.EconomicSnapshot
}

func (m *memSnapshots) Insert(_ context.Context, s *models.EconomicSnapshot) error {
	s.ID = int64(len(m.stored) + 1)
	m.stored = append(m.stored, s)
	return nil
}

func (m *memSnapshots) Latest(_ context.Context) (*models.EconomicSnapshot, error) {
	if len(m.stored) == 0 {
		return nil, nil
	}
	return m.stored[len(m.stored)-1], nil
}

type recordingAlerter struct {
	alerts []*models.EconomicSnapshot
}

func (r *recordingAlerter) SnapshotAlert(s *models.EconomicSnapshot) {
	r.alerts = append(r.alerts, s)
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestFirstSnapshotHasNoInflation(t *testing.T) {
	supply := &memSupply{circulation: map[models.Currency]int64{models.CurrencyCoins: 10000}, volume: 500}
	m := NewMonitor(supply, &memAccounts{balances: []int64{100, 100}}, &memSnapshots{}, nil, testLogger())

	snap, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.InflationRate != 0 {
		t.Errorf("inflation = %v, want 0 on first snapshot", snap.InflationRate)
	}
	if snap.AlertLevel != models.AlertNormal {
		t.Errorf("alert = %s, want normal", snap.AlertLevel)
	}
}

func TestInflationAgainstPreviousSnapshot(t *testing.T) {
	supply := &memSupply{circulation: map[models.Currency]int64{models.CurrencyCoins: 10000}, volume: 500}
	snaps := &memSnapshots{}
	alerter := &recordingAlerter{}
	m := NewMonitor(supply, &memAccounts{}, snaps, alerter, testLogger())

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// 6% growth lands in the warning band (5, 8].
	supply.circulation[models.CurrencyCoins] = 10600
	snap, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if math.Abs(snap.InflationRate-6.0) > 1e-9 {
		t.Errorf("inflation = %v, want 6.0", snap.InflationRate)
	}
	if snap.AlertLevel != models.AlertWarning {
		t.Errorf("alert = %s, want warning", snap.AlertLevel)
	}
	if len(alerter.alerts) != 1 {
		t.Errorf("alerter called %d times, want 1", len(alerter.alerts))
	}
}

func TestVelocityUsesAverageCirculation(t *testing.T) {
	supply := &memSupply{circulation: map[models.Currency]int64{models.CurrencyCoins: 10000}, volume: 0}
	snaps := &memSnapshots{}
	m := NewMonitor(supply, &memAccounts{}, snaps, nil, testLogger())

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	supply.circulation[models.CurrencyCoins] = 10200
	supply.volume = 5050
	snap, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	// 5050 volume over the (10000+10200)/2 average.
	if math.Abs(snap.Velocity-0.5) > 1e-9 {
		t.Errorf("velocity = %v, want 0.5", snap.Velocity)
	}
}

func TestAlertClassification(t *testing.T) {
	cases := []struct {
		inflation float64
		want      models.AlertLevel
	}{
		{0, models.AlertNormal},
		{3.0, models.AlertNormal},
		{-1.0, models.AlertNormal},
		{4.0, models.AlertWatch},
		{-2.0, models.AlertWatch},
		{6.0, models.AlertWarning},
		{-4.0, models.AlertWarning},
		{9.0, models.AlertCritical},
		{-7.0, models.AlertCritical},
	}
	for _, tc := range cases {
		if got := classify(tc.inflation); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.inflation, got, tc.want)
		}
	}
}

func TestGini(t *testing.T) {
	cases := []struct {
		name     string
		balances []int64
		want     float64
	}{
		{"even", []int64{100, 100, 100, 100}, 0},
		{"empty", nil, 0},
		{"single holder", []int64{0, 0, 0, 1000}, 0.75},
	}
	for _, tc := range cases {
		if got := gini(tc.balances); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: gini = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConcurrentRunSkipped(t *testing.T) {
	supply := &memSupply{circulation: map[models.Currency]int64{models.CurrencyCoins: 10000}}
	m := NewMonitor(supply, &memAccounts{}, &memSnapshots{}, nil, testLogger())

	m.running.Store(true)
	snap, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap != nil {
		t.Error("expected overlapping run to be skipped")
	}
}
