package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinbridge/backend/internal/middleware"
	"github.com/coinbridge/backend/internal/models"
)

// ParamsPublisher applies operator overrides as new parameter versions.
type ParamsPublisher interface {
	Override(ctx context.Context, p *models.ControlParameters, operator string) (*models.ControlParameters, error)
}

// ReviewQueue lists transactions withheld for manual review.
type ReviewQueue interface {
	PendingReview(ctx context.Context, limit int) ([]*models.Transaction, error)
}

// SupplyAudit reads the aggregates behind the conservation check:
// circulation must equal emissions minus sinks per currency.
type SupplyAudit interface {
	Circulation(ctx context.Context, c models.Currency) (int64, error)
	TotalEmitted(ctx context.Context, c models.Currency) (int64, error)
	TotalSunk(ctx context.Context, c models.Currency) (int64, error)
}

// AdminHandler serves the operator surface behind JWT auth.
type AdminHandler struct {
	Controller ParamsPublisher
	Review     ReviewQueue
	Audit      SupplyAudit
	Logger     *slog.Logger
}

// --- POST /api/v1/admin/adjust ---

type adjustRequest struct {
	EmissionMultiplier decimal.Decimal `json:"emission_multiplier"`
	CostMultiplier     decimal.Decimal `json:"cost_multiplier"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	MaxPerTransaction  int64           `json:"max_per_transaction"`
	LargeTxCapEnabled  bool            `json:"large_tx_cap_enabled"`
	EventBonus         decimal.Decimal `json:"event_bonus"`
}

// Adjust handles POST /api/v1/admin/adjust, an operator override. The
// record is versioned and clamped exactly like an automatic adjustment.
func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	operatorID := middleware.OperatorFromCtx(r.Context())
	if operatorID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.EmissionMultiplier.IsZero() || req.CostMultiplier.IsZero() || req.MaxPerTransaction <= 0 {
		http.Error(w, `{"error":"emission_multiplier, cost_multiplier and max_per_transaction are required"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Controller.Override(r.Context(), &models.ControlParameters{
		EmissionMultiplier: req.EmissionMultiplier,
		CostMultiplier:     req.CostMultiplier,
		TaxRate:            req.TaxRate,
		MaxPerTransaction:  req.MaxPerTransaction,
		LargeTxCapEnabled:  req.LargeTxCapEnabled,
		EventBonus:         req.EventBonus,
	}, operatorID.String())
	if err != nil {
		h.Logger.Error("parameter override failed", "operator_id", operatorID, "error", err)
		http.Error(w, `{"error":"failed to publish parameters"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- GET /api/v1/admin/review-queue ---

func (h *AdminHandler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Review.PendingReview(r.Context(), 100)
	if err != nil {
		h.Logger.Error("review queue lookup failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// --- GET /api/v1/admin/economy ---

type supplyFigures struct {
	Circulation  int64 `json:"circulation"`
	TotalEmitted int64 `json:"total_emitted"`
	TotalSunk    int64 `json:"total_sunk"`
	Net          int64 `json:"net"`
}

// Economy handles GET /api/v1/admin/economy: per-currency supply figures
// for the conservation audit. A circulation that drifts from net emission
// means a write path bypassed the ledger.
func (h *AdminHandler) Economy(w http.ResponseWriter, r *http.Request) {
	out := make(map[models.Currency]supplyFigures, 2)
	for _, c := range models.Currencies() {
		circ, err := h.Audit.Circulation(r.Context(), c)
		if err != nil {
			h.Logger.Error("supply audit failed", "currency", c, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		emitted, err := h.Audit.TotalEmitted(r.Context(), c)
		if err != nil {
			h.Logger.Error("supply audit failed", "currency", c, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		sunk, err := h.Audit.TotalSunk(r.Context(), c)
		if err != nil {
			h.Logger.Error("supply audit failed", "currency", c, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		out[c] = supplyFigures{
			Circulation:  circ,
			TotalEmitted: emitted,
			TotalSunk:    sunk,
			Net:          emitted - sunk,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
