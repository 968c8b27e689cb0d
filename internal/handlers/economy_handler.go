package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coinbridge/backend/internal/ledger"
	"github.com/coinbridge/backend/internal/middleware"
	"github.com/coinbridge/backend/internal/models"
	"github.com/coinbridge/backend/internal/sync"
)

// Ledger is the subset of the ledger service the handlers call.
type Ledger interface {
	Apply(ctx context.Context, t *models.Transaction) (*models.AppliedResult, error)
	Credit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error)
	Debit(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error)
	Transfer(ctx context.Context, txID string, from, to uuid.UUID, c models.Currency, amount int64, platform string, metadata json.RawMessage) (*models.AppliedResult, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	GetHistory(ctx context.Context, accountID uuid.UUID, since time.Time, limit int) ([]*models.Transaction, error)
}

// Syncer is the subset of the sync coordinator the handlers call.
type Syncer interface {
	SubmitDelta(ctx context.Context, req *sync.DeltaRequest) (*sync.Result, error)
	Enqueue(ctx context.Context, req *sync.DeltaRequest) error
	SyncNow(ctx context.Context, platform string, accountID uuid.UUID) error
	ImmediateSync(c models.Currency, amount int64) bool
}

// AccountDirectory resolves and creates platform bindings.
type AccountDirectory interface {
	Create(ctx context.Context, a *models.Account, platform, localID string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByBinding(ctx context.Context, platform, localID string) (*models.Account, error)
	AddBinding(ctx context.Context, accountID uuid.UUID, platform, localID string) error
}

// SyncStatus reads reconciliation state for the player view.
type SyncStatus interface {
	Get(ctx context.Context, accountID uuid.UUID, platform string) (*models.SyncRecord, error)
}

// ParamsSource serves the current control parameters to adapters.
type ParamsSource interface {
	Current() *models.ControlParameters
}

// RateSource serves the current exchange rate to adapters.
type RateSource interface {
	Current(ctx context.Context) (*models.ExchangeRate, error)
}

// EconomyHandler serves the platform-facing API. Every route behind it is
// authenticated by the platform signature middleware.
type EconomyHandler struct {
	Ledger   Ledger
	Sync     Syncer
	Accounts AccountDirectory
	Status   SyncStatus
	Params   ParamsSource
	Rates    RateSource
	Logger   *slog.Logger
}

// --- POST /api/v1/sync ---

type syncRequest struct {
	LocalUserID  string                    `json:"user_id"`
	BatchID      string                    `json:"batch_id"`
	KnownVersion int64                     `json:"known_version"`
	Deltas       map[models.Currency]int64 `json:"deltas"`
}

// SubmitSync handles POST /api/v1/sync, a platform delta submission.
// Conflicts are resolved here, not surfaced as errors: the response always
// carries the canonical state the platform must adopt.
func (h *EconomyHandler) SubmitSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.LocalUserID == "" || req.BatchID == "" || len(req.Deltas) == 0 {
		http.Error(w, `{"error":"user_id, batch_id and deltas are required"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Sync.SubmitDelta(r.Context(), &sync.DeltaRequest{
		Platform:     middleware.PlatformFromCtx(r.Context()),
		LocalUserID:  req.LocalUserID,
		BatchID:      req.BatchID,
		KnownVersion: req.KnownVersion,
		Deltas:       req.Deltas,
	})
	if err != nil {
		if errors.Is(err, sync.ErrUnknownBinding) {
			http.Error(w, `{"error":"unknown player binding"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("sync submission failed", "user_id", req.LocalUserID, "error", err)
		http.Error(w, `{"error":"sync failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EnqueueSync handles POST /api/v1/sync/batch: the delta is parked for the
// next batch cycle instead of being reconciled inline. Platforms use it for
// low-value accruals that do not need a synchronous canonical response.
func (h *EconomyHandler) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.LocalUserID == "" || len(req.Deltas) == 0 {
		http.Error(w, `{"error":"user_id and deltas are required"}`, http.StatusBadRequest)
		return
	}

	err := h.Sync.Enqueue(r.Context(), &sync.DeltaRequest{
		Platform:     middleware.PlatformFromCtx(r.Context()),
		LocalUserID:  req.LocalUserID,
		KnownVersion: req.KnownVersion,
		Deltas:       req.Deltas,
	})
	if err != nil {
		if errors.Is(err, sync.ErrUnknownBinding) {
			http.Error(w, `{"error":"unknown player binding"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("sync enqueue failed", "user_id", req.LocalUserID, "error", err)
		http.Error(w, `{"error":"enqueue failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- POST /api/v1/reward ---

type rewardRequest struct {
	TxID        string          `json:"tx_id"`
	LocalUserID string          `json:"user_id"`
	Currency    models.Currency `json:"currency"`
	Amount      int64           `json:"amount"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type appliedResponse struct {
	*models.AppliedResult
	Synced bool `json:"synced"`
}

// Reward handles POST /api/v1/reward, a platform reward event. High-value
// and scarce-currency rewards are pushed to the platform synchronously.
func (h *EconomyHandler) Reward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.TxID == "" || req.LocalUserID == "" {
		http.Error(w, `{"error":"tx_id and user_id are required"}`, http.StatusBadRequest)
		return
	}
	platform := middleware.PlatformFromCtx(r.Context())

	acc, err := h.Accounts.GetByBinding(r.Context(), platform, req.LocalUserID)
	if err != nil {
		http.Error(w, `{"error":"unknown player binding"}`, http.StatusNotFound)
		return
	}

	res, err := h.Ledger.Credit(r.Context(), req.TxID, acc.ID, req.Currency, req.Amount, models.CategoryReward, platform, req.Metadata)
	if err != nil {
		h.writeLedgerError(w, req.TxID, err)
		return
	}

	synced := false
	if h.Sync.ImmediateSync(req.Currency, req.Amount) {
		if err := h.Sync.SyncNow(r.Context(), platform, acc.ID); err != nil {
			// Local state is committed; a failed push degrades the pair
			// and the retry job recovers it.
			h.Logger.Warn("immediate sync failed after reward", "account_id", acc.ID, "platform", platform, "error", err)
		} else {
			synced = true
		}
	}
	writeJSON(w, http.StatusOK, appliedResponse{AppliedResult: res, Synced: synced})
}

// --- POST /api/v1/transfer ---

type transferRequest struct {
	TxID     string          `json:"tx_id"`
	FromID   string          `json:"from_account_id"`
	ToID     string          `json:"to_account_id"`
	Currency models.Currency `json:"currency"`
	Amount   int64           `json:"amount"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (h *EconomyHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	from, err := uuid.Parse(req.FromID)
	if err != nil {
		http.Error(w, `{"error":"invalid from_account_id"}`, http.StatusBadRequest)
		return
	}
	to, err := uuid.Parse(req.ToID)
	if err != nil {
		http.Error(w, `{"error":"invalid to_account_id"}`, http.StatusBadRequest)
		return
	}
	if req.TxID == "" {
		http.Error(w, `{"error":"tx_id is required"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Ledger.Transfer(r.Context(), req.TxID, from, to, req.Currency, req.Amount, middleware.PlatformFromCtx(r.Context()), req.Metadata)
	if err != nil {
		h.writeLedgerError(w, req.TxID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/v1/credit, POST /api/v1/debit ---

type movementRequest struct {
	TxID      string          `json:"tx_id"`
	AccountID string          `json:"account_id"`
	Currency  models.Currency `json:"currency"`
	Amount    int64           `json:"amount"`
	Category  string          `json:"category,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func (h *EconomyHandler) Credit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, models.CategoryReward, h.Ledger.Credit)
}

func (h *EconomyHandler) Debit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, models.CategoryPurchase, h.Ledger.Debit)
}

type movementFn func(ctx context.Context, txID string, accountID uuid.UUID, c models.Currency, amount int64, category, platform string, metadata json.RawMessage) (*models.AppliedResult, error)

func (h *EconomyHandler) movement(w http.ResponseWriter, r *http.Request, defaultCategory string, apply movementFn) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	if req.TxID == "" {
		http.Error(w, `{"error":"tx_id is required"}`, http.StatusBadRequest)
		return
	}
	category := req.Category
	if category == "" {
		category = defaultCategory
	}

	res, err := apply(r.Context(), req.TxID, accountID, req.Currency, req.Amount, category, middleware.PlatformFromCtx(r.Context()), req.Metadata)
	if err != nil {
		h.writeLedgerError(w, req.TxID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /api/v1/balance ---

func (h *EconomyHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.URL.Query().Get("account_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	acc, err := h.Ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": acc.ID,
		"balances":   acc.Balances,
		"version":    acc.Version,
	})
}

// --- GET /api/v1/history ---

func (h *EconomyHandler) History(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.URL.Query().Get("account_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error":"invalid since timestamp"}`, http.StatusBadRequest)
			return
		}
	}
	txs, err := h.Ledger.GetHistory(r.Context(), accountID, since, 0)
	if err != nil {
		h.Logger.Error("history lookup failed", "account_id", accountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- POST /api/v1/player, GET /api/v1/player/{user_id} ---

type createPlayerRequest struct {
	LocalUserID string `json:"user_id"`
	// AccountID links this binding to an existing canonical account
	// (cross-platform link). Empty means create a fresh account.
	AccountID string `json:"account_id,omitempty"`
}

func (h *EconomyHandler) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req createPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.LocalUserID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	platform := middleware.PlatformFromCtx(r.Context())

	if existing, err := h.Accounts.GetByBinding(r.Context(), platform, req.LocalUserID); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	// Cross-platform link: bind this platform's local id to an account
	// another platform already created.
	if req.AccountID != "" {
		id, err := uuid.Parse(req.AccountID)
		if err != nil {
			http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
			return
		}
		acc, err := h.Accounts.GetByID(r.Context(), id)
		if err != nil {
			http.Error(w, `{"error":"unknown account"}`, http.StatusNotFound)
			return
		}
		if err := h.Accounts.AddBinding(r.Context(), acc.ID, platform, req.LocalUserID); err != nil {
			h.Logger.Error("player link failed", "platform", platform, "user_id", req.LocalUserID, "error", err)
			http.Error(w, `{"error":"failed to link player"}`, http.StatusInternalServerError)
			return
		}
		if acc.Bindings == nil {
			acc.Bindings = make(map[string]string)
		}
		acc.Bindings[platform] = req.LocalUserID
		writeJSON(w, http.StatusCreated, acc)
		return
	}

	acc := &models.Account{
		ID:       uuid.New(),
		RiskTier: models.RiskLow,
		Status:   models.AccountActive,
	}
	if err := h.Accounts.Create(r.Context(), acc, platform, req.LocalUserID); err != nil {
		h.Logger.Error("player creation failed", "platform", platform, "user_id", req.LocalUserID, "error", err)
		http.Error(w, `{"error":"failed to create player"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

type playerResponse struct {
	*models.Account
	SyncState       string `json:"sync_state"`
	LastSyncOutcome string `json:"last_sync_outcome,omitempty"`
}

// Player handles GET /api/v1/player/{user_id}: canonical balances plus
// sync status for the calling platform.
func (h *EconomyHandler) Player(w http.ResponseWriter, r *http.Request) {
	localID := strings.TrimPrefix(r.URL.Path, "/api/v1/player/")
	if localID == "" || strings.Contains(localID, "/") {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	platform := middleware.PlatformFromCtx(r.Context())

	acc, err := h.Accounts.GetByBinding(r.Context(), platform, localID)
	if err != nil {
		http.Error(w, `{"error":"unknown player binding"}`, http.StatusNotFound)
		return
	}
	rec, err := h.Status.Get(r.Context(), acc.ID, platform)
	if err != nil {
		h.Logger.Error("sync status lookup failed", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, playerResponse{
		Account:         acc,
		SyncState:       rec.State,
		LastSyncOutcome: rec.LastOutcome,
	})
}

// --- GET /api/v1/params, GET /api/v1/rates ---

func (h *EconomyHandler) GetParams(w http.ResponseWriter, r *http.Request) {
	p := h.Params.Current()
	if p == nil {
		http.Error(w, `{"error":"parameters not loaded"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *EconomyHandler) GetRates(w http.ResponseWriter, r *http.Request) {
	rate, err := h.Rates.Current(r.Context())
	if err != nil {
		h.Logger.Error("rate lookup failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// --- helpers ---

// writeLedgerError maps ledger sentinels onto the API error contract.
// Validation failures and insufficient funds are synchronous rejections;
// risk withholding tells the caller the transaction is under review.
func (h *EconomyHandler) writeLedgerError(w http.ResponseWriter, txID string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAmountOverCap):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient funds"})
	case errors.Is(err, ledger.ErrDailyCapExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "daily earn cap exceeded"})
	case errors.Is(err, ledger.ErrAccountSuspended):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "account suspended"})
	case errors.Is(err, ledger.ErrRiskRejected):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "transaction withheld for review", "tx_id": txID})
	default:
		h.Logger.Error("ledger operation failed", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
