// Package api provides the HTTP handlers for reading and mutating account
// positions, settling accounts and seeding liquidity pools.
//
// All monetary values use shopspring/decimal. Positions are addressed by
// ticker (FC-{currency}-{YYYYMMDD}-{D|L<n>}) or by explicit numeric fields.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/assetkey"
	"github.com/atmx/position-ledger/internal/ledger"
	"github.com/atmx/position-ledger/internal/market"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/rates"
)

// Handler serves the ledger API.
type Handler struct {
	svc *ledger.Service
}

// NewHandler creates a Handler over svc.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the ledger endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/", h.GetDescriptor)
		r.Get("/positions", h.GetPositions)
		r.Post("/positions", h.AddPositions)
		r.Post("/bitmap", h.EnableBitmap)
		r.Post("/settle", h.Settle)
		r.Get("/ledger", h.GetLedger)
	})
	r.Post("/markets", h.AddLiquidity)
}

// --- Request/Response types ---

// PositionRequest is one position delta. Ticker takes precedence over the
// numeric fields when set.
type PositionRequest struct {
	Ticker     string          `json:"ticker,omitempty"` // FC-{currency}-{YYYYMMDD}-{D|L<n>}
	CurrencyID uint16          `json:"currency_id,omitempty"`
	Maturity   int64           `json:"maturity,omitempty"`
	Kind       model.Kind      `json:"kind,omitempty"`
	Notional   decimal.Decimal `json:"notional"`
}

// AddPositionsRequest is the JSON body for POST /accounts/{account}/positions.
type AddPositionsRequest struct {
	BlockTime int64             `json:"block_time"`
	Positions []PositionRequest `json:"positions"`
}

// EnableBitmapRequest is the JSON body for POST /accounts/{account}/bitmap.
// CurrencyID 0 returns the account to array mode.
type EnableBitmapRequest struct {
	CurrencyID uint16 `json:"currency_id"`
	BlockTime  int64  `json:"block_time"`
}

// SettleRequest is the JSON body for POST /accounts/{account}/settle.
type SettleRequest struct {
	BlockTime int64 `json:"block_time"`
}

// AddLiquidityRequest is the JSON body for POST /markets.
type AddLiquidityRequest struct {
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	Cash       decimal.Decimal `json:"cash"`
	Dated      decimal.Decimal `json:"dated"`
	Tokens     decimal.Decimal `json:"tokens"`
}

// PositionView is a position as returned by the API.
type PositionView struct {
	Ticker     string          `json:"ticker,omitempty"`
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	Kind       model.Kind      `json:"kind"`
	Notional   decimal.Decimal `json:"notional"`
}

// PositionsResponse is the JSON body returned from GET /accounts/{account}/positions.
type PositionsResponse struct {
	Account        string         `json:"account"`
	BitmapCurrency uint16         `json:"bitmap_currency,omitempty"`
	Positions      []PositionView `json:"positions"`
}

func (p PositionRequest) delta() (ledger.PositionDelta, error) {
	if p.Ticker == "" {
		return ledger.PositionDelta{
			CurrencyID: p.CurrencyID,
			Maturity:   p.Maturity,
			Kind:       p.Kind,
			Notional:   p.Notional,
		}, nil
	}
	k, err := assetkey.ParseTicker(p.Ticker)
	if err != nil {
		return ledger.PositionDelta{}, err
	}
	return ledger.PositionDelta{
		CurrencyID: k.CurrencyID,
		Maturity:   k.Maturity,
		Kind:       k.Kind,
		Notional:   p.Notional,
	}, nil
}

func view(p model.Position) PositionView {
	ticker, _ := assetkey.Of(p).Ticker()
	return PositionView{
		Ticker:     ticker,
		CurrencyID: p.CurrencyID,
		Maturity:   p.Maturity,
		Kind:       p.Kind,
		Notional:   p.Notional,
	}
}

// --- HTTP Handlers ---

// GetDescriptor handles GET /api/v1/accounts/{account}
func (h *Handler) GetDescriptor(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Descriptor(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetPositions handles GET /api/v1/accounts/{account}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	ap, err := h.svc.Positions(r.Context(), account)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := PositionsResponse{
		Account:        account,
		BitmapCurrency: ap.Descriptor.BitmapCurrency,
		Positions:      make([]PositionView, 0, len(ap.Positions)+len(ap.Bitmap)),
	}
	for _, p := range ap.Positions {
		resp.Positions = append(resp.Positions, view(p))
	}
	for _, p := range ap.Bitmap {
		resp.Positions = append(resp.Positions, view(model.Position{
			CurrencyID: ap.Descriptor.BitmapCurrency,
			Maturity:   p.Maturity,
			Kind:       model.KindDated,
			Notional:   p.Notional,
		}))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddPositions handles POST /api/v1/accounts/{account}/positions
func (h *Handler) AddPositions(w http.ResponseWriter, r *http.Request) {
	var req AddPositionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, "positions must not be empty", http.StatusBadRequest)
		return
	}

	deltas := make([]ledger.PositionDelta, 0, len(req.Positions))
	for _, p := range req.Positions {
		delta, err := p.delta()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		deltas = append(deltas, delta)
	}

	d, err := h.svc.AddPositions(r.Context(), chi.URLParam(r, "account"), req.BlockTime, deltas)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// EnableBitmap handles POST /api/v1/accounts/{account}/bitmap
func (h *Handler) EnableBitmap(w http.ResponseWriter, r *http.Request) {
	var req EnableBitmapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d, err := h.svc.EnableBitmap(r.Context(), chi.URLParam(r, "account"), req.CurrencyID, req.BlockTime)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Settle handles POST /api/v1/accounts/{account}/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Settle(r.Context(), chi.URLParam(r, "account"), req.BlockTime)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetLedger handles GET /api/v1/accounts/{account}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.LedgerEntries(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// AddLiquidity handles POST /api/v1/markets
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Maturity <= 0 {
		writeError(w, "maturity must be positive", http.StatusBadRequest)
		return
	}

	pool, err := h.svc.AddLiquidity(r.Context(), req.CurrencyID, req.Maturity, req.Cash, req.Dated, req.Tokens)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrStructuralViolation), errors.Is(err, model.ErrSettlementRequired):
		return http.StatusConflict
	case errors.Is(err, model.ErrEncodingViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidPosition),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, assetkey.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrPoolNotFound),
		errors.Is(err, rates.ErrUnknownCurrency),
		errors.Is(err, rates.ErrInvalidRate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("ledger operation failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
