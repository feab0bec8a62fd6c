package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-ledger/internal/api"
	"github.com/atmx/position-ledger/internal/descriptor"
	"github.com/atmx/position-ledger/internal/ledger"
	"github.com/atmx/position-ledger/internal/model"
	"github.com/atmx/position-ledger/internal/rates"
	"github.com/atmx/position-ledger/internal/store"
)

// 2030-01-01T00:00:00Z
const maturity2030 = int64(1893456000)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a handler over an in-memory store behind a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, rates.StaticSource{1: d(0.9)}, 0, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(svc).Routes)
	return ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func addByTicker(t *testing.T, router chi.Router, account, ticker string, notional float64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/accounts/"+account+"/positions", api.AddPositionsRequest{
		BlockTime: 0,
		Positions: []api.PositionRequest{{Ticker: ticker, Notional: d(notional)}},
	})
}

func TestAddPositions_ByTicker(t *testing.T) {
	_, router := newTestEnv(t)

	w := addByTicker(t, router, "alice", "FC-1-20300101-D", 100)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var desc descriptor.Descriptor
	json.NewDecoder(w.Body).Decode(&desc)
	if desc.PositionCount != 1 || desc.ReferenceTime != maturity2030 {
		t.Errorf("unexpected descriptor %+v", desc)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.PositionsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Positions) != 1 {
		t.Fatalf("expected 1 position, got %+v", resp.Positions)
	}
	p := resp.Positions[0]
	if p.Ticker != "FC-1-20300101-D" || p.Maturity != maturity2030 || !p.Notional.Equal(d(100)) {
		t.Errorf("unexpected position %+v", p)
	}
}

func TestAddPositions_NumericFields(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts/bob/positions", api.AddPositionsRequest{
		Positions: []api.PositionRequest{{CurrencyID: 2, Maturity: 3600, Kind: model.KindDated, Notional: d(-5)}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var desc descriptor.Descriptor
	json.NewDecoder(w.Body).Decode(&desc)
	if !desc.HasDebt(descriptor.DebtPosition) {
		t.Error("expected position debt flag")
	}

	// A maturity that is not a whole day has no ticker.
	w = do(t, router, "GET", "/api/v1/accounts/bob/positions", nil)
	var resp api.PositionsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Positions) != 1 || resp.Positions[0].Ticker != "" {
		t.Errorf("unexpected positions %+v", resp.Positions)
	}
}

func TestAddPositions_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"invalid body", "not json", http.StatusBadRequest},
		{"empty positions", api.AddPositionsRequest{}, http.StatusBadRequest},
		{"bad ticker", api.AddPositionsRequest{Positions: []api.PositionRequest{{Ticker: "FC-1-2030-D", Notional: d(1)}}}, http.StatusBadRequest},
		{"invalid kind", api.AddPositionsRequest{Positions: []api.PositionRequest{{CurrencyID: 1, Maturity: maturity2030, Kind: 9, Notional: d(1)}}}, http.StatusBadRequest},
		{"negative liquidity", api.AddPositionsRequest{Positions: []api.PositionRequest{{Ticker: "FC-1-20300101-L1", Notional: d(-1)}}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/accounts/carol/positions", tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestEnableBitmap_ConflictWithArrayPositions(t *testing.T) {
	_, router := newTestEnv(t)
	addByTicker(t, router, "alice", "FC-1-20300101-D", 100)

	w := do(t, router, "POST", "/api/v1/accounts/alice/bitmap", api.EnableBitmapRequest{CurrencyID: 5})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/accounts/dave/bitmap", api.EnableBitmapRequest{CurrencyID: 5, BlockTime: 90000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var desc descriptor.Descriptor
	json.NewDecoder(w.Body).Decode(&desc)
	if desc.BitmapCurrency != 5 || desc.ReferenceTime != 86400 {
		t.Errorf("unexpected descriptor %+v", desc)
	}
}

func TestSettle_BooksCashAndLedger(t *testing.T) {
	ms, router := newTestEnv(t)
	addByTicker(t, router, "alice", "FC-1-20300101-D", 100)

	// Settling before maturity is not allowed to add positions.
	w := do(t, router, "POST", "/api/v1/accounts/alice/positions", api.AddPositionsRequest{
		BlockTime: maturity2030,
		Positions: []api.PositionRequest{{Ticker: "FC-1-20310101-D", Notional: d(1)}},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 while settlement is pending, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/accounts/alice/settle", api.SettleRequest{BlockTime: maturity2030})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.SettleResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Settled != 1 || len(res.Amounts) != 1 || !res.Amounts[0].NetCash.Equal(d(90)) {
		t.Errorf("unexpected settle result %+v", res)
	}
	if res.Descriptor.PositionCount != 0 {
		t.Errorf("expected empty portfolio, got %+v", res.Descriptor)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice/ledger", nil)
	var entries []model.LedgerEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 || !entries[0].Amount.Equal(d(90)) {
		t.Errorf("unexpected ledger %+v", entries)
	}
	if rate, ok, _ := ms.SettlementRate(context.Background(), 1, maturity2030); !ok || !rate.Equal(d(0.9)) {
		t.Errorf("expected fixed rate 0.9, got %s (%v)", rate, ok)
	}
}

func TestSettle_UnknownRateIsUnprocessable(t *testing.T) {
	_, router := newTestEnv(t)
	addByTicker(t, router, "alice", "FC-7-20300101-D", 100)

	w := do(t, router, "POST", "/api/v1/accounts/alice/settle", api.SettleRequest{BlockTime: maturity2030})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetDescriptor_EmptyAccount(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var desc descriptor.Descriptor
	json.NewDecoder(w.Body).Decode(&desc)
	if desc != (descriptor.Descriptor{}) {
		t.Errorf("expected zero descriptor, got %+v", desc)
	}
}

func TestAddLiquidity(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", api.AddLiquidityRequest{
		CurrencyID: 1, Maturity: maturity2030, Cash: d(1000), Dated: d(2000), Tokens: d(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pool model.Pool
	json.NewDecoder(w.Body).Decode(&pool)
	if !pool.TotalLiquidity.Equal(d(100)) {
		t.Errorf("unexpected pool %+v", pool)
	}

	w = do(t, router, "POST", "/api/v1/markets", api.AddLiquidityRequest{
		CurrencyID: 1, Maturity: maturity2030, Cash: d(-1),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative cash, got %d", w.Code)
	}
}
