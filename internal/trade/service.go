// Package trade provides the HTTP handlers for placing and cancelling
// orders, querying books, candles and instruments, and managing account
// cash and portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/marketdata"
	"github.com/Shriprakashbharti/TradePros/internal/matching"
	"github.com/Shriprakashbharti/TradePros/internal/model"
	"github.com/Shriprakashbharti/TradePros/internal/store"
)

// UserHeader identifies the caller. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Service serves the trading API. Matching and settlement live in the
// engine; the service translates HTTP to engine calls and reads history
// from the store.
type Service struct {
	engine   *matching.Engine
	ledger   *ledger.Ledger
	registry *instrument.Registry
	store    store.Store
	feed     *marketdata.Feed // optional, supplies the open 1m candle
}

// NewService creates a new trade service. Pass nil for feed if the price
// feed is disabled.
func NewService(eng *matching.Engine, l *ledger.Ledger, reg *instrument.Registry, st store.Store, feed *marketdata.Feed) *Service {
	return &Service{
		engine:   eng,
		ledger:   l,
		registry: reg,
		store:    st,
		feed:     feed,
	}
}

// Routes registers the API on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/instruments", s.ListInstruments)
	r.Get("/orderbook/{symbol}", s.GetOrderBook)
	r.Get("/candles", s.GetCandles)
	r.Get("/indicators/{symbol}", s.GetIndicators)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders", s.ListOrders)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Post("/orders/{orderID}/cancel", s.CancelOrder)
		r.Get("/trades", s.ListTrades)

		r.Get("/account", s.GetAccount)
		r.Post("/account/deposit", s.Deposit)
		r.Post("/account/withdraw", s.Withdraw)
		r.Get("/account/transactions", s.ListTransactions)
		r.Get("/portfolio", s.GetPortfolio)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"` // "BUY" or "SELL"
	Type     string           `json:"type"` // "LIMIT" or "MARKET"
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity decimal.Decimal  `json:"qty"`
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	typ, err := model.ParseOrderType(req.Type)
	if err != nil {
		writeError(w, "type must be LIMIT or MARKET", http.StatusBadRequest)
		return
	}
	price := decimal.Zero
	if req.Price != nil {
		price = *req.Price
	}

	order, err := s.engine.Submit(r.Context(), matching.SubmitRequest{
		UserID:   userID(r),
		Symbol:   req.Symbol,
		Side:     side,
		Type:     typ,
		Price:    price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	if !s.engine.Cancel(r.Context(), orderID, userID(r)) {
		writeError(w, "order not found or cannot cancel", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, ok := s.engine.Order(orderID)
	if !ok {
		var err error
		order, err = s.store.GetOrder(r.Context(), orderID)
		if err != nil {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
	}
	if order.UserID != userID(r) {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/v1/orders?status=&symbol=&limit=
// Newest first.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{UserID: userID(r)}

	if v := q.Get("status"); v != "" {
		status, err := model.ParseOrderStatus(v)
		if err != nil {
			writeError(w, "status must be OPEN, PARTIAL, FILLED or CANCELLED", http.StatusBadRequest)
			return
		}
		f.Status = status
	}
	if v := q.Get("symbol"); v != "" {
		sym, err := instrument.NormalizeSymbol(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Symbol = sym
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	orders, err := s.store.ListOrders(r.Context(), f)
	if err != nil {
		slog.Error("list orders failed", "user", f.UserID, "err", err)
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListTrades handles GET /api/v1/trades?symbol=&limit=
// Newest first.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TradeFilter{UserID: userID(r)}

	if v := q.Get("symbol"); v != "" {
		sym, err := instrument.NormalizeSymbol(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Symbol = sym
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	trades, err := s.store.ListTrades(r.Context(), f)
	if err != nil {
		slog.Error("list trades failed", "user", f.UserID, "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Helpers ---

const (
	defaultLimit = 100
	maxLimit     = 500
)

// parseLimit reads a 1..500 limit, defaulting to 100. It writes the error
// response itself and reports false on bad input.
func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxLimit {
		writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// writeEngineError maps engine and ledger errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matching.ErrUnknownSymbol):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, matching.ErrInsufficientFunds),
		errors.Is(err, matching.ErrInsufficientShares),
		errors.Is(err, matching.ErrNoMarketPrice),
		errors.Is(err, matching.ErrRiskLimit):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, matching.ErrInvalidOrder),
		errors.Is(err, matching.ErrInvalidUser),
		errors.Is(err, matching.ErrInvalidPrice),
		errors.Is(err, matching.ErrPriceRequired),
		errors.Is(err, matching.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("unexpected engine error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
