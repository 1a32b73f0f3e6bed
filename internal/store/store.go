// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The engine's in-memory state is authoritative while it runs; the store is
// what it restores from on startup.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	UserID string
	Symbol string
	Status model.OrderStatus
	Limit  int
}

// TradeFilter narrows ListTrades. Empty fields match everything.
type TradeFilter struct {
	UserID string
	Symbol string
	Limit  int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Instruments ---

	// UpsertInstrument inserts or replaces reference data for a symbol.
	UpsertInstrument(ctx context.Context, inst model.Instrument) error

	// ListInstruments returns every instrument sorted by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentPrice records a new last price.
	UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal) error

	// --- Settlement ---

	// SaveBatch persists everything one submit or cancel changed as a unit.
	// Account and position rows are only overwritten by newer versions.
	SaveBatch(ctx context.Context, b model.Batch) error

	// --- Orders and trades ---

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (model.Order, error)

	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// ListOpenOrders returns every OPEN or PARTIAL order in arrival order.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListTrades returns matching trades, newest first.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// --- Accounts ---

	// GetAccount retrieves a user's cash account.
	GetAccount(ctx context.Context, userID string) (model.Account, error)

	// ListAccounts returns every account.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// ListPositions returns every position.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Candles ---

	// UpsertCandle inserts or replaces the bar at (symbol, timeframe, ts).
	UpsertCandle(ctx context.Context, c model.Candle) error

	// ListCandles returns the most recent limit bars in ascending time
	// order. A limit of zero returns every bar.
	ListCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)

	// --- External cash movements ---

	// InsertTransaction appends a deposit or withdrawal record.
	InsertTransaction(ctx context.Context, tx model.Transaction) error

	// ListTransactions returns a user's transactions, newest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}
