// Package model defines the core domain types shared across the trading engine.
// All monetary values, prices and quantities use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is static reference data for one tradable symbol. LastPrice is
// the only field that moves during normal operation.
type Instrument struct {
	Symbol    string          `json:"symbol" yaml:"symbol"`
	Name      string          `json:"name" yaml:"name"`
	TickSize  decimal.Decimal `json:"tick_size" yaml:"tick_size"`
	LotSize   decimal.Decimal `json:"lot_size" yaml:"lot_size"`
	Active    bool            `json:"active" yaml:"active"`
	LastPrice decimal.Decimal `json:"last_price" yaml:"last_price"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

// Account is a user's cash ledger. Balance holds only unencumbered cash;
// ReservedBalance holds cash set aside for resting BUY orders.
type Account struct {
	UserID          string          `json:"user_id"`
	Balance         decimal.Decimal `json:"balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Total is the account's economic cash: unencumbered plus held.
func (a Account) Total() decimal.Decimal {
	return a.Balance.Add(a.ReservedBalance)
}

// Position is a long-only share holding for one (user, symbol) pair.
type Position struct {
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Version          int64           `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Available is the quantity not earmarked for resting SELL orders.
func (p Position) Available() decimal.Decimal {
	return p.Quantity.Sub(p.ReservedQuantity)
}

// Order is a buy or sell instruction. Seq is the engine-assigned arrival
// sequence and breaks time ties in the book.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	Status         OrderStatus     `json:"status"`
	Seq            uint64          `json:"seq"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade is an immutable fill record. A single match produces two trades,
// one per participant.
type Trade struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional is price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Candle is an OHLCV bar.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp time.Time       `json:"ts"`
}

// Transaction is an external cash movement (deposit or withdrawal).
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"` // "deposit" or "withdrawal"
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction types.
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
)

// BookLevel is one aggregated price level of a book snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
	Orders   int             `json:"orders"`
}

// BookSnapshot is the depth view of one symbol's book.
type BookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// Batch is everything a single submit or cancel changed. It is persisted as
// one unit.
type Batch struct {
	Orders     []Order
	Trades     []Trade
	Accounts   []Account
	Positions  []Position
	Instrument *Instrument
}

// Empty reports whether the batch carries nothing to persist.
func (b *Batch) Empty() bool {
	return len(b.Orders) == 0 && len(b.Trades) == 0 && len(b.Accounts) == 0 &&
		len(b.Positions) == 0 && b.Instrument == nil
}

// Holding is one valued position in a portfolio report.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// Portfolio aggregates a user's cash and holdings at current prices.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance"`
	Holdings        []Holding       `json:"holdings"`
	TotalValue      decimal.Decimal `json:"total_value"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
}
