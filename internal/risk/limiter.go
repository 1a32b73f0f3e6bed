// Package risk implements pre-trade limits applied before an order reserves
// funds or shares.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

var (
	// ErrOrderNotionalExceeded is returned when price × quantity of a single
	// order is above the per-order maximum.
	ErrOrderNotionalExceeded = errors.New("risk: order notional limit exceeded")

	// ErrPositionLimitExceeded is returned when a BUY would push the user's
	// holding in one symbol beyond the per-symbol maximum.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")
)

// PositionLimiter enforces per-order notional and per-symbol position limits.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxOrderNotional caps price × quantity of one order.
	MaxOrderNotional decimal.Decimal

	// MaxPositionQty caps the shares a user may hold in one symbol, counting
	// the order being checked.
	MaxPositionQty decimal.Decimal
}

// NewPositionLimiter creates a limiter. Negative limits are treated as zero.
func NewPositionLimiter(maxOrderNotional, maxPositionQty decimal.Decimal) *PositionLimiter {
	if maxOrderNotional.IsNegative() {
		maxOrderNotional = decimal.Zero
	}
	if maxPositionQty.IsNegative() {
		maxPositionQty = decimal.Zero
	}
	return &PositionLimiter{
		MaxOrderNotional: maxOrderNotional,
		MaxPositionQty:   maxPositionQty,
	}
}

// Check is the input to CheckOrder.
type Check struct {
	Side     model.Side
	Price    decimal.Decimal // limit price, or the reference price for MARKET
	Quantity decimal.Decimal
	Held     decimal.Decimal // current position quantity in the symbol
}

// CheckOrder validates an order against the limits. SELL orders only reduce
// holdings and are checked for notional alone.
func (l *PositionLimiter) CheckOrder(c Check) error {
	if l.MaxOrderNotional.IsPositive() {
		notional := c.Price.Mul(c.Quantity)
		if notional.GreaterThan(l.MaxOrderNotional) {
			return fmt.Errorf("%w: %s > %s", ErrOrderNotionalExceeded, notional, l.MaxOrderNotional)
		}
	}

	if c.Side == model.SideBuy && l.MaxPositionQty.IsPositive() {
		after := c.Held.Add(c.Quantity)
		if after.GreaterThan(l.MaxPositionQty) {
			return fmt.Errorf("%w: %s > %s", ErrPositionLimitExceeded, after, l.MaxPositionQty)
		}
	}

	return nil
}
