package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckOrder_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(500))

	err := limiter.CheckOrder(Check{Side: model.SideBuy, Price: d(100), Quantity: d(50)})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_NotionalExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(500))

	// 101 × 100 = 10100 > 10000.
	err := limiter.CheckOrder(Check{Side: model.SideSell, Price: d(101), Quantity: d(100), Held: d(100)})
	if !errors.Is(err, ErrOrderNotionalExceeded) {
		t.Errorf("expected ErrOrderNotionalExceeded, got %v", err)
	}
}

func TestCheckOrder_PositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000000), d(500))

	// Existing 450 + 60 = 510 > 500.
	err := limiter.CheckOrder(Check{Side: model.SideBuy, Price: d(10), Quantity: d(60), Held: d(450)})
	if !errors.Is(err, ErrPositionLimitExceeded) {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckOrder_SellIgnoresPositionLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(1000000), d(500))

	// Selling reduces holdings even when the user is above the cap.
	err := limiter.CheckOrder(Check{Side: model.SideSell, Price: d(10), Quantity: d(100), Held: d(800)})
	if err != nil {
		t.Errorf("sell should pass the position limit, got %v", err)
	}
}

func TestCheckOrder_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, d(-1))

	err := limiter.CheckOrder(Check{Side: model.SideBuy, Price: d(1e9), Quantity: d(1e9), Held: d(1e9)})
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckOrder_AtLimitAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(10))

	err := limiter.CheckOrder(Check{Side: model.SideBuy, Price: d(100), Quantity: d(10)})
	if err != nil {
		t.Errorf("orders exactly at the limit should pass, got %v", err)
	}
}
