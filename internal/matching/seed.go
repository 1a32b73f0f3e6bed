package matching

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/metrics"
	"github.com/Shriprakashbharti/TradePros/internal/model"
)

// SeedHoldings credits opening share positions at their average cost. A
// holding is skipped when the user already has a position in the symbol,
// so seeding after Restore is idempotent across restarts. It reports how
// many holdings were credited.
func (e *Engine) SeedHoldings(ctx context.Context, holdings []model.Position) (int, error) {
	credited := 0
	for _, h := range holdings {
		sym, err := instrument.NormalizeSymbol(h.Symbol)
		if err != nil {
			return credited, fmt.Errorf("%w: %q", ErrUnknownSymbol, h.Symbol)
		}
		inst, err := e.registry.Get(sym)
		if err != nil {
			return credited, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
		}
		if h.UserID == "" {
			return credited, ErrInvalidUser
		}
		if !h.Quantity.IsPositive() || !instrument.AlignedToLot(inst, h.Quantity) {
			return credited, fmt.Errorf("%w: %s %s (lot %s)", ErrInvalidQuantity, sym, h.Quantity, inst.LotSize)
		}

		ok, err := e.seedOne(ctx, inst, h)
		if err != nil {
			return credited, err
		}
		if ok {
			credited++
		}
	}
	return credited, nil
}

func (e *Engine) seedOne(ctx context.Context, inst model.Instrument, h model.Position) (bool, error) {
	userID := h.UserID
	unlock := e.lock(inst.Symbol)
	defer unlock()

	if _, ok := e.ledger.Position(userID, inst.Symbol); ok {
		return false, nil
	}
	pos, err := e.ledger.CreditShares(userID, inst.Symbol, h.Quantity, h.AvgPrice)
	if err != nil {
		return false, fmt.Errorf("seed %s/%s: %w", userID, inst.Symbol, err)
	}

	s := newSubmission()
	if acct, ok := e.ledger.Account(userID); ok {
		s.account(acct)
	}
	s.position(pos)
	if e.store != nil {
		if err := e.store.SaveBatch(context.WithoutCancel(ctx), s.batch()); err != nil {
			metrics.PersistFailures.Inc()
			slog.Error("persist seeded holding failed", "user", userID, "symbol", inst.Symbol, "err", err)
		}
	}

	slog.Info("holding seeded",
		"user", userID,
		"symbol", inst.Symbol,
		"qty", pos.Quantity.String(),
		"avg_price", pos.AvgPrice.String(),
	)
	return true, nil
}
