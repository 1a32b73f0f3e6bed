// Package instrument holds the reference data for tradable symbols: tick and
// lot sizes, the active flag and the last traded price.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

var (
	ErrUnknownSymbol  = errors.New("instrument: unknown symbol")
	ErrInvalidSymbol  = errors.New("instrument: invalid symbol")
	ErrInvalidSpec    = errors.New("instrument: tick size and lot size must be positive")
	ErrDuplicateEntry = errors.New("instrument: duplicate symbol")
)

// NormalizeSymbol uppercases and validates a symbol.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// entry guards one instrument. Static fields never change after Seed; the
// mutex protects LastPrice and UpdatedAt.
type entry struct {
	mu   sync.RWMutex
	inst model.Instrument
}

// Registry is the in-process instrument table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Seed adds instruments. Existing symbols keep their last price unless the
// seed carries a non-zero one.
func (r *Registry) Seed(instruments []model.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		sym, err := NormalizeSymbol(in.Symbol)
		if err != nil {
			return err
		}
		if seen[sym] {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, sym)
		}
		seen[sym] = true
		if !in.TickSize.IsPositive() || !in.LotSize.IsPositive() {
			return fmt.Errorf("%w: %s", ErrInvalidSpec, sym)
		}
		in.Symbol = sym

		if e, ok := r.entries[sym]; ok {
			e.mu.Lock()
			last := e.inst.LastPrice
			e.inst = in
			if in.LastPrice.IsZero() {
				e.inst.LastPrice = last
			}
			e.mu.Unlock()
			continue
		}
		r.entries[sym] = &entry{inst: in}
	}
	return nil
}

func (r *Registry) lookup(symbol string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToUpper(symbol)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return e, nil
}

// Get returns a copy of the instrument.
func (r *Registry) Get(symbol string) (model.Instrument, error) {
	e, err := r.lookup(symbol)
	if err != nil {
		return model.Instrument{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inst, nil
}

// List returns instruments sorted by symbol.
func (r *Registry) List(activeOnly bool) []model.Instrument {
	r.mu.RLock()
	out := make([]model.Instrument, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.RLock()
		inst := e.inst
		e.mu.RUnlock()
		if activeOnly && !inst.Active {
			continue
		}
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetLastPrice records the last traded (or fed) price and returns the
// updated instrument.
func (r *Registry) SetLastPrice(symbol string, price decimal.Decimal) (model.Instrument, error) {
	e, err := r.lookup(symbol)
	if err != nil {
		return model.Instrument{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inst.LastPrice = price
	e.inst.UpdatedAt = r.now()
	return e.inst, nil
}

// AlignedToTick reports whether price is a whole multiple of the tick size.
func AlignedToTick(inst model.Instrument, price decimal.Decimal) bool {
	return price.Mod(inst.TickSize).IsZero()
}

// AlignedToLot reports whether qty is a whole multiple of the lot size.
func AlignedToLot(inst model.Instrument, qty decimal.Decimal) bool {
	return qty.Mod(inst.LotSize).IsZero()
}

// RoundToTick rounds price to the nearest tick, never below one tick.
func RoundToTick(inst model.Instrument, price decimal.Decimal) decimal.Decimal {
	ticks := price.Div(inst.TickSize).Round(0)
	rounded := ticks.Mul(inst.TickSize)
	if rounded.LessThan(inst.TickSize) {
		return inst.TickSize
	}
	return rounded
}

// FloorToLot rounds qty down to a whole number of lots.
func FloorToLot(inst model.Instrument, qty decimal.Decimal) decimal.Decimal {
	return qty.Div(inst.LotSize).Floor().Mul(inst.LotSize)
}
