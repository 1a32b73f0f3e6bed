package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

type positionKey struct{ userID, symbol string }

type candleKey struct {
	symbol, timeframe string
	ts                int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	instruments  map[string]model.Instrument
	orders       map[string]model.Order
	trades       []model.Trade
	accounts     map[string]model.Account
	positions    map[positionKey]model.Position
	candles      map[candleKey]model.Candle
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]model.Instrument),
		orders:      make(map[string]model.Order),
		accounts:    make(map[string]model.Account),
		positions:   make(map[positionKey]model.Position),
		candles:     make(map[candleKey]model.Candle),
	}
}

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[inst.Symbol] = inst
	return nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[symbol]
	if !ok {
		return fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	inst.LastPrice = price
	s.instruments[symbol] = inst
	return nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, b model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range b.Orders {
		s.orders[o.ID] = o
	}
	s.trades = append(s.trades, b.Trades...)
	for _, a := range b.Accounts {
		if cur, ok := s.accounts[a.UserID]; ok && cur.Version >= a.Version {
			continue
		}
		s.accounts[a.UserID] = a
	}
	for _, p := range b.Positions {
		k := positionKey{p.UserID, p.Symbol}
		if cur, ok := s.positions[k]; ok && cur.Version >= p.Version {
			continue
		}
		s.positions[k] = p
	}
	if b.Instrument != nil {
		s.instruments[b.Instrument.Symbol] = *b.Instrument
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	var out []model.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	var out []model.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return model.Account{}, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (s *MemoryStore) UpsertCandle(_ context.Context, c model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[candleKey{c.Symbol, c.Timeframe, c.Timestamp.Unix()}] = c
	return nil
}

func (s *MemoryStore) ListCandles(_ context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	s.mu.RLock()
	var out []model.Candle
	for k, c := range s.candles {
		if k.symbol == symbol && k.timeframe == timeframe {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}
