package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

const instrumentsKey = "instruments"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for orders, accounts and the instrument list. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertInstrument(ctx context.Context, inst model.Instrument) error {
	if err := s.primary.UpsertInstrument(ctx, inst); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentsKey)
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, symbol, price); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentsKey)
	return nil
}

func (s *CachedStore) SaveBatch(ctx context.Context, b model.Batch) error {
	if err := s.primary.SaveBatch(ctx, b); err != nil {
		return err
	}
	keys := make([]string, 0, len(b.Orders)+len(b.Accounts)+1)
	for _, o := range b.Orders {
		keys = append(keys, orderKey(o.ID))
	}
	for _, a := range b.Accounts {
		keys = append(keys, accountKey(a.UserID))
	}
	if b.Instrument != nil {
		keys = append(keys, instrumentsKey)
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	if s.cached(ctx, orderKey(id), &o) {
		return o, nil
	}

	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	s.put(ctx, orderKey(id), o)
	return o, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(userID), &a) {
		return a, nil
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return model.Account{}, err
	}
	s.put(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var out []model.Instrument
	if s.cached(ctx, instrumentsKey, &out) {
		return out, nil
	}

	out, err := s.primary.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	s.put(ctx, instrumentsKey, out)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) UpsertCandle(ctx context.Context, c model.Candle) error {
	return s.primary.UpsertCandle(ctx, c)
}

func (s *CachedStore) ListCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	return s.primary.ListCandles(ctx, symbol, timeframe, limit)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, tx model.Transaction) error {
	return s.primary.InsertTransaction(ctx, tx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
	}
}

func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }
func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }
