// Package marketdata produces the synthetic price feed, rolls it into 1m
// candles and derives higher timeframes and indicators from them.
package marketdata

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/metrics"
	"github.com/Shriprakashbharti/TradePros/internal/model"
	"github.com/Shriprakashbharti/TradePros/internal/stream"
)

// Ticker is the top-of-market quote published on every tick.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"ts"`
}

// CandleStore persists closed candles and the price they closed at.
type CandleStore interface {
	UpsertCandle(ctx context.Context, c model.Candle) error
	UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal) error
}

// Option configures a Feed.
type Option func(*Feed)

// WithCandleStore persists each 1m candle, and the instrument's last price,
// when its minute closes.
func WithCandleStore(s CandleStore) Option { return func(f *Feed) { f.candles = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// WithRand overrides the random source of the walk.
func WithRand(r *rand.Rand) Option { return func(f *Feed) { f.rng = r } }

type symbolState struct {
	mu     sync.Mutex
	candle *model.Candle
}

// Feed random-walks the last price of every active instrument.
type Feed struct {
	registry *instrument.Registry
	ledger   *ledger.Ledger
	sink     stream.Sink
	candles  CandleStore
	interval time.Duration
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	statesMu sync.Mutex
	states   map[string]*symbolState
}

// NewFeed creates a feed ticking every interval. A nil sink discards events.
func NewFeed(registry *instrument.Registry, l *ledger.Ledger, sink stream.Sink, interval time.Duration, opts ...Option) *Feed {
	if sink == nil {
		sink = stream.Discard{}
	}
	f := &Feed{
		registry: registry,
		ledger:   l,
		sink:     sink,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		states:   make(map[string]*symbolState),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run ticks every active instrument in its own goroutine until ctx is done,
// then persists the candles still open.
func (f *Feed) Run(ctx context.Context) {
	active := f.registry.List(true)
	slog.Info("market feed started", "instruments", len(active), "interval", f.interval)

	var wg sync.WaitGroup
	for _, inst := range active {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			f.loop(ctx, symbol)
		}(inst.Symbol)
	}
	wg.Wait()

	f.Flush(context.Background())
	slog.Info("market feed stopped")
}

func (f *Feed) loop(ctx context.Context, symbol string) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Tick(ctx, symbol); err != nil {
				slog.Warn("feed tick failed", "symbol", symbol, "err", err)
			}
		}
	}
}

func (f *Feed) float() float64 {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64()
}

func (f *Feed) intn(n int) int {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Intn(n)
}

func (f *Feed) state(symbol string) *symbolState {
	f.statesMu.Lock()
	defer f.statesMu.Unlock()
	st, ok := f.states[symbol]
	if !ok {
		st = &symbolState{}
		f.states[symbol] = st
	}
	return st
}

// walk moves last by up to one tick either way, never below one tick.
func (f *Feed) walk(inst model.Instrument, last decimal.Decimal) decimal.Decimal {
	if !last.IsPositive() {
		return instrument.RoundToTick(inst, decimal.NewFromFloat(100*(1+f.float())))
	}
	change := inst.TickSize.Mul(decimal.NewFromFloat((f.float() - 0.5) * 2))
	return instrument.RoundToTick(inst, last.Add(change))
}

// Tick advances one symbol by one step: new last price, marked positions,
// updated candle and a published ticker.
func (f *Feed) Tick(ctx context.Context, symbol string) (Ticker, error) {
	inst, err := f.registry.Get(symbol)
	if err != nil {
		return Ticker{}, err
	}

	next := f.walk(inst, inst.LastPrice)
	if _, err := f.registry.SetLastPrice(inst.Symbol, next); err != nil {
		return Ticker{}, err
	}
	f.ledger.MarkToMarket(inst.Symbol, next)

	now := f.now()
	f.roll(ctx, inst.Symbol, next, now)

	t := Ticker{
		Symbol:    inst.Symbol,
		Bid:       decimal.Max(inst.TickSize, next.Sub(inst.TickSize)),
		Ask:       next.Add(inst.TickSize),
		Last:      next,
		Timestamp: now,
	}
	f.sink.Publish(stream.Event{
		Type:      stream.TypeMarketTicker,
		Topic:     stream.SymbolTopic(inst.Symbol),
		Payload:   t,
		Timestamp: now,
	})
	metrics.FeedTicks.WithLabelValues(inst.Symbol).Inc()
	return t, nil
}

// roll folds price into the symbol's 1m candle, persisting the previous one
// when the minute changes.
func (f *Feed) roll(ctx context.Context, symbol string, price decimal.Decimal, now time.Time) {
	st := f.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	minute := now.Truncate(time.Minute)
	if st.candle == nil || !st.candle.Timestamp.Equal(minute) {
		if st.candle != nil {
			f.persist(ctx, *st.candle)
		}
		st.candle = &model.Candle{
			Symbol:    symbol,
			Timeframe: "1m",
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.Zero,
			Timestamp: minute,
		}
		return
	}

	c := st.candle
	c.High = decimal.Max(c.High, price)
	c.Low = decimal.Min(c.Low, price)
	c.Close = price
	c.Volume = c.Volume.Add(decimal.NewFromInt(int64(1 + f.intn(5))))
}

func (f *Feed) persist(ctx context.Context, c model.Candle) {
	if f.candles == nil {
		return
	}
	if err := f.candles.UpsertCandle(ctx, c); err != nil {
		slog.Error("persist candle failed", "symbol", c.Symbol, "ts", c.Timestamp, "err", err)
	}
	if err := f.candles.UpdateInstrumentPrice(ctx, c.Symbol, c.Close); err != nil {
		slog.Warn("persist last price failed", "symbol", c.Symbol, "err", err)
	}
}

// Current returns the symbol's open 1m candle.
func (f *Feed) Current(symbol string) (model.Candle, bool) {
	st := f.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.candle == nil {
		return model.Candle{}, false
	}
	return *st.candle, true
}

// Flush persists every open candle.
func (f *Feed) Flush(ctx context.Context) {
	f.statesMu.Lock()
	states := make([]*symbolState, 0, len(f.states))
	for _, st := range f.states {
		states = append(states, st)
	}
	f.statesMu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.candle != nil {
			f.persist(ctx, *st.candle)
		}
		st.mu.Unlock()
	}
}
