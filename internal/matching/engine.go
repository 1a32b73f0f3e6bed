// Package matching accepts orders, validates and funds them, matches them
// against the book in price-time priority and settles every fill through the
// ledger.
//
// Lock order: the symbol mutex is held for a whole Submit or Cancel; account
// mutexes are taken inside the ledger, in ascending user-id order.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/metrics"
	"github.com/Shriprakashbharti/TradePros/internal/model"
	"github.com/Shriprakashbharti/TradePros/internal/orderbook"
	"github.com/Shriprakashbharti/TradePros/internal/risk"
	"github.com/Shriprakashbharti/TradePros/internal/stream"
)

var (
	ErrUnknownSymbol   = errors.New("matching: unknown or inactive symbol")
	ErrInvalidOrder    = errors.New("matching: invalid side or order type")
	ErrInvalidUser     = errors.New("matching: user id is required")
	ErrInvalidPrice    = errors.New("matching: price must be positive and a multiple of the tick size")
	ErrPriceRequired   = errors.New("matching: limit orders require a price")
	ErrInvalidQuantity = errors.New("matching: quantity must be positive and a multiple of the lot size")
	ErrNoMarketPrice   = errors.New("matching: no market price available")
	ErrRiskLimit       = errors.New("matching: risk limit exceeded")

	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrInsufficientShares = ledger.ErrInsufficientShares
)

// Store is the persistence the engine needs.
type Store interface {
	SaveBatch(ctx context.Context, b model.Batch) error
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListPositions(ctx context.Context) ([]model.Position, error)
	ListOpenOrders(ctx context.Context) ([]model.Order, error)
}

// Limiter is a pre-trade risk check.
type Limiter interface {
	CheckOrder(c risk.Check) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every submit and cancel.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithLimiter enables pre-trade risk checks.
func WithLimiter(l Limiter) Option { return func(e *Engine) { e.limiter = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithDepth sets the number of levels in published book snapshots.
func WithDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.depth = n
		}
	}
}

// Engine is the order-matching engine.
type Engine struct {
	registry *instrument.Registry
	ledger   *ledger.Ledger
	books    *orderbook.Books
	sink     stream.Sink
	store    Store
	limiter  Limiter
	now      func() time.Time
	depth    int

	seq atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// live indexes resting orders only; finished orders are served by the store.
	ordersMu sync.RWMutex
	live     map[string]model.Order
}

// New creates an engine. A nil sink discards events.
func New(registry *instrument.Registry, l *ledger.Ledger, books *orderbook.Books, sink stream.Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = stream.Discard{}
	}
	e := &Engine{
		registry: registry,
		ledger:   l,
		books:    books,
		sink:     sink,
		now:      func() time.Time { return time.Now().UTC() },
		depth:    10,
		locks:    make(map[string]*sync.Mutex),
		live:     make(map[string]model.Order),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lock takes the symbol's mutex and returns its unlock.
func (e *Engine) lock(symbol string) func() {
	e.locksMu.Lock()
	m, ok := e.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		e.locks[symbol] = m
	}
	e.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// SubmitRequest is a new order. Price is ignored for MARKET orders.
type SubmitRequest struct {
	UserID   string
	Symbol   string
	Side     model.Side
	Type     model.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Submit validates, funds and matches an order and returns its final state.
// A rejected order leaves no trace in the ledger or the book.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (model.Order, error) {
	start := time.Now()

	inst, price, err := e.validate(req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		return model.Order{}, err
	}

	unlock := e.lock(inst.Symbol)
	defer unlock()

	order, err := e.fund(req, inst, price)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		return model.Order{}, err
	}

	s := newSubmission()
	s.touch(order)

	e.match(inst, order, s)
	e.finish(inst, order, s)

	e.commit(ctx, inst.Symbol, s)

	metrics.OrdersTotal.WithLabelValues(string(order.Side), string(order.Type), string(order.Status)).Inc()
	metrics.SubmitLatency.WithLabelValues(string(order.Type)).Observe(time.Since(start).Seconds())
	slog.Info("order submitted",
		"order_id", order.ID,
		"user", order.UserID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"qty", order.Quantity.String(),
		"filled", order.FilledQuantity.String(),
		"status", order.Status,
		"trades", len(s.trades),
	)
	return *order, nil
}

// validate checks the request against the instrument and resolves the price
// used for risk and reservation.
func (e *Engine) validate(req SubmitRequest) (model.Instrument, decimal.Decimal, error) {
	if req.UserID == "" {
		return model.Instrument{}, decimal.Zero, ErrInvalidUser
	}
	if !req.Side.Valid() || !req.Type.Valid() {
		return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %q %q", ErrInvalidOrder, req.Side, req.Type)
	}
	sym, err := instrument.NormalizeSymbol(req.Symbol)
	if err != nil {
		return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownSymbol, req.Symbol)
	}
	inst, err := e.registry.Get(sym)
	if err != nil || !inst.Active {
		return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}

	if !req.Quantity.IsPositive() || !instrument.AlignedToLot(inst, req.Quantity) {
		return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %s (lot %s)", ErrInvalidQuantity, req.Quantity, inst.LotSize)
	}

	switch req.Type {
	case model.TypeLimit:
		if req.Price.IsZero() {
			return model.Instrument{}, decimal.Zero, ErrPriceRequired
		}
		if req.Price.IsNegative() || !instrument.AlignedToTick(inst, req.Price) {
			return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %s (tick %s)", ErrInvalidPrice, req.Price, inst.TickSize)
		}
		return inst, req.Price, nil
	case model.TypeMarket:
		if !inst.LastPrice.IsPositive() {
			return model.Instrument{}, decimal.Zero, fmt.Errorf("%w: %s", ErrNoMarketPrice, sym)
		}
		return inst, inst.LastPrice, nil
	}
	panic(fmt.Sprintf("matching: unhandled order type %q", req.Type))
}

// fund runs the risk check and reserves cash or shares for a new order.
func (e *Engine) fund(req SubmitRequest, inst model.Instrument, price decimal.Decimal) (*model.Order, error) {
	if e.limiter != nil {
		held := decimal.Zero
		if p, ok := e.ledger.Position(req.UserID, inst.Symbol); ok {
			held = p.Quantity
		}
		err := e.limiter.CheckOrder(risk.Check{Side: req.Side, Price: price, Quantity: req.Quantity, Held: held})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRiskLimit, err)
		}
	}

	now := e.now()
	o := &model.Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Symbol:         inst.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Price:          decimal.Zero,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		ReservedAmount: decimal.Zero,
		Status:         model.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Type == model.TypeLimit {
		o.Price = req.Price
	}

	switch req.Side {
	case model.SideBuy:
		amount := price.Mul(req.Quantity)
		if _, err := e.ledger.ReserveForBuy(req.UserID, o.ID, amount); err != nil {
			return nil, err
		}
		o.ReservedAmount = amount
	case model.SideSell:
		if _, err := e.ledger.ReserveShares(req.UserID, inst.Symbol, o.ID, req.Quantity); err != nil {
			return nil, err
		}
	}

	o.Seq = e.seq.Add(1)
	return o, nil
}

// crosses reports whether a LIMIT order will trade against contraPrice.
func crosses(o *model.Order, contraPrice decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return contraPrice.LessThanOrEqual(o.Price)
	}
	return contraPrice.GreaterThanOrEqual(o.Price)
}

// match walks the contra side and fills order until it is complete, the
// book no longer crosses, or a MARKET buy runs out of cash.
func (e *Engine) match(inst model.Instrument, order *model.Order, s *submission) {
	book := e.books.Get(inst.Symbol)

	for order.Remaining().IsPositive() {
		contra, ok := book.Best(order.Side.Opposite())
		if !ok {
			return
		}
		if order.Type == model.TypeLimit && !crosses(order, contra.Price) {
			return
		}

		price := contra.Price
		qty := decimal.Min(order.Remaining(), contra.Remaining())
		if order.Type == model.TypeMarket && order.Side == model.SideBuy {
			qty = e.affordable(inst, order, price, qty)
			if !qty.IsPositive() {
				return
			}
		}

		e.fill(order, contra, price, qty, s)
		if contra.Status == model.StatusFilled {
			book.Remove(contra.ID)
		}
	}
}

// affordable returns how much of qty a MARKET buy can take at price. When
// the fill costs more than the order holds, the shortfall is reserved from
// the buyer's free balance onto the same hold. qty is cut, in whole lots,
// only when hold and balance together cannot pay.
func (e *Engine) affordable(inst model.Instrument, order *model.Order, price, qty decimal.Decimal) decimal.Decimal {
	hold := e.ledger.Hold(order.UserID, order.ID)
	cost := price.Mul(qty)
	if cost.LessThanOrEqual(hold) || e.topUp(order, cost.Sub(hold)) {
		return qty
	}

	budget := hold
	if acct, ok := e.ledger.Account(order.UserID); ok {
		budget = budget.Add(acct.Balance)
	}
	q := decimal.Min(qty, lots(inst, budget, price))
	if need := price.Mul(q).Sub(hold); need.IsPositive() && !e.topUp(order, need) {
		// The balance moved since it was read; spend the hold alone.
		q = decimal.Min(qty, lots(inst, hold, price))
	}
	return q
}

// topUp moves amount from the buyer's balance onto the order's hold.
func (e *Engine) topUp(order *model.Order, amount decimal.Decimal) bool {
	if _, err := e.ledger.ReserveForBuy(order.UserID, order.ID, amount); err != nil {
		return false
	}
	order.ReservedAmount = order.ReservedAmount.Add(amount)
	return true
}

// lots is the largest lot-aligned quantity whose cost at price fits budget.
func lots(inst model.Instrument, budget, price decimal.Decimal) decimal.Decimal {
	q := instrument.FloorToLot(inst, budget.Div(price))
	for q.IsPositive() && price.Mul(q).GreaterThan(budget) {
		q = q.Sub(inst.LotSize)
	}
	return q
}

// fill settles one match between the incoming order and a resting order.
func (e *Engine) fill(taker, maker *model.Order, price, qty decimal.Decimal, s *submission) {
	buy, sell := taker, maker
	if taker.Side == model.SideSell {
		buy, sell = maker, taker
	}

	st := e.ledger.SettleFill(ledger.Fill{
		Symbol:      taker.Symbol,
		BuyerID:     buy.UserID,
		BuyOrderID:  buy.ID,
		SellerID:    sell.UserID,
		SellOrderID: sell.ID,
		Price:       price,
		Quantity:    qty,
		BuyFinal:    buy.Remaining().Equal(qty),
	})

	now := e.now()
	for _, o := range []*model.Order{buy, sell} {
		filled := o.FilledQuantity.Add(qty)
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty)).Div(filled)
		o.FilledQuantity = filled
		if o.Remaining().IsZero() {
			o.Status = model.StatusFilled
		} else {
			o.Status = model.StatusPartial
		}
		o.UpdatedAt = now
		s.touch(o)

		s.trades = append(s.trades, model.Trade{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			UserID:    o.UserID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     price,
			Quantity:  qty,
			Timestamp: now,
		})
	}
	buy.ReservedAmount = st.BuyHold

	s.account(st.Buyer)
	s.account(st.Seller)
	s.position(st.BuyerPosition)
	s.position(st.SellerPosition)
	s.lastPrice = price

	metrics.TradesTotal.WithLabelValues(taker.Symbol).Inc()
	metrics.TradeVolume.WithLabelValues(taker.Symbol).Add(qty.InexactFloat64())
	slog.Debug("fill",
		"symbol", taker.Symbol,
		"buy_order", buy.ID,
		"sell_order", sell.ID,
		"price", price.String(),
		"qty", qty.String(),
		"refund", st.Refund.String(),
	)
}

// finish rests a LIMIT remainder or cancels a MARKET remainder, and records
// the new last price.
func (e *Engine) finish(inst model.Instrument, order *model.Order, s *submission) {
	if order.Remaining().IsPositive() {
		switch order.Type {
		case model.TypeLimit:
			e.books.Get(inst.Symbol).Add(order)
		case model.TypeMarket:
			rel := e.ledger.ReleaseOrder(order.UserID, order.Symbol, order.ID)
			s.account(rel.Account)
			if rel.Position != nil {
				s.position(*rel.Position)
			}
			order.ReservedAmount = decimal.Zero
			if order.FilledQuantity.IsZero() {
				order.Status = model.StatusCancelled
			} else {
				order.Status = model.StatusPartial
			}
			order.UpdatedAt = e.now()
		}
	}

	// Funding changed the account or position even when nothing traded.
	if acct, ok := e.ledger.Account(order.UserID); ok {
		s.account(acct)
	}
	if order.Side == model.SideSell {
		if p, ok := e.ledger.Position(order.UserID, order.Symbol); ok {
			s.position(p)
		}
	}

	if s.lastPrice.IsPositive() {
		updated, err := e.registry.SetLastPrice(inst.Symbol, s.lastPrice)
		if err == nil {
			s.instrument = &updated
		}
		e.ledger.MarkToMarket(inst.Symbol, s.lastPrice)
	}
}

// Cancel cancels a resting order owned by userID and releases its holds. It
// reports false if the order is unknown, owned by someone else, or already
// FILLED or CANCELLED.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) bool {
	e.ordersMu.RLock()
	known, ok := e.live[orderID]
	e.ordersMu.RUnlock()
	if !ok || known.UserID != userID {
		return false
	}

	unlock := e.lock(known.Symbol)
	defer unlock()

	book := e.books.Get(known.Symbol)
	order, ok := book.Remove(orderID)
	if !ok {
		return false
	}

	rel := e.ledger.ReleaseOrder(order.UserID, order.Symbol, order.ID)
	order.Status = model.StatusCancelled
	order.ReservedAmount = decimal.Zero
	order.UpdatedAt = e.now()

	s := newSubmission()
	s.touch(order)
	s.account(rel.Account)
	if rel.Position != nil {
		s.position(*rel.Position)
	}
	e.commit(ctx, order.Symbol, s)

	metrics.CancelsTotal.Inc()
	slog.Info("order cancelled",
		"order_id", order.ID,
		"user", order.UserID,
		"symbol", order.Symbol,
		"released_cash", rel.Cash.String(),
		"released_shares", rel.Shares.String(),
	)
	return true
}

// commit persists a submission, refreshes the order index and publishes the
// resulting events. The symbol lock must be held.
func (e *Engine) commit(ctx context.Context, symbol string, s *submission) {
	batch := s.batch()

	if e.store != nil {
		if err := e.store.SaveBatch(context.WithoutCancel(ctx), batch); err != nil {
			metrics.PersistFailures.Inc()
			slog.Error("persist batch failed", "symbol", symbol, "orders", len(batch.Orders), "err", err)
		}
	}

	e.ordersMu.Lock()
	for _, o := range batch.Orders {
		if o.Type == model.TypeLimit && !o.Status.Terminal() {
			e.live[o.ID] = o
		} else {
			delete(e.live, o.ID)
		}
	}
	e.ordersMu.Unlock()

	book := e.books.Get(symbol)
	metrics.RestingOrders.WithLabelValues(symbol).Set(float64(book.Len()))

	now := e.now()
	for _, o := range batch.Orders {
		e.sink.Publish(stream.Event{Type: stream.TypeOrderUpdated, Topic: stream.UserTopic(o.UserID), Payload: o, Timestamp: now})
	}
	for _, t := range batch.Trades {
		e.sink.Publish(stream.Event{Type: stream.TypeTradeRecorded, Topic: stream.UserTopic(t.UserID), Payload: t, Timestamp: now})
	}
	e.sink.Publish(stream.Event{
		Type:      stream.TypeOrderBookUpdated,
		Topic:     stream.SymbolTopic(symbol),
		Payload:   book.Snapshot(e.depth),
		Timestamp: now,
	})
}

// Snapshot returns the aggregated book for symbol. A depth of zero or less
// uses the engine default.
func (e *Engine) Snapshot(symbol string, depth int) (model.BookSnapshot, error) {
	inst, err := e.registry.Get(symbol)
	if err != nil {
		return model.BookSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if depth <= 0 {
		depth = e.depth
	}
	unlock := e.lock(inst.Symbol)
	defer unlock()
	return e.books.Get(inst.Symbol).Snapshot(depth), nil
}

// Order returns the current state of a resting order. FILLED, CANCELLED and
// MARKET orders are not kept in memory; read them from the store.
func (e *Engine) Order(orderID string) (model.Order, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.live[orderID]
	return o, ok
}

// Restore rebuilds last prices, accounts, positions, holds and resting
// orders from the store. It must run before the engine serves requests.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("restore instruments: %w", err)
	}
	for _, in := range instruments {
		if in.LastPrice.IsPositive() {
			e.registry.SetLastPrice(in.Symbol, in.LastPrice)
		}
	}

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	if err := e.ledger.Restore(accounts, positions, open); err != nil {
		return err
	}

	var maxSeq uint64
	e.ordersMu.Lock()
	for i := range open {
		o := open[i]
		if o.Seq > maxSeq {
			maxSeq = o.Seq
		}
		if o.Type != model.TypeLimit {
			continue
		}
		e.live[o.ID] = o
		e.books.Get(o.Symbol).Add(&o)
	}
	e.ordersMu.Unlock()
	if maxSeq > e.seq.Load() {
		e.seq.Store(maxSeq)
	}

	for _, sym := range e.books.Symbols() {
		metrics.RestingOrders.WithLabelValues(sym).Set(float64(e.books.Get(sym).Len()))
	}
	slog.Info("engine restored",
		"accounts", len(accounts),
		"positions", len(positions),
		"resting_orders", len(open),
	)
	return nil
}

// reason maps a rejection to a metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrPriceRequired):
		return "invalid_price"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrNoMarketPrice):
		return "no_market_price"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrRiskLimit):
		return "risk_limit"
	}
	return "invalid_request"
}
