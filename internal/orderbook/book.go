// Package orderbook keeps resting LIMIT orders for one symbol in price-time
// priority.
//
// Bids are ordered by price descending, asks by price ascending; within a
// price level orders keep arrival (Seq) order. A Book is not safe for
// concurrent use: the matching engine serializes access per symbol.
package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

type level struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (lv *level) quantity() decimal.Decimal {
	q := decimal.Zero
	for _, o := range lv.orders {
		q = q.Add(o.Remaining())
	}
	return q
}

// Book is the two-sided book of one symbol.
type Book struct {
	symbol string
	bids   []*level // best (highest) first
	asks   []*level // best (lowest) first
	index  map[string]*model.Order
}

// New creates an empty book.
func New(symbol string) *Book {
	return &Book{symbol: symbol, index: make(map[string]*model.Order)}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Get returns the resting order with the given id.
func (b *Book) Get(orderID string) (*model.Order, bool) {
	o, ok := b.index[orderID]
	return o, ok
}

func (b *Book) side(s model.Side) *[]*level {
	if s == model.SideBuy {
		return &b.bids
	}
	return &b.asks
}

// better reports whether price p ranks ahead of q on side s.
func better(s model.Side, p, q decimal.Decimal) bool {
	if s == model.SideBuy {
		return p.GreaterThan(q)
	}
	return p.LessThan(q)
}

// Add rests a LIMIT order at the back of its price level. The book keeps the
// pointer: fills applied to the order are visible through the book.
func (b *Book) Add(o *model.Order) {
	if o.Type != model.TypeLimit {
		panic(fmt.Sprintf("orderbook: %s order %s cannot rest", o.Type, o.ID))
	}
	if !o.Remaining().IsPositive() {
		panic(fmt.Sprintf("orderbook: order %s has nothing left to rest", o.ID))
	}
	if _, dup := b.index[o.ID]; dup {
		panic(fmt.Sprintf("orderbook: order %s already resting", o.ID))
	}

	levels := b.side(o.Side)
	i := sort.Search(len(*levels), func(i int) bool {
		return !better(o.Side, (*levels)[i].price, o.Price)
	})
	if i < len(*levels) && (*levels)[i].price.Equal(o.Price) {
		lv := (*levels)[i]
		// Restored orders may arrive out of sequence.
		j := sort.Search(len(lv.orders), func(j int) bool { return lv.orders[j].Seq > o.Seq })
		lv.orders = append(lv.orders, nil)
		copy(lv.orders[j+1:], lv.orders[j:])
		lv.orders[j] = o
	} else {
		*levels = append(*levels, nil)
		copy((*levels)[i+1:], (*levels)[i:])
		(*levels)[i] = &level{price: o.Price, orders: []*model.Order{o}}
	}
	b.index[o.ID] = o
}

// Remove takes an order out of the book. It reports false if the order was
// not resting.
func (b *Book) Remove(orderID string) (*model.Order, bool) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	delete(b.index, orderID)

	levels := b.side(o.Side)
	for i, lv := range *levels {
		if !lv.price.Equal(o.Price) {
			continue
		}
		for j, r := range lv.orders {
			if r.ID == orderID {
				lv.orders = append(lv.orders[:j], lv.orders[j+1:]...)
				break
			}
		}
		if len(lv.orders) == 0 {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
		}
		break
	}
	return o, true
}

// Best returns the highest-priority order resting on side s.
func (b *Book) Best(s model.Side) (*model.Order, bool) {
	levels := *b.side(s)
	if len(levels) == 0 {
		return nil, false
	}
	return levels[0].orders[0], true
}

// BestPrice returns the top-of-book price on side s.
func (b *Book) BestPrice(s model.Side) (decimal.Decimal, bool) {
	levels := *b.side(s)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].price, true
}

// Walk visits resting orders on side s in priority order until fn returns
// false.
func (b *Book) Walk(s model.Side, fn func(*model.Order) bool) {
	for _, lv := range *b.side(s) {
		for _, o := range lv.orders {
			if !fn(o) {
				return
			}
		}
	}
}

// Orders returns every resting order, bids then asks, in priority order.
func (b *Book) Orders() []*model.Order {
	out := make([]*model.Order, 0, len(b.index))
	for _, s := range []model.Side{model.SideBuy, model.SideSell} {
		b.Walk(s, func(o *model.Order) bool {
			out = append(out, o)
			return true
		})
	}
	return out
}

// Snapshot aggregates the top depth price levels of each side. A depth of
// zero or less returns every level.
func (b *Book) Snapshot(depth int) model.BookSnapshot {
	return model.BookSnapshot{
		Symbol: b.symbol,
		Bids:   aggregate(b.bids, depth),
		Asks:   aggregate(b.asks, depth),
	}
}

func aggregate(levels []*level, depth int) []model.BookLevel {
	n := len(levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]model.BookLevel, 0, n)
	for _, lv := range levels[:n] {
		out = append(out, model.BookLevel{
			Price:    lv.price,
			Quantity: lv.quantity(),
			Orders:   len(lv.orders),
		})
	}
	return out
}

// Books maps symbols to their book, creating books on first use.
type Books struct {
	mu    sync.Mutex
	books map[string]*Book
}

// NewBooks creates an empty set of books.
func NewBooks() *Books {
	return &Books{books: make(map[string]*Book)}
}

// Get returns the book for symbol, creating it if needed.
func (bs *Books) Get(symbol string) *Book {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.books[symbol]
	if !ok {
		b = New(symbol)
		bs.books[symbol] = b
	}
	return b
}

// Symbols returns the symbols that have a book, sorted.
func (bs *Books) Symbols() []string {
	bs.mu.Lock()
	out := make([]string, 0, len(bs.books))
	for s := range bs.books {
		out = append(out, s)
	}
	bs.mu.Unlock()
	sort.Strings(out)
	return out
}
