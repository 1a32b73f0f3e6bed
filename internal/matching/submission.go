package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

// submission collects everything one submit or cancel changed, keeping only
// the latest state of each order, account and position.
type submission struct {
	orders     []*model.Order
	seen       map[string]bool
	trades     []model.Trade
	accounts   map[string]model.Account
	positions  map[[2]string]model.Position
	instrument *model.Instrument
	lastPrice  decimal.Decimal
}

func newSubmission() *submission {
	return &submission{
		seen:      make(map[string]bool),
		accounts:  make(map[string]model.Account),
		positions: make(map[[2]string]model.Position),
	}
}

func (s *submission) touch(o *model.Order) {
	if s.seen[o.ID] {
		return
	}
	s.seen[o.ID] = true
	s.orders = append(s.orders, o)
}

func (s *submission) account(a model.Account) {
	if cur, ok := s.accounts[a.UserID]; ok && cur.Version > a.Version {
		return
	}
	s.accounts[a.UserID] = a
}

func (s *submission) position(p model.Position) {
	k := [2]string{p.UserID, p.Symbol}
	if cur, ok := s.positions[k]; ok && cur.Version > p.Version {
		return
	}
	s.positions[k] = p
}

// batch snapshots the collected state. Accounts and positions are sorted so
// concurrent batches take row locks in the same order.
func (s *submission) batch() model.Batch {
	b := model.Batch{
		Orders:     make([]model.Order, 0, len(s.orders)),
		Trades:     s.trades,
		Instrument: s.instrument,
	}
	for _, o := range s.orders {
		b.Orders = append(b.Orders, *o)
	}
	for _, a := range s.accounts {
		b.Accounts = append(b.Accounts, a)
	}
	for _, p := range s.positions {
		b.Positions = append(b.Positions, p)
	}
	sort.Slice(b.Accounts, func(i, j int) bool { return b.Accounts[i].UserID < b.Accounts[j].UserID })
	sort.Slice(b.Positions, func(i, j int) bool {
		if b.Positions[i].UserID != b.Positions[j].UserID {
			return b.Positions[i].UserID < b.Positions[j].UserID
		}
		return b.Positions[i].Symbol < b.Positions[j].Symbol
	})
	return b
}
