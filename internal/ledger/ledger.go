// Package ledger keeps per-user cash balances, cash holds, share positions
// and share holds.
//
// Every hold is recorded against the order that owns it. For each account
// the sum of its order holds equals ReservedBalance exactly, and for each
// position the sum of its share holds equals ReservedQuantity exactly. Any
// divergence is a programming error and panics.
//
// Each account is guarded by its own mutex. Operations that touch two
// accounts lock them in ascending user-id order.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrUnknownAccount     = errors.New("ledger: unknown account")
	ErrHoldMismatch       = errors.New("ledger: restored holds do not match reserved counters")
)

type position struct {
	state model.Position
	holds map[string]decimal.Decimal // order id -> shares held
}

type account struct {
	mu        sync.Mutex
	state     model.Account
	holds     map[string]decimal.Decimal // order id -> cash held
	positions map[string]*position
}

// Ledger is the in-process account and position table.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	bySymbol map[string]map[string]struct{} // symbol -> user ids holding it
	opening  decimal.Decimal
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOpeningBalance credits new accounts with amount when they are opened.
func WithOpeningBalance(amount decimal.Decimal) Option {
	return func(l *Ledger) { l.opening = amount }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		bySymbol: make(map[string]map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newAccount(userID string, balance decimal.Decimal, now time.Time) *account {
	return &account{
		state: model.Account{
			UserID:          userID,
			Balance:         balance,
			ReservedBalance: decimal.Zero,
			UpdatedAt:       now,
		},
		holds:     make(map[string]decimal.Decimal),
		positions: make(map[string]*position),
	}
}

// get returns the account, creating it when create is set.
func (l *Ledger) get(userID string, create bool) *account {
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok || !create {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[userID]; ok {
		return a
	}
	a = newAccount(userID, l.opening, l.now())
	l.accounts[userID] = a
	return a
}

func (l *Ledger) index(symbol, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users, ok := l.bySymbol[symbol]
	if !ok {
		users = make(map[string]struct{})
		l.bySymbol[symbol] = users
	}
	users[userID] = struct{}{}
}

// Open creates the account if it does not exist and returns it.
func (l *Ledger) Open(userID string) model.Account {
	a := l.get(userID, true)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Account returns a copy of the account.
func (l *Ledger) Account(userID string) (model.Account, bool) {
	a := l.get(userID, false)
	if a == nil {
		return model.Account{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, true
}

// Position returns a copy of the (user, symbol) position.
func (l *Ledger) Position(userID, symbol string) (model.Position, bool) {
	a := l.get(userID, false)
	if a == nil {
		return model.Position{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return p.state, true
}

// Positions returns the user's positions sorted by symbol.
func (l *Ledger) Positions(userID string) []model.Position {
	a := l.get(userID, false)
	if a == nil {
		return nil
	}
	a.mu.Lock()
	out := make([]model.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p.state)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Hold returns the cash still held for an order.
func (l *Ledger) Hold(userID, orderID string) decimal.Decimal {
	a := l.get(userID, false)
	if a == nil {
		return decimal.Zero
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holds[orderID]
}

// Deposit credits external cash.
func (l *Ledger) Deposit(userID string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	a := l.get(userID, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Balance = a.state.Balance.Add(amount)
	l.touch(a)
	return a.state, nil
}

// Withdraw debits external cash from the unencumbered balance.
func (l *Ledger) Withdraw(userID string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	a := l.get(userID, false)
	if a == nil {
		return model.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Balance.LessThan(amount) {
		return model.Account{}, fmt.Errorf("%w: balance %s, requested %s",
			ErrInsufficientFunds, a.state.Balance, amount)
	}
	a.state.Balance = a.state.Balance.Sub(amount)
	l.touch(a)
	return a.state, nil
}

// CreditShares records an external transfer-in of shares at cost price,
// blending the position's average cost.
func (l *Ledger) CreditShares(userID, symbol string, qty, price decimal.Decimal) (model.Position, error) {
	if !qty.IsPositive() || price.IsNegative() {
		return model.Position{}, ErrInvalidAmount
	}
	a := l.get(userID, true)
	a.mu.Lock()
	p, ok := a.positions[symbol]
	if !ok {
		p = &position{
			state: model.Position{UserID: userID, Symbol: symbol},
			holds: make(map[string]decimal.Decimal),
		}
		a.positions[symbol] = p
	}
	cost := p.state.AvgPrice.Mul(p.state.Quantity).Add(price.Mul(qty))
	p.state.Quantity = p.state.Quantity.Add(qty)
	p.state.AvgPrice = cost.Div(p.state.Quantity)
	l.touchPosition(a, p)
	state := p.state
	a.mu.Unlock()

	if !ok {
		l.index(symbol, userID)
	}
	return state, nil
}

// ReserveForBuy moves amount from the balance into a hold owned by orderID.
func (l *Ledger) ReserveForBuy(userID, orderID string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	a := l.get(userID, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Balance.LessThan(amount) {
		return model.Account{}, fmt.Errorf("%w: balance %s, required %s",
			ErrInsufficientFunds, a.state.Balance, amount)
	}
	a.state.Balance = a.state.Balance.Sub(amount)
	a.state.ReservedBalance = a.state.ReservedBalance.Add(amount)
	a.holds[orderID] = a.holds[orderID].Add(amount)
	l.touch(a)
	return a.state, nil
}

// ReleaseReservation returns amount of orderID's hold to the balance.
// Releasing more than the order holds panics.
func (l *Ledger) ReleaseReservation(userID, orderID string, amount decimal.Decimal) (model.Account, error) {
	a := l.get(userID, false)
	if a == nil {
		return model.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releaseCash(orderID, amount)
	l.touch(a)
	return a.state, nil
}

// ReserveShares earmarks qty shares of symbol for a SELL order.
func (l *Ledger) ReserveShares(userID, symbol, orderID string, qty decimal.Decimal) (model.Position, error) {
	if !qty.IsPositive() {
		return model.Position{}, ErrInvalidAmount
	}
	a := l.get(userID, false)
	if a == nil {
		return model.Position{}, fmt.Errorf("%w: no %s position", ErrInsufficientShares, symbol)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: no %s position", ErrInsufficientShares, symbol)
	}
	if avail := p.state.Available(); avail.LessThan(qty) {
		return model.Position{}, fmt.Errorf("%w: available %s, required %s",
			ErrInsufficientShares, avail, qty)
	}
	p.state.ReservedQuantity = p.state.ReservedQuantity.Add(qty)
	p.holds[orderID] = p.holds[orderID].Add(qty)
	l.touchPosition(a, p)
	return p.state, nil
}

// ReleaseShares returns qty of orderID's share hold to the available pool.
func (l *Ledger) ReleaseShares(userID, symbol, orderID string, qty decimal.Decimal) (model.Position, error) {
	a := l.get(userID, false)
	if a == nil {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[symbol]
	if !ok {
		panic(fmt.Sprintf("ledger: release of %s shares for order %s without a position", symbol, orderID))
	}
	p.releaseShares(orderID, qty)
	l.touchPosition(a, p)
	return p.state, nil
}

// Release is what ReleaseOrder gave back.
type Release struct {
	Cash     decimal.Decimal
	Shares   decimal.Decimal
	Account  model.Account
	Position *model.Position
}

// ReleaseOrder frees every hold orderID still owns: the remaining cash hold
// of a BUY or the remaining share hold of a SELL.
func (l *Ledger) ReleaseOrder(userID, symbol, orderID string) Release {
	a := l.get(userID, false)
	if a == nil {
		return Release{Cash: decimal.Zero, Shares: decimal.Zero}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	rel := Release{Cash: a.holds[orderID], Shares: decimal.Zero}
	if rel.Cash.IsPositive() {
		a.releaseCash(orderID, rel.Cash)
	}
	if p, ok := a.positions[symbol]; ok {
		rel.Shares = p.holds[orderID]
		if rel.Shares.IsPositive() {
			p.releaseShares(orderID, rel.Shares)
			l.touchPosition(a, p)
		}
		ps := p.state
		rel.Position = &ps
	}
	l.touch(a)
	rel.Account = a.state
	return rel
}

// Fill is one matched quantity between a buy order and a sell order.
type Fill struct {
	Symbol      string
	BuyerID     string
	BuyOrderID  string
	SellerID    string
	SellOrderID string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	// BuyFinal marks the buy order as complete after this fill; its leftover
	// cash hold is refunded.
	BuyFinal bool
}

// Settlement is the post-fill state of both counterparties.
type Settlement struct {
	Buyer          model.Account
	Seller         model.Account
	BuyerPosition  model.Position
	SellerPosition model.Position
	BuyHold        decimal.Decimal // cash still held for the buy order
	Refund         decimal.Decimal // leftover hold returned on a final fill
	Realized       decimal.Decimal // seller's realized P&L on this fill
}

// SettleFill applies one fill to both accounts as a single atomic unit.
func (l *Ledger) SettleFill(f Fill) Settlement {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		panic(fmt.Sprintf("ledger: fill with non-positive price %s or quantity %s", f.Price, f.Quantity))
	}
	buyer := l.get(f.BuyerID, true)
	seller := l.get(f.SellerID, false)
	if seller == nil {
		panic(fmt.Sprintf("ledger: seller %s has no account", f.SellerID))
	}

	created := false
	unlock := lockPair(buyer, seller)
	defer func() {
		unlock()
		if created {
			l.index(f.Symbol, f.BuyerID)
		}
	}()

	spent := f.Price.Mul(f.Quantity)
	now := l.now()

	// Seller side first so a self-match never sees its own buy quantity.
	sp, ok := seller.positions[f.Symbol]
	if !ok {
		panic(fmt.Sprintf("ledger: seller %s has no %s position", f.SellerID, f.Symbol))
	}
	sp.releaseShares(f.SellOrderID, f.Quantity)
	realized := f.Price.Sub(sp.state.AvgPrice).Mul(f.Quantity)
	sp.state.Quantity = sp.state.Quantity.Sub(f.Quantity)
	sp.state.RealizedPnL = sp.state.RealizedPnL.Add(realized)
	if sp.state.Quantity.IsZero() {
		sp.state.AvgPrice = decimal.Zero
	}
	sp.markTo(f.Price)
	seller.state.Balance = seller.state.Balance.Add(spent)

	// Buyer side.
	held := buyer.holds[f.BuyOrderID]
	if held.LessThan(spent) {
		panic(fmt.Sprintf("ledger: buy order %s holds %s but fill spends %s", f.BuyOrderID, held, spent))
	}
	buyer.consumeCash(f.BuyOrderID, spent)
	refund := decimal.Zero
	if f.BuyFinal {
		refund = buyer.holds[f.BuyOrderID]
		if refund.IsPositive() {
			buyer.releaseCash(f.BuyOrderID, refund)
		}
		delete(buyer.holds, f.BuyOrderID)
	}

	bp, ok := buyer.positions[f.Symbol]
	if !ok {
		bp = &position{
			state: model.Position{
				UserID:           f.BuyerID,
				Symbol:           f.Symbol,
				Quantity:         f.Quantity,
				ReservedQuantity: decimal.Zero,
				AvgPrice:         f.Price,
				RealizedPnL:      decimal.Zero,
			},
			holds: make(map[string]decimal.Decimal),
		}
		buyer.positions[f.Symbol] = bp
		created = true
	} else {
		oldCost := bp.state.AvgPrice.Mul(bp.state.Quantity)
		newQty := bp.state.Quantity.Add(f.Quantity)
		bp.state.AvgPrice = oldCost.Add(spent).Div(newQty)
		bp.state.Quantity = newQty
	}
	bp.markTo(f.Price)

	for _, a := range []*account{buyer, seller} {
		a.state.Version++
		a.state.UpdatedAt = now
		a.check()
	}
	for _, p := range []*position{sp, bp} {
		p.state.Version++
		p.state.UpdatedAt = now
	}

	return Settlement{
		Buyer:          buyer.state,
		Seller:         seller.state,
		BuyerPosition:  bp.state,
		SellerPosition: sp.state,
		BuyHold:        buyer.holds[f.BuyOrderID],
		Refund:         refund,
		Realized:       realized,
	}
}

// MarkToMarket recomputes unrealized P&L of every position in symbol and
// returns how many positions were touched.
func (l *Ledger) MarkToMarket(symbol string, price decimal.Decimal) int {
	l.mu.RLock()
	users := make([]string, 0, len(l.bySymbol[symbol]))
	for uid := range l.bySymbol[symbol] {
		users = append(users, uid)
	}
	l.mu.RUnlock()

	n := 0
	for _, uid := range users {
		a := l.get(uid, false)
		if a == nil {
			continue
		}
		a.mu.Lock()
		if p, ok := a.positions[symbol]; ok {
			p.markTo(price)
			n++
		}
		a.mu.Unlock()
	}
	return n
}

// Totals sums cash (balance + reserved) across all accounts and share
// quantity per symbol.
func (l *Ledger) Totals() (decimal.Decimal, map[string]decimal.Decimal) {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()

	cash := decimal.Zero
	shares := make(map[string]decimal.Decimal)
	for _, a := range accts {
		a.mu.Lock()
		cash = cash.Add(a.state.Total())
		for sym, p := range a.positions {
			shares[sym] = shares[sym].Add(p.state.Quantity)
		}
		a.mu.Unlock()
	}
	return cash, shares
}

// Restore loads persisted state. Holds are rebuilt from the resting orders:
// a BUY holds its ReservedAmount, a SELL holds its remaining quantity. MARKET
// orders never rest and released their holds when they finished, so they
// are skipped even when left PARTIAL.
func (l *Ledger) Restore(accounts []model.Account, positions []model.Position, resting []model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, st := range accounts {
		a := newAccount(st.UserID, st.Balance, st.UpdatedAt)
		a.state = st
		l.accounts[st.UserID] = a
	}
	for _, ps := range positions {
		a, ok := l.accounts[ps.UserID]
		if !ok {
			a = newAccount(ps.UserID, decimal.Zero, ps.UpdatedAt)
			l.accounts[ps.UserID] = a
		}
		a.positions[ps.Symbol] = &position{state: ps, holds: make(map[string]decimal.Decimal)}
		users, ok := l.bySymbol[ps.Symbol]
		if !ok {
			users = make(map[string]struct{})
			l.bySymbol[ps.Symbol] = users
		}
		users[ps.UserID] = struct{}{}
	}
	for _, o := range resting {
		if o.Type != model.TypeLimit {
			continue
		}
		a, ok := l.accounts[o.UserID]
		if !ok {
			return fmt.Errorf("%w: order %s belongs to unknown account %s", ErrHoldMismatch, o.ID, o.UserID)
		}
		switch o.Side {
		case model.SideBuy:
			if o.ReservedAmount.IsPositive() {
				a.holds[o.ID] = o.ReservedAmount
			}
		case model.SideSell:
			p, ok := a.positions[o.Symbol]
			if !ok {
				return fmt.Errorf("%w: sell order %s has no %s position", ErrHoldMismatch, o.ID, o.Symbol)
			}
			p.holds[o.ID] = o.Remaining()
		}
	}
	for _, a := range l.accounts {
		if err := a.verify(); err != nil {
			return err
		}
	}
	return nil
}

// lockPair locks two accounts in ascending user-id order and returns the
// matching unlock.
func lockPair(x, y *account) func() {
	if x == y {
		x.mu.Lock()
		return x.mu.Unlock
	}
	first, second := x, y
	if second.state.UserID < first.state.UserID {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func (l *Ledger) touch(a *account) {
	a.state.Version++
	a.state.UpdatedAt = l.now()
	a.check()
}

func (l *Ledger) touchPosition(a *account, p *position) {
	p.state.Version++
	p.state.UpdatedAt = l.now()
	a.check()
}

// consumeCash removes spent from an order hold without returning it to the
// balance: the cash has left the account.
func (a *account) consumeCash(orderID string, spent decimal.Decimal) {
	held := a.holds[orderID]
	if held.LessThan(spent) {
		panic(fmt.Sprintf("ledger: order %s consumes %s but holds %s", orderID, spent, held))
	}
	a.holds[orderID] = held.Sub(spent)
	a.state.ReservedBalance = a.state.ReservedBalance.Sub(spent)
}

// releaseCash returns part of an order hold to the balance.
func (a *account) releaseCash(orderID string, amount decimal.Decimal) {
	held := a.holds[orderID]
	if amount.IsNegative() || held.LessThan(amount) {
		panic(fmt.Sprintf("ledger: release of %s from order %s holding %s", amount, orderID, held))
	}
	rest := held.Sub(amount)
	if rest.IsZero() {
		delete(a.holds, orderID)
	} else {
		a.holds[orderID] = rest
	}
	a.state.ReservedBalance = a.state.ReservedBalance.Sub(amount)
	a.state.Balance = a.state.Balance.Add(amount)
}

func (p *position) releaseShares(orderID string, qty decimal.Decimal) {
	held := p.holds[orderID]
	if qty.IsNegative() || held.LessThan(qty) {
		panic(fmt.Sprintf("ledger: release of %s %s shares from order %s holding %s",
			qty, p.state.Symbol, orderID, held))
	}
	rest := held.Sub(qty)
	if rest.IsZero() {
		delete(p.holds, orderID)
	} else {
		p.holds[orderID] = rest
	}
	p.state.ReservedQuantity = p.state.ReservedQuantity.Sub(qty)
}

func (p *position) markTo(price decimal.Decimal) {
	p.state.UnrealizedPnL = price.Sub(p.state.AvgPrice).Mul(p.state.Quantity)
}

// check panics if the account's counters disagree with its holds.
func (a *account) check() {
	if err := a.verify(); err != nil {
		panic(err.Error())
	}
}

func (a *account) verify() error {
	s := a.state
	if s.Balance.IsNegative() || s.ReservedBalance.IsNegative() {
		return fmt.Errorf("ledger: invariant violated: account %s balance %s reserved %s",
			s.UserID, s.Balance, s.ReservedBalance)
	}
	sum := decimal.Zero
	for _, h := range a.holds {
		sum = sum.Add(h)
	}
	if !sum.Equal(s.ReservedBalance) {
		return fmt.Errorf("ledger: invariant violated: account %s reserved %s but holds sum to %s",
			s.UserID, s.ReservedBalance, sum)
	}
	for sym, p := range a.positions {
		ps := p.state
		if ps.Quantity.IsNegative() || ps.ReservedQuantity.IsNegative() ||
			ps.ReservedQuantity.GreaterThan(ps.Quantity) {
			return fmt.Errorf("ledger: invariant violated: %s/%s quantity %s reserved %s",
				s.UserID, sym, ps.Quantity, ps.ReservedQuantity)
		}
		shares := decimal.Zero
		for _, h := range p.holds {
			shares = shares.Add(h)
		}
		if !shares.Equal(ps.ReservedQuantity) {
			return fmt.Errorf("ledger: invariant violated: %s/%s reserved %s but share holds sum to %s",
				s.UserID, sym, ps.ReservedQuantity, shares)
		}
	}
	return nil
}
