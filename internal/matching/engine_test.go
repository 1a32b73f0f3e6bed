package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/model"
	"github.com/Shriprakashbharti/TradePros/internal/orderbook"
	"github.com/Shriprakashbharti/TradePros/internal/risk"
	"github.com/Shriprakashbharti/TradePros/internal/store"
	"github.com/Shriprakashbharti/TradePros/internal/stream"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRegistry(t *testing.T) *instrument.Registry {
	t.Helper()
	reg := instrument.NewRegistry()
	err := reg.Seed([]model.Instrument{
		{Symbol: "RELIANCE", Name: "Reliance Industries", TickSize: d("0.05"), LotSize: d("1"), LastPrice: d("2500"), Active: true},
		{Symbol: "TCS", Name: "Tata Consultancy Services", TickSize: d("0.05"), LotSize: d("1"), LastPrice: d("100"), Active: true},
		{Symbol: "BTCINR", Name: "Bitcoin", TickSize: d("1"), LotSize: d("0.001"), Active: true},
		{Symbol: "HALTED", Name: "Halted Co", TickSize: d("0.05"), LotSize: d("1"), LastPrice: d("10"), Active: false},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return reg
}

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	events *stream.Recorder
	store  *store.MemoryStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	l := ledger.New()
	rec := &stream.Recorder{}
	st := store.NewMemoryStore()
	e := New(testRegistry(t), l, orderbook.NewBooks(), rec, append([]Option{WithStore(st)}, opts...)...)
	return &harness{engine: e, ledger: l, events: rec, store: st}
}

// order returns an order from the engine if it still rests, else from the store.
func (h *harness) order(t *testing.T, id string) model.Order {
	t.Helper()
	if o, ok := h.engine.Order(id); ok {
		return o
	}
	o, err := h.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("order %s: %v", id, err)
	}
	return o
}

func (h *harness) limit(t *testing.T, user, symbol string, side model.Side, price, qty string) model.Order {
	t.Helper()
	o, err := h.engine.Submit(context.Background(), SubmitRequest{
		UserID: user, Symbol: symbol, Side: side, Type: model.TypeLimit,
		Price: d(price), Quantity: d(qty),
	})
	if err != nil {
		t.Fatalf("submit %s %s %s@%s: %v", user, side, qty, price, err)
	}
	return o
}

func (h *harness) market(t *testing.T, user, symbol string, side model.Side, qty string) model.Order {
	t.Helper()
	o, err := h.engine.Submit(context.Background(), SubmitRequest{
		UserID: user, Symbol: symbol, Side: side, Type: model.TypeMarket, Quantity: d(qty),
	})
	if err != nil {
		t.Fatalf("submit market %s %s %s: %v", user, side, qty, err)
	}
	return o
}

func (h *harness) account(t *testing.T, user string) model.Account {
	t.Helper()
	a, ok := h.ledger.Account(user)
	if !ok {
		t.Fatalf("account %s not found", user)
	}
	return a
}

func TestSubmit_RestThenCross(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("100000"))
	h.ledger.CreditShares("bob", "RELIANCE", d("100"), d("2400"))

	sell := h.limit(t, "bob", "RELIANCE", model.SideSell, "2500", "10")
	if sell.Status != model.StatusOpen {
		t.Fatalf("expected OPEN, got %s", sell.Status)
	}

	buy := h.limit(t, "alice", "reliance", model.SideBuy, "2505", "10")
	if buy.Status != model.StatusFilled {
		t.Fatalf("expected FILLED, got %s", buy.Status)
	}
	if !buy.AvgFillPrice.Equal(d("2500")) {
		t.Errorf("expected fill at resting price 2500, got %s", buy.AvgFillPrice)
	}
	if !buy.ReservedAmount.IsZero() {
		t.Errorf("filled buy still holds %s", buy.ReservedAmount)
	}

	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("75000")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("alice: expected 75000/0, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
	bob := h.account(t, "bob")
	if !bob.Balance.Equal(d("25000")) {
		t.Errorf("bob: expected 25000, got %s", bob.Balance)
	}

	pos, _ := h.ledger.Position("alice", "RELIANCE")
	if !pos.Quantity.Equal(d("10")) || !pos.AvgPrice.Equal(d("2500")) {
		t.Errorf("alice position: expected 10 @ 2500, got %s @ %s", pos.Quantity, pos.AvgPrice)
	}
	bpos, _ := h.ledger.Position("bob", "RELIANCE")
	if !bpos.Quantity.Equal(d("90")) || !bpos.ReservedQuantity.IsZero() {
		t.Errorf("bob position: expected 90/0, got %s/%s", bpos.Quantity, bpos.ReservedQuantity)
	}
	if !bpos.RealizedPnL.Equal(d("1000")) {
		t.Errorf("bob realized: expected 1000, got %s", bpos.RealizedPnL)
	}

	if _, ok := h.engine.Order(sell.ID); ok {
		t.Error("filled order must leave the live index")
	}
	if resting := h.order(t, sell.ID); resting.Status != model.StatusFilled {
		t.Errorf("resting sell: expected FILLED, got %+v", resting)
	}
	snap, err := h.engine.Snapshot("RELIANCE", 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Errorf("expected empty book, got %+v", snap)
	}

	trades := h.events.OfType(stream.TypeTradeRecorded)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trade events, got %d", len(trades))
	}
	topics := map[string]bool{}
	for _, ev := range trades {
		topics[ev.Topic] = true
	}
	if !topics["user:alice"] || !topics["user:bob"] {
		t.Errorf("expected trade events for both users, got %v", topics)
	}
	books := h.events.OfType(stream.TypeOrderBookUpdated)
	if len(books) == 0 || books[len(books)-1].Topic != "symbol:RELIANCE" {
		t.Errorf("expected orderbook update on symbol:RELIANCE, got %+v", books)
	}
}

func TestSubmit_PriceTimePriority(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("10000"))
	for _, u := range []string{"bob", "carol", "dave"} {
		h.ledger.CreditShares(u, "TCS", d("10"), d("90"))
	}

	bob := h.limit(t, "bob", "TCS", model.SideSell, "101", "5")
	carol := h.limit(t, "carol", "TCS", model.SideSell, "100", "5")
	dave := h.limit(t, "dave", "TCS", model.SideSell, "100", "5")

	buy := h.limit(t, "alice", "TCS", model.SideBuy, "101", "12")
	if buy.Status != model.StatusFilled {
		t.Fatalf("expected FILLED, got %s", buy.Status)
	}

	for _, tc := range []struct {
		id     string
		status model.OrderStatus
		filled string
	}{
		{carol.ID, model.StatusFilled, "5"},
		{dave.ID, model.StatusFilled, "5"},
		{bob.ID, model.StatusPartial, "2"},
	} {
		o := h.order(t, tc.id)
		if o.Status != tc.status || !o.FilledQuantity.Equal(d(tc.filled)) {
			t.Errorf("order %s (%s): expected %s filled %s, got %s filled %s",
				tc.id, o.UserID, tc.status, tc.filled, o.Status, o.FilledQuantity)
		}
	}

	// 5@100 + 5@100 + 2@101; the extra 10 held at 101 is refunded.
	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("8798")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("alice: expected 8798/0, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("bob", "TCS", d("5"), d("90"))

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"unknown symbol", SubmitRequest{UserID: "alice", Symbol: "NOPE", Side: model.SideBuy, Type: model.TypeLimit, Price: d("1"), Quantity: d("1")}, ErrUnknownSymbol},
		{"malformed symbol", SubmitRequest{UserID: "alice", Symbol: "bad$", Side: model.SideBuy, Type: model.TypeLimit, Price: d("1"), Quantity: d("1")}, ErrUnknownSymbol},
		{"inactive symbol", SubmitRequest{UserID: "alice", Symbol: "HALTED", Side: model.SideBuy, Type: model.TypeLimit, Price: d("1"), Quantity: d("1")}, ErrUnknownSymbol},
		{"missing user", SubmitRequest{Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("1")}, ErrInvalidUser},
		{"bad side", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: "HOLD", Type: model.TypeLimit, Price: d("100"), Quantity: d("1")}, ErrInvalidOrder},
		{"limit without price", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Quantity: d("1")}, ErrPriceRequired},
		{"negative price", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("-1"), Quantity: d("1")}, ErrInvalidPrice},
		{"off tick", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100.03"), Quantity: d("1")}, ErrInvalidPrice},
		{"zero quantity", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("0")}, ErrInvalidQuantity},
		{"off lot", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("1.5")}, ErrInvalidQuantity},
		{"market without last price", SubmitRequest{UserID: "alice", Symbol: "BTCINR", Side: model.SideBuy, Type: model.TypeMarket, Quantity: d("0.001")}, ErrNoMarketPrice},
		{"insufficient funds", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("11")}, ErrInsufficientFunds},
		{"insufficient shares", SubmitRequest{UserID: "bob", Symbol: "TCS", Side: model.SideSell, Type: model.TypeLimit, Price: d("100"), Quantity: d("6")}, ErrInsufficientShares},
		{"no shares at all", SubmitRequest{UserID: "alice", Symbol: "TCS", Side: model.SideSell, Type: model.TypeMarket, Quantity: d("1")}, ErrInsufficientShares},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Submit(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("1000")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("rejections must not touch alice: %s/%s", alice.Balance, alice.ReservedBalance)
	}
	bob, _ := h.ledger.Position("bob", "TCS")
	if !bob.ReservedQuantity.IsZero() {
		t.Errorf("rejections must not reserve shares, got %s", bob.ReservedQuantity)
	}
	if n := len(h.events.Events()); n != 0 {
		t.Errorf("rejections must not publish, got %d events", n)
	}
}

func TestSubmit_RiskLimit(t *testing.T) {
	h := newHarness(t, WithLimiter(risk.NewPositionLimiter(d("500"), d("20"))))
	h.ledger.Deposit("alice", d("100000"))

	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		UserID: "alice", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("6"),
	})
	if !errors.Is(err, ErrRiskLimit) || !errors.Is(err, risk.ErrOrderNotionalExceeded) {
		t.Fatalf("expected notional risk rejection, got %v", err)
	}

	h.limit(t, "alice", "TCS", model.SideBuy, "100", "5")
	alice := h.account(t, "alice")
	if !alice.ReservedBalance.Equal(d("500")) {
		t.Errorf("expected 500 reserved, got %s", alice.ReservedBalance)
	}
}

func TestSubmit_PartialFillRestsWithHold(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("bob", "TCS", d("10"), d("90"))

	buy := h.limit(t, "alice", "TCS", model.SideBuy, "100", "10")
	sell := h.limit(t, "bob", "TCS", model.SideSell, "99", "4")
	if sell.Status != model.StatusFilled || !sell.AvgFillPrice.Equal(d("100")) {
		t.Fatalf("expected sell FILLED at resting 100, got %s @ %s", sell.Status, sell.AvgFillPrice)
	}

	o, ok := h.engine.Order(buy.ID)
	if !ok || o.Status != model.StatusPartial || !o.FilledQuantity.Equal(d("4")) {
		t.Fatalf("expected PARTIAL 4, got %s %s", o.Status, o.FilledQuantity)
	}
	if !o.ReservedAmount.Equal(d("600")) || !h.ledger.Hold("alice", buy.ID).Equal(d("600")) {
		t.Errorf("expected 600 still held, got order %s ledger %s", o.ReservedAmount, h.ledger.Hold("alice", buy.ID))
	}
	alice := h.account(t, "alice")
	if !alice.Balance.IsZero() || !alice.ReservedBalance.Equal(d("600")) {
		t.Errorf("alice: expected 0/600, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
	if bob := h.account(t, "bob"); !bob.Balance.Equal(d("400")) {
		t.Errorf("bob: expected 400, got %s", bob.Balance)
	}

	snap, _ := h.engine.Snapshot("TCS", 5)
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("6")) {
		t.Errorf("expected one bid level of 6, got %+v", snap.Bids)
	}
}

func TestSubmit_PriceImprovementRefund(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("bob", "TCS", d("10"), d("90"))

	h.limit(t, "bob", "TCS", model.SideSell, "99", "10")
	h.limit(t, "alice", "TCS", model.SideBuy, "100", "10")

	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("10")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("expected 10 refunded, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
}

func TestSubmit_MarketBuyTopsUpHoldFromBalance(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("20000"))
	h.ledger.CreditShares("bob", "RELIANCE", d("20"), d("2400"))

	h.limit(t, "bob", "RELIANCE", model.SideSell, "2490", "3")
	ask := h.limit(t, "bob", "RELIANCE", model.SideSell, "2600", "10")

	// Holds 5 × 2500 = 12500 but the walk costs 3 × 2490 + 2 × 2600 = 12670;
	// the 170 shortfall comes out of free balance.
	o := h.market(t, "alice", "RELIANCE", model.SideBuy, "5")
	if o.Status != model.StatusFilled || !o.FilledQuantity.Equal(d("5")) {
		t.Fatalf("expected FILLED 5, got %s %s", o.Status, o.FilledQuantity)
	}
	if !o.AvgFillPrice.Equal(d("2534")) {
		t.Errorf("expected avg 2534, got %s", o.AvgFillPrice)
	}
	if !o.ReservedAmount.IsZero() || !h.ledger.Hold("alice", o.ID).IsZero() {
		t.Errorf("filled market buy must hold nothing, got order %s ledger %s", o.ReservedAmount, h.ledger.Hold("alice", o.ID))
	}

	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("7330")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("alice: expected 7330/0, got %s/%s", alice.Balance, alice.ReservedBalance)
	}

	rest, ok := h.engine.Order(ask.ID)
	if !ok || rest.Status != model.StatusPartial || !rest.Remaining().Equal(d("8")) {
		t.Errorf("expected 2600 ask PARTIAL with 8 left, got %s %s", rest.Status, rest.Remaining())
	}
	inst, _ := h.engine.registry.Get("RELIANCE")
	if !inst.LastPrice.Equal(d("2600")) {
		t.Errorf("expected last price 2600, got %s", inst.LastPrice)
	}
}

func TestSubmit_MarketBuyStopsWhenCashRunsOut(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("12600"))
	h.ledger.CreditShares("bob", "RELIANCE", d("20"), d("2400"))

	h.limit(t, "bob", "RELIANCE", model.SideSell, "2490", "3")
	ask := h.limit(t, "bob", "RELIANCE", model.SideSell, "2600", "10")

	// 12500 held plus 100 free. After 3 @ 2490 the 5130 left buys one share
	// at 2600 and not a second.
	o := h.market(t, "alice", "RELIANCE", model.SideBuy, "5")
	if o.Status != model.StatusPartial || !o.FilledQuantity.Equal(d("4")) {
		t.Fatalf("expected PARTIAL 4, got %s %s", o.Status, o.FilledQuantity)
	}
	if !o.AvgFillPrice.Equal(d("2517.5")) {
		t.Errorf("expected avg 2517.5, got %s", o.AvgFillPrice)
	}
	if !o.ReservedAmount.IsZero() || !h.ledger.Hold("alice", o.ID).IsZero() {
		t.Errorf("market remainder must release its hold")
	}

	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("2530")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("alice: expected 2530/0, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
	if rest, _ := h.engine.Order(ask.ID); !rest.Remaining().Equal(d("9")) {
		t.Errorf("expected 9 left on the 2600 ask, got %s", rest.Remaining())
	}
	if _, ok := h.engine.Order(o.ID); ok {
		t.Error("market orders must not stay in the live index")
	}
}

func TestSubmit_MarketWithoutLiquidityCancels(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))

	o := h.market(t, "alice", "TCS", model.SideBuy, "5")
	if o.Status != model.StatusCancelled || !o.FilledQuantity.IsZero() {
		t.Fatalf("expected CANCELLED, got %s %s", o.Status, o.FilledQuantity)
	}
	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("1000")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("expected full release, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
	snap, _ := h.engine.Snapshot("TCS", 0)
	if len(snap.Bids) != 0 {
		t.Errorf("market orders must never rest, got %+v", snap.Bids)
	}
}

func TestSubmit_MarketSellReleasesRemainder(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("bob", "TCS", d("10"), d("90"))

	h.limit(t, "alice", "TCS", model.SideBuy, "100", "3")
	o := h.market(t, "bob", "TCS", model.SideSell, "5")
	if o.Status != model.StatusPartial || !o.FilledQuantity.Equal(d("3")) {
		t.Fatalf("expected PARTIAL 3, got %s %s", o.Status, o.FilledQuantity)
	}
	pos, _ := h.ledger.Position("bob", "TCS")
	if !pos.Quantity.Equal(d("7")) || !pos.ReservedQuantity.IsZero() {
		t.Errorf("bob: expected 7/0, got %s/%s", pos.Quantity, pos.ReservedQuantity)
	}
}

func TestSubmit_SelfMatchIsNeutral(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("alice", "TCS", d("5"), d("100"))

	h.limit(t, "alice", "TCS", model.SideBuy, "100", "5")
	sell := h.limit(t, "alice", "TCS", model.SideSell, "100", "5")
	if sell.Status != model.StatusFilled {
		t.Fatalf("expected FILLED, got %s", sell.Status)
	}

	alice := h.account(t, "alice")
	if !alice.Total().Equal(d("1000")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("expected cash 1000 unencumbered, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
	pos, _ := h.ledger.Position("alice", "TCS")
	if !pos.Quantity.Equal(d("5")) || !pos.ReservedQuantity.IsZero() {
		t.Errorf("expected 5 shares unencumbered, got %s/%s", pos.Quantity, pos.ReservedQuantity)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.CreditShares("bob", "TCS", d("10"), d("90"))
	ctx := context.Background()

	buy := h.limit(t, "alice", "TCS", model.SideBuy, "100", "5")

	if h.engine.Cancel(ctx, buy.ID, "mallory") {
		t.Fatal("cancel by another user must fail")
	}
	if h.engine.Cancel(ctx, "no-such-order", "alice") {
		t.Fatal("cancel of unknown order must fail")
	}
	if !h.engine.Cancel(ctx, buy.ID, "alice") {
		t.Fatal("expected cancel to succeed")
	}
	if h.engine.Cancel(ctx, buy.ID, "alice") {
		t.Fatal("second cancel must report false")
	}

	o := h.order(t, buy.ID)
	if o.Status != model.StatusCancelled || !o.ReservedAmount.IsZero() {
		t.Errorf("expected CANCELLED with no hold, got %s %s", o.Status, o.ReservedAmount)
	}
	alice := h.account(t, "alice")
	if !alice.Balance.Equal(d("1000")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("expected full release, got %s/%s", alice.Balance, alice.ReservedBalance)
	}

	sell := h.limit(t, "bob", "TCS", model.SideSell, "100", "4")
	if !h.engine.Cancel(ctx, sell.ID, "bob") {
		t.Fatal("expected sell cancel to succeed")
	}
	pos, _ := h.ledger.Position("bob", "TCS")
	if !pos.ReservedQuantity.IsZero() {
		t.Errorf("expected shares released, got %s", pos.ReservedQuantity)
	}

	h.limit(t, "alice", "TCS", model.SideBuy, "100", "2")
	filled := h.limit(t, "bob", "TCS", model.SideSell, "100", "2")
	if h.engine.Cancel(ctx, filled.ID, "bob") {
		t.Error("cancel of a filled order must fail")
	}
}

func TestRestore_ResumesFromStore(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	st := h.store
	h.ledger.Deposit("alice", d("1000"))
	h.ledger.Deposit("carol", d("1000"))
	if _, err := h.engine.SeedHoldings(ctx, []model.Position{
		{UserID: "bob", Symbol: "TCS", Quantity: d("10"), AvgPrice: d("90")},
		{UserID: "dave", Symbol: "TCS", Quantity: d("5"), AvgPrice: d("90")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A market sell left PARTIAL released its unfilled shares and must not
	// come back holding them.
	h.limit(t, "carol", "TCS", model.SideBuy, "100", "2")
	partial := h.market(t, "dave", "TCS", model.SideSell, "5")
	if partial.Status != model.StatusPartial {
		t.Fatalf("expected PARTIAL market sell, got %s", partial.Status)
	}

	buy := h.limit(t, "alice", "TCS", model.SideBuy, "100", "5")
	ask := h.limit(t, "bob", "TCS", model.SideSell, "101", "3")
	h.limit(t, "bob", "TCS", model.SideSell, "100", "2")

	trades, _ := st.ListTrades(ctx, store.TradeFilter{Symbol: "TCS"})
	if len(trades) != 4 {
		t.Fatalf("expected 4 persisted trades, got %d", len(trades))
	}

	l2 := ledger.New()
	e2 := New(testRegistry(t), l2, orderbook.NewBooks(), nil, WithStore(st))
	if err := e2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	o, ok := e2.Order(buy.ID)
	if !ok || o.Status != model.StatusPartial || !o.Remaining().Equal(d("3")) {
		t.Fatalf("expected restored PARTIAL buy with 3 left, got %+v", o)
	}
	if _, ok := e2.Order(ask.ID); !ok {
		t.Fatal("expected resting ask restored")
	}
	snap, _ := e2.Snapshot("TCS", 0)
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 || !snap.Asks[0].Price.Equal(d("101")) {
		t.Fatalf("unexpected restored book %+v", snap)
	}
	if !l2.Hold("alice", buy.ID).Equal(d("300")) {
		t.Errorf("expected hold 300, got %s", l2.Hold("alice", buy.ID))
	}
	if _, ok := e2.Order(partial.ID); ok {
		t.Error("market order must not be restored as live")
	}
	if dave, _ := l2.Position("dave", "TCS"); !dave.Quantity.Equal(d("3")) || !dave.ReservedQuantity.IsZero() {
		t.Errorf("dave: expected 3/0, got %s/%s", dave.Quantity, dave.ReservedQuantity)
	}
	if n, err := e2.SeedHoldings(ctx, []model.Position{{UserID: "bob", Symbol: "TCS", Quantity: d("10"), AvgPrice: d("90")}}); err != nil || n != 0 {
		t.Errorf("reseeding a restored position must be a no-op, got %d %v", n, err)
	}

	h2 := &harness{engine: e2, ledger: l2, store: st}
	sell := h2.limit(t, "bob", "TCS", model.SideSell, "100", "3")
	if sell.Seq <= o.Seq {
		t.Errorf("sequence must continue after restore: %d <= %d", sell.Seq, o.Seq)
	}
	done := h2.order(t, buy.ID)
	if done.Status != model.StatusFilled {
		t.Errorf("expected restored buy to fill, got %s", done.Status)
	}
	alice := h2.account(t, "alice")
	if !alice.Balance.Equal(d("500")) || !alice.ReservedBalance.IsZero() {
		t.Errorf("alice: expected 500/0, got %s/%s", alice.Balance, alice.ReservedBalance)
	}
}

func TestSeedHoldings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	n, err := h.engine.SeedHoldings(ctx, []model.Position{
		{UserID: "bob", Symbol: "tcs", Quantity: d("10"), AvgPrice: d("90")},
	})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 holding credited, got %d %v", n, err)
	}
	pos, ok := h.ledger.Position("bob", "TCS")
	if !ok || !pos.Quantity.Equal(d("10")) || !pos.AvgPrice.Equal(d("90")) {
		t.Fatalf("bob: expected 10 @ 90, got %+v", pos)
	}
	stored, _ := h.store.ListPositions(ctx)
	if len(stored) != 1 || !stored[0].Quantity.Equal(d("10")) {
		t.Errorf("expected seeded position persisted, got %+v", stored)
	}

	// Seeded shares are sellable.
	if sell := h.limit(t, "bob", "TCS", model.SideSell, "100", "4"); sell.Status != model.StatusOpen {
		t.Errorf("expected seeded shares to back a sell, got %s", sell.Status)
	}

	for _, tc := range []struct {
		name string
		pos  model.Position
		want error
	}{
		{"unknown symbol", model.Position{UserID: "u", Symbol: "NOPE", Quantity: d("1")}, ErrUnknownSymbol},
		{"no user", model.Position{Symbol: "TCS", Quantity: d("1")}, ErrInvalidUser},
		{"off lot", model.Position{UserID: "u", Symbol: "BTCINR", Quantity: d("0.0005")}, ErrInvalidQuantity},
	} {
		if _, err := h.engine.SeedHoldings(ctx, []model.Position{tc.pos}); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

// checkBook asserts the ledger and book agree and nothing was created or
// destroyed.
func checkBook(t interface {
	Helper()
	Fatalf(string, ...any)
}, e *Engine, l *ledger.Ledger, symbol string, users []string, cash0, shares0 decimal.Decimal) {
	t.Helper()

	cash, shares := l.Totals()
	if !cash.Equal(cash0) {
		t.Fatalf("cash not conserved: %s != %s", cash, cash0)
	}
	if !shares[symbol].Equal(shares0) {
		t.Fatalf("shares not conserved: %s != %s", shares[symbol], shares0)
	}

	book := e.books.Get(symbol)
	bid, okb := book.BestPrice(model.SideBuy)
	ask, oka := book.BestPrice(model.SideSell)
	if okb && oka && !bid.LessThan(ask) {
		t.Fatalf("book crossed: bid %s >= ask %s", bid, ask)
	}

	heldCash := map[string]decimal.Decimal{}
	heldShares := map[string]decimal.Decimal{}
	for _, o := range book.Orders() {
		if o.Type != model.TypeLimit || o.Status.Terminal() || !o.Remaining().IsPositive() {
			t.Fatalf("invalid resting order %+v", *o)
		}
		if o.Side == model.SideBuy {
			if !l.Hold(o.UserID, o.ID).Equal(o.ReservedAmount) {
				t.Fatalf("order %s holds %s, ledger %s", o.ID, o.ReservedAmount, l.Hold(o.UserID, o.ID))
			}
			if o.ReservedAmount.LessThan(o.Price.Mul(o.Remaining())) {
				t.Fatalf("order %s underfunded: %s < %s", o.ID, o.ReservedAmount, o.Price.Mul(o.Remaining()))
			}
			heldCash[o.UserID] = heldCash[o.UserID].Add(o.ReservedAmount)
		} else {
			heldShares[o.UserID] = heldShares[o.UserID].Add(o.Remaining())
		}
	}
	for _, u := range users {
		a, _ := l.Account(u)
		if !a.ReservedBalance.Equal(heldCash[u]) {
			t.Fatalf("%s reserved %s, resting buys hold %s", u, a.ReservedBalance, heldCash[u])
		}
		if a.Balance.IsNegative() {
			t.Fatalf("%s balance negative: %s", u, a.Balance)
		}
		p, _ := l.Position(u, symbol)
		if !p.ReservedQuantity.Equal(heldShares[u]) {
			t.Fatalf("%s reserved %s shares, resting sells hold %s", u, p.ReservedQuantity, heldShares[u])
		}
		if p.Quantity.LessThan(p.ReservedQuantity) {
			t.Fatalf("%s oversold: %s < %s", u, p.Quantity, p.ReservedQuantity)
		}
	}
}

func TestSubmit_ConcurrentConservation(t *testing.T) {
	h := newHarness(t)
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		h.ledger.Deposit(u, d("100000"))
		h.ledger.CreditShares(u, "TCS", d("500"), d("100"))
	}
	cash0, shares0 := d("400000"), d("2000")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			user := users[g%len(users)]
			var mine []string
			for i := 0; i < 200; i++ {
				if len(mine) > 0 && rng.Intn(5) == 0 {
					h.engine.Cancel(context.Background(), mine[rng.Intn(len(mine))], user)
					continue
				}
				req := SubmitRequest{
					UserID:   user,
					Symbol:   "TCS",
					Side:     model.SideBuy,
					Type:     model.TypeLimit,
					Price:    decimal.NewFromInt(int64(95 + rng.Intn(11))),
					Quantity: decimal.NewFromInt(int64(1 + rng.Intn(10))),
				}
				if rng.Intn(2) == 0 {
					req.Side = model.SideSell
				}
				if rng.Intn(6) == 0 {
					req.Type = model.TypeMarket
				}
				o, err := h.engine.Submit(context.Background(), req)
				if err == nil {
					mine = append(mine, o.ID)
				}
			}
		}(g)
	}
	wg.Wait()

	checkBook(t, h.engine, h.ledger, "TCS", users, cash0, shares0)
}

func TestProperty_SubmitCancelConserves(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := ledger.New()
		reg := instrument.NewRegistry()
		reg.Seed([]model.Instrument{
			{Symbol: "TCS", TickSize: d("1"), LotSize: d("1"), LastPrice: d("10"), Active: true},
		})
		e := New(reg, l, orderbook.NewBooks(), nil)

		users := []string{"a", "b", "c"}
		for _, u := range users {
			l.Deposit(u, d("1000"))
			l.CreditShares(u, "TCS", d("50"), d("10"))
		}
		cash0, shares0 := d("3000"), d("150")

		var live []model.Order
		n := rapid.IntRange(1, 80).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			if len(live) > 0 && rapid.IntRange(0, 3).Draw(rt, "cancel") == 0 {
				k := rapid.IntRange(0, len(live)-1).Draw(rt, "victim")
				e.Cancel(context.Background(), live[k].ID, live[k].UserID)
				live = append(live[:k], live[k+1:]...)
				continue
			}
			req := SubmitRequest{
				UserID:   rapid.SampledFrom(users).Draw(rt, "user"),
				Symbol:   "TCS",
				Side:     rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(rt, "side"),
				Type:     rapid.SampledFrom([]model.OrderType{model.TypeLimit, model.TypeLimit, model.TypeMarket}).Draw(rt, "type"),
				Price:    decimal.NewFromInt(int64(rapid.IntRange(5, 15).Draw(rt, "price"))),
				Quantity: decimal.NewFromInt(int64(rapid.IntRange(1, 20).Draw(rt, "qty"))),
			}
			o, err := e.Submit(context.Background(), req)
			if err != nil {
				if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInsufficientShares) {
					rt.Fatalf("unexpected rejection: %v", err)
				}
				continue
			}
			if o.FilledQuantity.GreaterThan(o.Quantity) {
				rt.Fatalf("overfilled: %s > %s", o.FilledQuantity, o.Quantity)
			}
			if o.Type == model.TypeMarket && !o.Status.Terminal() && o.Status != model.StatusPartial {
				rt.Fatalf("market order left %s", o.Status)
			}
			if o.Type == model.TypeLimit && !o.Status.Terminal() {
				live = append(live, o)
			}
			checkBook(rt, e, l, "TCS", users, cash0, shares0)
		}
		checkBook(rt, e, l, "TCS", users, cash0, shares0)
	})
}

func BenchmarkSubmit_Crossing(b *testing.B) {
	reg := instrument.NewRegistry()
	reg.Seed([]model.Instrument{{Symbol: "TCS", TickSize: d("1"), LotSize: d("1"), LastPrice: d("100"), Active: true}})
	l := ledger.New()
	e := New(reg, l, orderbook.NewBooks(), nil)
	l.Deposit("buyer", decimal.NewFromInt(int64(b.N)*100+100))
	l.CreditShares("seller", "TCS", decimal.NewFromInt(int64(b.N)+1), d("100"))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Submit(ctx, SubmitRequest{UserID: "seller", Symbol: "TCS", Side: model.SideSell, Type: model.TypeLimit, Price: d("100"), Quantity: d("1")})
		if _, err := e.Submit(ctx, SubmitRequest{UserID: "buyer", Symbol: "TCS", Side: model.SideBuy, Type: model.TypeLimit, Price: d("100"), Quantity: d("1")}); err != nil {
			b.Fatal(fmt.Sprint(err))
		}
	}
}
