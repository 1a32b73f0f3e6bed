package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/model"
)

// MinTransfer is the smallest deposit or withdrawal accepted.
var MinTransfer = decimal.NewFromInt(10)

// TransferRequest is the JSON body for deposits and withdrawals.
type TransferRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

// TransferResponse is returned from deposit and withdraw.
type TransferResponse struct {
	Transaction model.Transaction `json:"transaction"`
	Account     model.Account     `json:"account"`
}

// GetAccount handles GET /api/v1/account
// Opens the account on first use.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Open(userID(r)))
}

// Deposit handles POST /api/v1/account/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, model.TxDeposit)
}

// Withdraw handles POST /api/v1/account/withdraw
// Debits the unencumbered balance only; cash held for open orders stays put.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, model.TxWithdrawal)
}

func (s *Service) transfer(w http.ResponseWriter, r *http.Request, kind string) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThan(MinTransfer) {
		writeError(w, "amount must be at least "+MinTransfer.String(), http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = "manual"
	}

	uid := userID(r)
	var (
		acct model.Account
		err  error
	)
	switch kind {
	case model.TxDeposit:
		acct, err = s.ledger.Deposit(uid, req.Amount)
	case model.TxWithdrawal:
		acct, err = s.ledger.Withdraw(uid, req.Amount)
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, "insufficient balance", http.StatusConflict)
		return
	case errors.Is(err, ledger.ErrUnknownAccount):
		writeError(w, "account not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx := model.Transaction{
		ID:        uuid.New().String(),
		UserID:    uid,
		Type:      kind,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Status:    "completed",
		CreatedAt: time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.SaveBatch(ctx, model.Batch{Accounts: []model.Account{acct}}); err != nil {
		slog.Error("persist account failed", "user", uid, "err", err)
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		slog.Error("record transaction failed", "user", uid, "tx", tx.ID, "err", err)
	}

	slog.Info("cash transfer",
		"tx", tx.ID,
		"user", uid,
		"type", kind,
		"amount", req.Amount.String(),
		"balance", acct.Balance.String(),
	)
	writeJSON(w, http.StatusCreated, TransferResponse{Transaction: tx, Account: acct})
}

// ListTransactions handles GET /api/v1/account/transactions
// Newest first.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListTransactions(r.Context(), userID(r))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetPortfolio handles GET /api/v1/portfolio
// Values every position at the instrument's last price, falling back to
// average cost when no price is known.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	acct := s.ledger.Open(uid)

	p := model.Portfolio{
		UserID:          uid,
		CashBalance:     acct.Balance,
		ReservedBalance: acct.ReservedBalance,
		Holdings:        []model.Holding{},
		UnrealizedPnL:   decimal.Zero,
		RealizedPnL:     decimal.Zero,
	}
	holdingsValue := decimal.Zero

	for _, pos := range s.ledger.Positions(uid) {
		p.RealizedPnL = p.RealizedPnL.Add(pos.RealizedPnL)
		if pos.Quantity.IsZero() {
			continue
		}

		price := pos.AvgPrice
		if inst, err := s.registry.Get(pos.Symbol); err == nil && inst.LastPrice.IsPositive() {
			price = inst.LastPrice
		}
		cost := pos.AvgPrice.Mul(pos.Quantity)
		value := price.Mul(pos.Quantity)
		h := model.Holding{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			CurrentPrice:  price,
			CostBasis:     cost,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(cost),
			RealizedPnL:   pos.RealizedPnL,
		}
		p.Holdings = append(p.Holdings, h)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(h.UnrealizedPnL)
		holdingsValue = holdingsValue.Add(value)
	}

	p.TotalValue = acct.Total().Add(holdingsValue)
	writeJSON(w, http.StatusOK, p)
}
