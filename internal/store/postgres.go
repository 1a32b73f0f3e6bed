package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// cross the wire as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, in model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (symbol, name, tick_size, lot_size, active, last_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, now())
		 ON CONFLICT (symbol) DO UPDATE
		 SET name = EXCLUDED.name, tick_size = EXCLUDED.tick_size, lot_size = EXCLUDED.lot_size,
		     active = EXCLUDED.active,
		     last_price = CASE WHEN EXCLUDED.last_price > 0 THEN EXCLUDED.last_price ELSE instruments.last_price END,
		     updated_at = now()`,
		in.Symbol, in.Name, in.TickSize.String(), in.LotSize.String(), in.Active, in.LastPrice.String(),
	)
	return err
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, tick_size::TEXT, lot_size::TEXT, active, last_price::TEXT, updated_at
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		var tick, lot, last string
		if err := rows.Scan(&in.Symbol, &in.Name, &tick, &lot, &in.Active, &last, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.TickSize, _ = decimal.NewFromString(tick)
		in.LotSize, _ = decimal.NewFromString(lot)
		in.LastPrice, _ = decimal.NewFromString(last)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET last_price = $2::NUMERIC, updated_at = now() WHERE symbol = $1`,
		symbol, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	return nil
}

// SaveBatch writes the batch in one transaction.
func (s *PostgresStore) SaveBatch(ctx context.Context, b model.Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, o := range b.Orders {
		batch.Queue(
			`INSERT INTO orders (id, user_id, symbol, side, type, price, quantity, filled_quantity,
			                     avg_fill_price, reserved_amount, status, seq, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			         $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE
			 SET filled_quantity = EXCLUDED.filled_quantity, avg_fill_price = EXCLUDED.avg_fill_price,
			     reserved_amount = EXCLUDED.reserved_amount, status = EXCLUDED.status,
			     updated_at = EXCLUDED.updated_at`,
			o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Type),
			o.Price.String(), o.Quantity.String(), o.FilledQuantity.String(),
			o.AvgFillPrice.String(), o.ReservedAmount.String(),
			string(o.Status), int64(o.Seq), o.CreatedAt, o.UpdatedAt,
		)
	}
	for _, t := range b.Trades {
		batch.Queue(
			`INSERT INTO trades (id, order_id, user_id, symbol, side, price, quantity, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			t.ID, t.OrderID, t.UserID, t.Symbol, string(t.Side),
			t.Price.String(), t.Quantity.String(), t.Timestamp,
		)
	}
	for _, a := range b.Accounts {
		batch.Queue(
			`INSERT INTO accounts (user_id, balance, reserved_balance, version, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = EXCLUDED.balance, reserved_balance = EXCLUDED.reserved_balance,
			     version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
			 WHERE accounts.version < EXCLUDED.version`,
			a.UserID, a.Balance.String(), a.ReservedBalance.String(), a.Version, a.UpdatedAt,
		)
	}
	for _, p := range b.Positions {
		batch.Queue(
			`INSERT INTO positions (user_id, symbol, quantity, reserved_quantity, avg_price,
			                        realized_pnl, unrealized_pnl, version, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
			 ON CONFLICT (user_id, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity, reserved_quantity = EXCLUDED.reserved_quantity,
			     avg_price = EXCLUDED.avg_price, realized_pnl = EXCLUDED.realized_pnl,
			     unrealized_pnl = EXCLUDED.unrealized_pnl, version = EXCLUDED.version,
			     updated_at = EXCLUDED.updated_at
			 WHERE positions.version < EXCLUDED.version`,
			p.UserID, p.Symbol, p.Quantity.String(), p.ReservedQuantity.String(), p.AvgPrice.String(),
			p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.Version, p.UpdatedAt,
		)
	}
	if in := b.Instrument; in != nil {
		batch.Queue(
			`UPDATE instruments SET last_price = $2::NUMERIC, updated_at = $3 WHERE symbol = $1`,
			in.Symbol, in.LastPrice.String(), in.UpdatedAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, symbol, side, type, price::TEXT, quantity::TEXT, filled_quantity::TEXT,
	avg_fill_price::TEXT, reserved_amount::TEXT, status, seq, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return model.Order{}, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return model.Order{}, err
	}
	if len(orders) == 0 {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return orders[0], nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN ('OPEN', 'PARTIAL') ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}

	q := `SELECT id, order_id, user_id, symbol, side, price::TEXT, quantity::TEXT, timestamp FROM trades`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, price, qty string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Symbol, &side, &price, &qty, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(price)
		t.Quantity, _ = decimal.NewFromString(qty)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	var a model.Account
	var bal, res string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, reserved_balance::TEXT, version, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &bal, &res, &a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Balance, _ = decimal.NewFromString(bal)
	a.ReservedBalance, _ = decimal.NewFromString(res)
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance::TEXT, reserved_balance::TEXT, version, updated_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var bal, res string
		if err := rows.Scan(&a.UserID, &bal, &res, &a.Version, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Balance, _ = decimal.NewFromString(bal)
		a.ReservedBalance, _ = decimal.NewFromString(res)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, quantity::TEXT, reserved_quantity::TEXT, avg_price::TEXT,
		        realized_pnl::TEXT, unrealized_pnl::TEXT, version, updated_at
		 FROM positions ORDER BY user_id, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var qty, res, avg, realized, unrealized string
		if err := rows.Scan(&p.UserID, &p.Symbol, &qty, &res, &avg, &realized, &unrealized,
			&p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.ReservedQuantity, _ = decimal.NewFromString(res)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		p.RealizedPnL, _ = decimal.NewFromString(realized)
		p.UnrealizedPnL, _ = decimal.NewFromString(unrealized)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertCandle(ctx context.Context, c model.Candle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)
		 ON CONFLICT (symbol, timeframe, ts) DO UPDATE
		 SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		     close = EXCLUDED.close, volume = EXCLUDED.volume`,
		c.Symbol, c.Timeframe, c.Timestamp,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
	)
	return err
}

func (s *PostgresStore) ListCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	q := `SELECT symbol, timeframe, ts, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT
	      FROM candles WHERE symbol = $1 AND timeframe = $2 ORDER BY ts DESC`
	args := []any{symbol, timeframe}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var o, h, l, cl, v string
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.Timestamp, &o, &h, &l, &cl, &v); err != nil {
			return nil, err
		}
		c.Open, _ = decimal.NewFromString(o)
		c.High, _ = decimal.NewFromString(h)
		c.Low, _ = decimal.NewFromString(l)
		c.Close, _ = decimal.NewFromString(cl)
		c.Volume, _ = decimal.NewFromString(v)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want ascending time.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, t model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, method, reference, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.Type, t.Amount.String(), t.Method, t.Reference, t.Status, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, method, reference, status, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Method, &t.Reference,
			&t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		out = append(out, t)
	}
	return out, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var side, typ, status, price, qty, filled, avg, reserved string
		var seq int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &typ,
			&price, &qty, &filled, &avg, &reserved, &status, &seq,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Type = model.OrderType(typ)
		o.Status = model.OrderStatus(status)
		o.Seq = uint64(seq)
		o.Price, _ = decimal.NewFromString(price)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.FilledQuantity, _ = decimal.NewFromString(filled)
		o.AvgFillPrice, _ = decimal.NewFromString(avg)
		o.ReservedAmount, _ = decimal.NewFromString(reserved)
		out = append(out, o)
	}
	return out, rows.Err()
}
