package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/exchange-core/internal/exchange"
	"github.com/mkarlsen/exchange-core/internal/models"
)

const orderColumns = "id, user_id, symbol, side, price::text, amount::text, remaining::text, status, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var price, amount, remaining string
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &price, &amount, &remaining, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if o.Remaining, err = decimal.NewFromString(remaining); err != nil {
		return nil, err
	}
	// The serial id is the monotonic creation sequence.
	o.Seq = o.ID
	return &o, nil
}

type orderStore unit

func (s *orderStore) Create(o *models.Order) error {
	err := s.q.QueryRow(s.ctx,
		`INSERT INTO orders (user_id, symbol, side, price, amount, remaining, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		o.UserID, o.Symbol, o.Side, o.Price, o.Amount, o.Remaining, o.Status).
		Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	o.Seq = o.ID
	return nil
}

func (s *orderStore) Get(id int64) (*models.Order, error) {
	o, err := scanOrder(s.q.QueryRow(s.ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *orderStore) Update(o *models.Order) error {
	tag, err := s.q.Exec(s.ctx,
		"UPDATE orders SET remaining = $1, status = $2 WHERE id = $3",
		o.Remaining, o.Status, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exchange.ErrOrderNotFound
	}
	return nil
}

func (s *orderStore) BestCounter(taker *models.Order) (*models.Order, error) {
	// Lowest crossing sell for a buy taker, highest crossing buy for a sell
	// taker, earliest id among equal prices.
	query := "SELECT " + orderColumns + ` FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = 'open' AND price <= $2
		ORDER BY price ASC, id ASC LIMIT 1`
	if taker.Side == models.SideSell {
		query = "SELECT " + orderColumns + ` FROM orders
			WHERE symbol = $1 AND side = 'buy' AND status = 'open' AND price >= $2
			ORDER BY price DESC, id ASC LIMIT 1`
	}
	o, err := scanOrder(s.q.QueryRow(s.ctx, query, taker.Symbol, taker.Price))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select counter order: %w", err)
	}
	return o, nil
}

func (s *orderStore) OpenBySymbol(symbol string) (bids, asks []models.Order, err error) {
	bids, err = s.list(`SELECT `+orderColumns+` FROM orders
		WHERE symbol = $1 AND side = 'buy' AND status = 'open'
		ORDER BY price DESC, id ASC`, symbol)
	if err != nil {
		return nil, nil, err
	}
	asks, err = s.list(`SELECT `+orderColumns+` FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = 'open'
		ORDER BY price ASC, id ASC`, symbol)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (s *orderStore) ByUser(userID int64) ([]models.Order, error) {
	return s.list("SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY id ASC", userID)
}

func (s *orderStore) list(query string, args ...any) ([]models.Order, error) {
	rows, err := s.q.Query(s.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type ledgerStore unit

func (s *ledgerStore) Account(userID int64) (*models.Account, error) {
	a := &models.Account{UserID: userID, Cash: decimal.Zero}
	var cash string
	err := s.q.QueryRow(s.ctx, "SELECT cash::text FROM accounts WHERE user_id = $1", userID).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lazily created; absent means zero.
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if a.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *ledgerStore) Holding(userID int64, symbol string) (*models.Holding, error) {
	h := &models.Holding{UserID: userID, Symbol: symbol, Available: decimal.Zero, Reserved: decimal.Zero}
	var available, reserved string
	err := s.q.QueryRow(s.ctx,
		"SELECT available::text, reserved::text FROM holdings WHERE user_id = $1 AND symbol = $2",
		userID, symbol).Scan(&available, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	if h.Available, err = decimal.NewFromString(available); err != nil {
		return nil, err
	}
	if h.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *ledgerStore) HoldingsByUser(userID int64) ([]models.Holding, error) {
	rows, err := s.q.Query(s.ctx,
		"SELECT symbol, available::text, reserved::text FROM holdings WHERE user_id = $1 ORDER BY symbol",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		h := models.Holding{UserID: userID}
		var available, reserved string
		if err := rows.Scan(&h.Symbol, &available, &reserved); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if h.Available, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if h.Reserved, err = decimal.NewFromString(reserved); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *ledgerStore) CreditCash(userID int64, amount decimal.Decimal) error {
	_, err := s.q.Exec(s.ctx, `INSERT INTO accounts (user_id, cash) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET cash = accounts.cash + EXCLUDED.cash`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit cash: %w", err)
	}
	return nil
}

func (s *ledgerStore) DebitCash(userID int64, amount decimal.Decimal) error {
	tag, err := s.q.Exec(s.ctx,
		"UPDATE accounts SET cash = cash - $1 WHERE user_id = $2 AND cash >= $1",
		amount, userID)
	if err != nil {
		return fmt.Errorf("failed to debit cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %s", exchange.ErrInsufficientFunds, amount)
	}
	return nil
}

func (s *ledgerStore) CreditAsset(userID int64, symbol string, amount decimal.Decimal) error {
	_, err := s.q.Exec(s.ctx, `INSERT INTO holdings (user_id, symbol, available) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, symbol) DO UPDATE SET available = holdings.available + EXCLUDED.available`,
		userID, symbol, amount)
	if err != nil {
		return fmt.Errorf("failed to credit asset: %w", err)
	}
	return nil
}

func (s *ledgerStore) ReserveAsset(userID int64, symbol string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(s.ctx,
		`UPDATE holdings SET available = available - $1, reserved = reserved + $1
		 WHERE user_id = $2 AND symbol = $3 AND available >= $1`,
		amount, userID, symbol)
	if err != nil {
		return fmt.Errorf("failed to reserve asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %s %s", exchange.ErrInsufficientAssets, amount, symbol)
	}
	return nil
}

func (s *ledgerStore) ReleaseAsset(userID int64, symbol string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(s.ctx,
		`UPDATE holdings SET available = available + $1, reserved = reserved - $1
		 WHERE user_id = $2 AND symbol = $3 AND reserved >= $1`,
		amount, userID, symbol)
	if err != nil {
		return fmt.Errorf("failed to release asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reserved below %s %s", exchange.ErrInsufficientAssets, amount, symbol)
	}
	return nil
}

func (s *ledgerStore) ConsumeReserved(userID int64, symbol string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(s.ctx,
		`UPDATE holdings SET reserved = reserved - $1
		 WHERE user_id = $2 AND symbol = $3 AND reserved >= $1`,
		amount, userID, symbol)
	if err != nil {
		return fmt.Errorf("failed to consume reserved asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reserved below %s %s", exchange.ErrInsufficientAssets, amount, symbol)
	}
	return nil
}

type tradeStore unit

func (s *tradeStore) Insert(t *models.Trade) error {
	_, err := s.q.Exec(s.ctx,
		`INSERT INTO trades (id, buyer_id, seller_id, symbol, price, amount, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.BuyerID, t.SellerID, t.Symbol, t.Price, t.Amount, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *tradeStore) ByUser(userID int64) ([]models.Trade, error) {
	rows, err := s.q.Query(s.ctx,
		`SELECT id, buyer_id, seller_id, symbol, price::text, amount::text, executed_at
		 FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY executed_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var price, amount string
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.Symbol, &price, &amount, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
