// Package exchange is the order-matching and settlement core: it takes a
// newly submitted order, reserves the funds or assets backing it, matches it
// against resting counter-orders under price-time priority, and atomically
// settles the resulting trades against user balances and holdings.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
	"github.com/mkarlsen/exchange-core/internal/notify"
)

// DefaultFeeRate is the commission applied to a trade's notional value,
// deducted once from the seller's cash proceeds.
var DefaultFeeRate = decimal.RequireFromString("0.015")

// Engine drives submission, matching, settlement, and cancellation against a
// Store. Many submissions may run concurrently; each settlement locks every
// row it touches in the global order, so contention blocks rather than
// deadlocks.
type Engine struct {
	store    Store
	notifier notify.Notifier
	log      *zap.Logger
	symbols  map[string]bool
	reserve  reservationManager
	settle   settlementUnit
}

// NewEngine creates an engine trading the given symbols with the given fee
// rate. A nil logger disables logging; a zero fee rate is literal.
func NewEngine(store Store, notifier notify.Notifier, log *zap.Logger, feeRate decimal.Decimal, symbols []string) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[s] = true
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		log:      log,
		symbols:  known,
		settle:   settlementUnit{feeRate: feeRate},
	}
}

// Symbols lists the tradable symbols.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	return out
}

// SubmitOrder validates and reserves a new order, persists it, and runs the
// matching loop synchronously before returning the order in its post-match
// state. Validation failures reject before any reservation attempt;
// insufficient funds or assets reject at reservation with nothing mutated.
func (e *Engine) SubmitOrder(ctx context.Context, userID int64, symbol string, side models.Side, price, amount decimal.Decimal) (*models.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !e.symbols[symbol] {
		return nil, fmt.Errorf("%w: unknown symbol %q", ErrValidation, symbol)
	}

	order := &models.Order{
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    models.OrderOpen,
	}

	// Reservation and order creation commit together: an order row only ever
	// exists backed by its reservation.
	err := e.store.Exec(ctx, e.reserve.keys(order), func(uow UnitOfWork) error {
		if err := e.reserve.Reserve(uow, order); err != nil {
			return err
		}
		return uow.Orders().Create(order)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("order accepted",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("amount", amount.String()))
	e.publishBook(symbol, "order_placed")

	if err := e.match(ctx, order); err != nil {
		return nil, err
	}

	// Re-read so the caller sees the post-match state.
	final := order
	err = e.store.View(ctx, func(uow UnitOfWork) error {
		o, err := uow.Orders().Get(order.ID)
		if err != nil {
			return err
		}
		final = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// match runs the taker loop: repeatedly select the best eligible counter
// order from the current book, settle against it, and re-read the taker,
// until the taker leaves the open state or no candidate remains. Selection
// re-queries the store each iteration rather than snapshotting the book, so
// every step matches against the true current best price.
func (e *Engine) match(ctx context.Context, taker *models.Order) error {
	for {
		var maker *models.Order
		err := e.store.View(ctx, func(uow UnitOfWork) error {
			t, err := uow.Orders().Get(taker.ID)
			if err != nil {
				return err
			}
			if !t.Open() {
				return nil
			}
			maker, err = uow.Orders().BestCounter(t)
			return err
		})
		if err != nil {
			return err
		}
		if maker == nil {
			// No candidate: the taker rests in the book, still open, and is
			// picked up again only by a future opposing submission.
			return nil
		}

		var trade *models.Trade
		err = e.store.Exec(ctx, e.settle.keys(taker, maker), func(uow UnitOfWork) error {
			t, err := e.settle.settle(uow, taker.ID, maker.ID)
			if err != nil {
				return err
			}
			trade = t
			return nil
		})
		switch {
		case errors.Is(err, errMakerGone):
			// The candidate changed between selection and locking; go around
			// and pick the new best.
			continue
		case err != nil:
			e.log.Error("settlement aborted", zap.Int64("taker_id", taker.ID),
				zap.Int64("maker_id", maker.ID), zap.Error(err))
			return err
		case trade == nil:
			// Taker left the open state (filled by an opposing taker or
			// cancelled while unlocked).
			return nil
		}

		e.log.Info("trade executed",
			zap.String("trade_id", trade.ID.String()),
			zap.String("symbol", trade.Symbol),
			zap.String("price", trade.Price.String()),
			zap.String("amount", trade.Amount.String()))
		e.publishTrade(trade)
		e.publishBook(trade.Symbol, "order_matched")
	}
}

// CancelOrder transitions an open order to Cancelled and releases the
// reservation backing its remaining amount, atomically with the status flip.
// A cancel racing an active match blocks on the order's lock and then either
// succeeds against the post-match remaining amount or fails with
// ErrInvalidOrderState if the match filled it.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) error {
	var order *models.Order
	err := e.store.View(ctx, func(uow UnitOfWork) error {
		o, err := uow.Orders().Get(orderID)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrUnauthorized
	}

	keys := append(e.reserve.keys(order), lock.OrderKey(order.ID))
	err = e.store.Exec(ctx, keys, func(uow UnitOfWork) error {
		o, err := uow.Orders().Get(orderID)
		if err != nil {
			return err
		}
		if o.Status != models.OrderOpen {
			return ErrInvalidOrderState
		}
		o.Status = models.OrderCancelled
		if err := uow.Orders().Update(o); err != nil {
			return err
		}
		return e.reserve.Release(uow, o)
	})
	if err != nil {
		return err
	}
	e.log.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
	e.publishBook(order.Symbol, "order_cancelled")
	return nil
}

// OrderBook lists the open orders for a symbol: bids by price descending,
// asks by price ascending, FIFO within a price level.
func (e *Engine) OrderBook(ctx context.Context, symbol string) (bids, asks []models.Order, err error) {
	err = e.store.View(ctx, func(uow UnitOfWork) error {
		bids, asks, err = uow.Orders().OpenBySymbol(symbol)
		return err
	})
	return bids, asks, err
}

// UserOrders lists every order a user has submitted.
func (e *Engine) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := e.store.View(ctx, func(uow UnitOfWork) error {
		var err error
		orders, err = uow.Orders().ByUser(userID)
		return err
	})
	return orders, err
}

// UserTrades lists every trade a user participated in.
func (e *Engine) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	var trades []models.Trade
	err := e.store.View(ctx, func(uow UnitOfWork) error {
		var err error
		trades, err = uow.Trades().ByUser(userID)
		return err
	})
	return trades, err
}

// AccountSummary returns a user's cash balance and asset holdings.
func (e *Engine) AccountSummary(ctx context.Context, userID int64) (*models.Account, []models.Holding, error) {
	var account *models.Account
	var holdings []models.Holding
	err := e.store.View(ctx, func(uow UnitOfWork) error {
		a, err := uow.Ledger().Account(userID)
		if err != nil {
			return err
		}
		h, err := uow.Ledger().HoldingsByUser(userID)
		if err != nil {
			return err
		}
		account, holdings = a, h
		return nil
	})
	return account, holdings, err
}

// Deposit credits cash to a user's account. Used by seeding and funding
// flows, not by trading.
func (e *Engine) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit must be positive", ErrValidation)
	}
	return e.store.Exec(ctx, []lock.Key{lock.AccountKey(userID)}, func(uow UnitOfWork) error {
		return uow.Ledger().CreditCash(userID, amount)
	})
}

// DepositAsset credits asset quantity to a user's available holdings.
func (e *Engine) DepositAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit must be positive", ErrValidation)
	}
	if !e.symbols[symbol] {
		return fmt.Errorf("%w: unknown symbol %q", ErrValidation, symbol)
	}
	return e.store.Exec(ctx, []lock.Key{lock.HoldingKey(userID, symbol)}, func(uow UnitOfWork) error {
		return uow.Ledger().CreditAsset(userID, symbol, amount)
	})
}

func (e *Engine) publishTrade(t *models.Trade) {
	payload := notify.TradeExecuted{
		Event:    notify.EventTradeExecuted,
		Trade:    *t,
		BuyerID:  t.BuyerID,
		SellerID: t.SellerID,
	}
	e.notifier.Publish(notify.UserTopic(t.BuyerID), payload)
	e.notifier.Publish(notify.UserTopic(t.SellerID), payload)
}

func (e *Engine) publishBook(symbol, reason string) {
	e.notifier.Publish(notify.OrderBookTopic(symbol), notify.OrderBookChanged{
		Event:  notify.EventOrderBookChanged,
		Symbol: symbol,
		Reason: reason,
	})
}
