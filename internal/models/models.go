package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. Filled and Cancelled are
// terminal: a terminal order is never mutated again.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a limit order resting in or passing through the book.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    OrderStatus     `json:"status"`
	// Seq is assigned from a monotonic sequence at creation and is the
	// time-priority tie-break among equal prices. Wall-clock CreatedAt is
	// informational only.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Open reports whether the order can still trade.
func (o *Order) Open() bool {
	return o.Status == OrderOpen && o.Remaining.IsPositive()
}

// Trade is one executed match. Immutable once created.
type Trade struct {
	ID         uuid.UUID       `json:"id"`
	BuyerID    int64           `json:"buyer_id"`
	SellerID   int64           `json:"seller_id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Notional is the cash value of the trade, price times amount.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}

// Account holds a user's cash. Cash reserved against open buy orders is
// modelled as a reduction of Cash at reservation time; the reserved value is
// reconstructable as the sum of price*remaining over the user's open buys.
type Account struct {
	UserID int64           `json:"user_id"`
	Cash   decimal.Decimal `json:"cash"`
}

// Holding is a user's position in one asset, split into the quantity free
// for new sell reservations and the quantity reserved by open sell orders.
type Holding struct {
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// User is a registered account owner.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
