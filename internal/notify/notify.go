// Package notify defines the event capability the core publishes through.
// Delivery transport is a collaborator concern; the core only ever sees the
// Notifier interface and publishes fire-and-forget after a unit of work has
// committed.
package notify

import (
	"strconv"

	"github.com/mkarlsen/exchange-core/internal/models"
)

// Notifier publishes a payload to a topic. Implementations must not block
// the caller on slow consumers and must never fail the publishing operation.
type Notifier interface {
	Publish(topic string, payload any)
}

// UserTopic is the private topic for one user's trade executions.
func UserTopic(userID int64) string {
	return "user." + strconv.FormatInt(userID, 10)
}

// OrderBookTopic is the public topic for one symbol's book changes.
func OrderBookTopic(symbol string) string {
	return "orderbook." + symbol
}

// TradeExecuted is delivered to the buyer's and seller's user topics after a
// settlement commits.
type TradeExecuted struct {
	Event    string       `json:"event"`
	Trade    models.Trade `json:"trade"`
	BuyerID  int64        `json:"buyer_id"`
	SellerID int64        `json:"seller_id"`
}

// OrderBookChanged is broadcast to a symbol's order book topic whenever the
// resting book changes shape.
type OrderBookChanged struct {
	Event  string `json:"event"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"` // order_placed, order_matched, order_cancelled
}

// Event names carried in payloads.
const (
	EventTradeExecuted    = "trade.executed"
	EventOrderBookChanged = "orderbook.changed"
)

// Nop discards every publication. Used in tests and as a default.
type Nop struct{}

func (Nop) Publish(string, any) {}
