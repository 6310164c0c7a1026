package exchange

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
)

// settlementUnit executes one trade between a taker and a maker as a single
// atomic unit of work: both orders, both parties' ledger rows, and the new
// trade record commit together or not at all.
type settlementUnit struct {
	feeRate decimal.Decimal
}

// keys names every row one settlement between t and m may touch: both order
// rows, both users' cash accounts, and both users' holdings for the traded
// symbol. The buyer's holding is credited and the seller's consumed, and the
// refund/proceeds legs touch both cash accounts.
func (settlementUnit) keys(t, m *models.Order) []lock.Key {
	return []lock.Key{
		lock.OrderKey(t.ID),
		lock.OrderKey(m.ID),
		lock.AccountKey(t.UserID),
		lock.AccountKey(m.UserID),
		lock.HoldingKey(t.UserID, t.Symbol),
		lock.HoldingKey(m.UserID, m.Symbol),
	}
}

// settle executes one trade between the orders with ids takerID and makerID.
// Both rows are re-read under lock: the maker candidate was selected from an
// unlocked snapshot and may have been filled or cancelled in the meantime, in
// which case settle fails with errMakerGone and the matching loop re-queries.
//
// Price is always the maker's resting price. The fee is deducted once, from
// the seller's cash proceeds; the buyer receives the full asset amount. A
// taker-side buyer reserved at its own limit price and is refunded the
// difference against the execution price.
//
// Any ledger failure in here is a defect: reservations already guarantee the
// funds and assets exist. It surfaces as ErrConsistency and aborts the whole
// unit of work.
func (s settlementUnit) settle(uow UnitOfWork, takerID, makerID int64) (*models.Trade, error) {
	taker, err := uow.Orders().Get(takerID)
	if err != nil {
		return nil, err
	}
	maker, err := uow.Orders().Get(makerID)
	if err != nil {
		return nil, err
	}

	if !taker.Open() {
		// Filled by an opposing taker or cancelled between iterations.
		return nil, nil
	}
	if !maker.Open() || !crosses(taker, maker) {
		return nil, errMakerGone
	}

	price := maker.Price
	amount := decimal.Min(taker.Remaining, maker.Remaining)

	for _, o := range []*models.Order{taker, maker} {
		o.Remaining = o.Remaining.Sub(amount)
		if o.Remaining.IsZero() {
			o.Status = models.OrderFilled
		}
		if err := uow.Orders().Update(o); err != nil {
			return nil, err
		}
	}

	buyer, seller := taker, maker
	if taker.Side == models.SideSell {
		buyer, seller = maker, taker
	}

	notional := price.Mul(amount)
	fee := notional.Mul(s.feeRate)

	// Buyer leg: a taker-side buyer reserved amount*taker.Price, which may
	// exceed the execution value; the difference goes back to their cash. A
	// maker-side buyer reserved exactly amount*price, nothing to refund.
	if buyer == taker {
		refund := taker.Price.Sub(price).Mul(amount)
		if refund.IsPositive() {
			if err := uow.Ledger().CreditCash(buyer.UserID, refund); err != nil {
				return nil, consistency(err)
			}
		}
	}
	if err := uow.Ledger().CreditAsset(buyer.UserID, buyer.Symbol, amount); err != nil {
		return nil, consistency(err)
	}

	// Seller leg: the reserved asset has changed ownership; proceeds are the
	// notional minus the commission.
	if err := uow.Ledger().ConsumeReserved(seller.UserID, seller.Symbol, amount); err != nil {
		return nil, consistency(err)
	}
	if err := uow.Ledger().CreditCash(seller.UserID, notional.Sub(fee)); err != nil {
		return nil, consistency(err)
	}

	trade := &models.Trade{
		ID:         uuid.New(),
		BuyerID:    buyer.UserID,
		SellerID:   seller.UserID,
		Symbol:     taker.Symbol,
		Price:      price,
		Amount:     amount,
		ExecutedAt: time.Now().UTC(),
	}
	if err := uow.Trades().Insert(trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// crosses reports whether the two orders' limit prices are compatible.
func crosses(taker, maker *models.Order) bool {
	if taker.Symbol != maker.Symbol || taker.Side == maker.Side {
		return false
	}
	if taker.Side == models.SideBuy {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

func consistency(err error) error {
	return fmt.Errorf("%w: %v", ErrConsistency, err)
}
