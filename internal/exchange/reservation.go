package exchange

import (
	"fmt"

	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
)

// reservationManager sets funds or assets aside at order-submission time so
// an open order can always be honoured without a later insufficient-balance
// failure. A buy reserves price*amount of cash by debiting the balance; a
// sell moves the order amount from the holding's available quantity to its
// reserved quantity. All side effects touch exactly one user's ledger rows.
type reservationManager struct{}

// keys names the ledger rows Reserve or Release for this order will touch.
func (reservationManager) keys(o *models.Order) []lock.Key {
	if o.Side == models.SideBuy {
		return []lock.Key{lock.AccountKey(o.UserID)}
	}
	return []lock.Key{lock.HoldingKey(o.UserID, o.Symbol)}
}

// Reserve backs the order with the caller's funds or assets. Fails with
// ErrInsufficientFunds or ErrInsufficientAssets and no mutation when the
// user cannot cover it.
func (reservationManager) Reserve(uow UnitOfWork, o *models.Order) error {
	if o.Side == models.SideBuy {
		required := o.Price.Mul(o.Amount)
		if err := uow.Ledger().DebitCash(o.UserID, required); err != nil {
			return fmt.Errorf("reserve %s for buy order: %w", required, err)
		}
		return nil
	}
	if err := uow.Ledger().ReserveAsset(o.UserID, o.Symbol, o.Amount); err != nil {
		return fmt.Errorf("reserve %s %s for sell order: %w", o.Amount, o.Symbol, err)
	}
	return nil
}

// Release returns the reservation backing the remaining, unfilled portion of
// the order. The filled portion is never released here; settlement transfers
// it to the counterparty. Called on cancellation.
func (reservationManager) Release(uow UnitOfWork, o *models.Order) error {
	if o.Remaining.IsZero() {
		return nil
	}
	if o.Side == models.SideBuy {
		refund := o.Price.Mul(o.Remaining)
		if err := uow.Ledger().CreditCash(o.UserID, refund); err != nil {
			return fmt.Errorf("release buy reservation: %w", err)
		}
		return nil
	}
	if err := uow.Ledger().ReleaseAsset(o.UserID, o.Symbol, o.Remaining); err != nil {
		return fmt.Errorf("release sell reservation: %w", err)
	}
	return nil
}
