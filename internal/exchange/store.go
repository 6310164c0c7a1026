package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
)

// Store is the durable transactional boundary the core runs against. Exec
// runs fn as one atomic unit of work holding exclusive locks on keys: either
// every mutation made inside fn commits, or (when fn returns an error) none
// does. Implementations acquire the locks in the single global order defined
// by the lock package before fn runs, so callers only need to name the rows
// they will touch.
//
// View runs fn read-only against committed state without taking row locks;
// it is used for candidate selection and presentation queries. Anything read
// through View that a later Exec depends on must be re-validated inside that
// Exec, under its locks.
type Store interface {
	Exec(ctx context.Context, keys []lock.Key, fn func(UnitOfWork) error) error
	View(ctx context.Context, fn func(UnitOfWork) error) error
}

// UnitOfWork exposes the row-level operations available inside one Exec or
// View scope. Mutating methods must only be called inside Exec, on rows named
// in its key set.
type UnitOfWork interface {
	Orders() OrderStore
	Ledger() Ledger
	Trades() TradeStore
}

// OrderStore owns order records and their lifecycle state.
type OrderStore interface {
	// Create persists a new order, assigning its id and monotonic sequence
	// number. The caller never supplies either.
	Create(o *models.Order) error
	Get(id int64) (*models.Order, error)
	// Update persists a changed remaining amount and/or status. Terminal
	// orders are never updated again.
	Update(o *models.Order) error
	// BestCounter returns the open order on the opposite side of taker that
	// crosses its limit price: the lowest-priced crossing sell for a buy
	// taker, the highest-priced crossing buy for a sell taker, FIFO by
	// sequence among equal prices. Returns nil when no candidate exists.
	BestCounter(taker *models.Order) (*models.Order, error)
	// OpenBySymbol lists the resting book for a symbol: buys by price
	// descending, sells by price ascending, FIFO within a price level.
	OpenBySymbol(symbol string) (bids, asks []models.Order, err error)
	ByUser(userID int64) ([]models.Order, error)
}

// Ledger owns cash balances and per-(user, symbol) asset holdings. Entries
// are created lazily on first credit or reservation; callers never write
// balances directly. Debit-style methods fail with ErrInsufficientFunds or
// ErrInsufficientAssets when the entry cannot cover the amount; inside a
// settlement those failures are defects and abort the unit of work.
type Ledger interface {
	Account(userID int64) (*models.Account, error)
	Holding(userID int64, symbol string) (*models.Holding, error)
	HoldingsByUser(userID int64) ([]models.Holding, error)

	CreditCash(userID int64, amount decimal.Decimal) error
	DebitCash(userID int64, amount decimal.Decimal) error

	// CreditAsset adds to the available quantity of a holding.
	CreditAsset(userID int64, symbol string, amount decimal.Decimal) error
	// ReserveAsset moves quantity from available to reserved.
	ReserveAsset(userID int64, symbol string, amount decimal.Decimal) error
	// ReleaseAsset moves quantity from reserved back to available.
	ReleaseAsset(userID int64, symbol string, amount decimal.Decimal) error
	// ConsumeReserved removes quantity from reserved; the asset has changed
	// ownership through a trade.
	ConsumeReserved(userID int64, symbol string, amount decimal.Decimal) error
}

// TradeStore records executed trades. Trades are insert-only.
type TradeStore interface {
	Insert(t *models.Trade) error
	ByUser(userID int64) ([]models.Trade, error)
}
