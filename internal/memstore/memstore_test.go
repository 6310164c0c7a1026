package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/exchange-core/internal/exchange"
	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
)

var d = decimal.RequireFromString

func newOrder(userID int64, side models.Side, price, amount string) *models.Order {
	return &models.Order{
		UserID:    userID,
		Symbol:    "BTC",
		Side:      side,
		Price:     d(price),
		Amount:    d(amount),
		Remaining: d(amount),
		Status:    models.OrderOpen,
	}
}

func TestExec_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, nil, func(uow exchange.UnitOfWork) error {
		return uow.Ledger().CreditCash(1, d("100"))
	}))

	boom := errors.New("boom")
	err := s.Exec(ctx, []lock.Key{lock.AccountKey(1)}, func(uow exchange.UnitOfWork) error {
		require.NoError(t, uow.Ledger().CreditCash(1, d("50")))
		require.NoError(t, uow.Orders().Create(newOrder(1, models.SideBuy, "10", "1")))
		require.NoError(t, uow.Trades().Insert(&models.Trade{BuyerID: 1, SellerID: 2, Symbol: "BTC", Price: d("10"), Amount: d("1")}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed unit is visible.
	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		a, err := uow.Ledger().Account(1)
		require.NoError(t, err)
		assert.True(t, a.Cash.Equal(d("100")))
		orders, err := uow.Orders().ByUser(1)
		require.NoError(t, err)
		assert.Empty(t, orders)
		return nil
	}))
	assert.Empty(t, s.AllTrades())
}

func TestView_NeverCommits(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		return uow.Ledger().CreditCash(1, d("100"))
	}))
	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		a, err := uow.Ledger().Account(1)
		require.NoError(t, err)
		assert.True(t, a.Cash.IsZero())
		return nil
	}))
}

func TestLedger_LazyEntriesAndChecks(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		// Unknown rows read as zero values, not errors.
		a, err := uow.Ledger().Account(42)
		require.NoError(t, err)
		assert.True(t, a.Cash.IsZero())
		h, err := uow.Ledger().Holding(42, "BTC")
		require.NoError(t, err)
		assert.True(t, h.Available.IsZero())
		assert.True(t, h.Reserved.IsZero())

		assert.ErrorIs(t, uow.Ledger().DebitCash(42, d("1")), exchange.ErrInsufficientFunds)
		assert.ErrorIs(t, uow.Ledger().ReserveAsset(42, "BTC", d("1")), exchange.ErrInsufficientAssets)
		assert.ErrorIs(t, uow.Ledger().ReleaseAsset(42, "BTC", d("1")), exchange.ErrInsufficientAssets)
		assert.ErrorIs(t, uow.Ledger().ConsumeReserved(42, "BTC", d("1")), exchange.ErrInsufficientAssets)
		return nil
	}))
}

func TestLedger_ReserveReleaseConsume(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, []lock.Key{lock.HoldingKey(1, "BTC")}, func(uow exchange.UnitOfWork) error {
		require.NoError(t, uow.Ledger().CreditAsset(1, "BTC", d("10")))
		require.NoError(t, uow.Ledger().ReserveAsset(1, "BTC", d("4")))
		require.NoError(t, uow.Ledger().ReleaseAsset(1, "BTC", d("1")))
		require.NoError(t, uow.Ledger().ConsumeReserved(1, "BTC", d("3")))
		return nil
	}))

	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		h, err := uow.Ledger().Holding(1, "BTC")
		require.NoError(t, err)
		assert.True(t, h.Available.Equal(d("7")))
		assert.True(t, h.Reserved.IsZero())
		return nil
	}))
}

func TestOrders_GetUpdateNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	var id int64
	require.NoError(t, s.Exec(ctx, nil, func(uow exchange.UnitOfWork) error {
		o := newOrder(1, models.SideBuy, "100", "2")
		require.NoError(t, uow.Orders().Create(o))
		id = o.ID
		assert.Equal(t, o.ID, o.Seq)
		return nil
	}))

	require.NoError(t, s.Exec(ctx, []lock.Key{lock.OrderKey(id)}, func(uow exchange.UnitOfWork) error {
		o, err := uow.Orders().Get(id)
		require.NoError(t, err)
		o.Remaining = d("1")
		return uow.Orders().Update(o)
	}))

	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		o, err := uow.Orders().Get(id)
		require.NoError(t, err)
		assert.True(t, o.Remaining.Equal(d("1")))

		_, err = uow.Orders().Get(9999)
		assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
		assert.ErrorIs(t, uow.Orders().Update(&models.Order{ID: 9999}), exchange.ErrOrderNotFound)
		return nil
	}))
}

func TestBestCounter_PriceThenSequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	var firstAt100, secondAt100, cheaper int64
	require.NoError(t, s.Exec(ctx, nil, func(uow exchange.UnitOfWork) error {
		a := newOrder(2, models.SideSell, "100", "1")
		require.NoError(t, uow.Orders().Create(a))
		firstAt100 = a.ID
		b := newOrder(3, models.SideSell, "100", "1")
		require.NoError(t, uow.Orders().Create(b))
		secondAt100 = b.ID
		c := newOrder(4, models.SideSell, "99", "1")
		require.NoError(t, uow.Orders().Create(c))
		cheaper = c.ID
		return nil
	}))

	taker := newOrder(1, models.SideBuy, "100", "1")
	taker.ID = -1

	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		best, err := uow.Orders().BestCounter(taker)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, cheaper, best.ID, "lowest ask wins against a buy")
		return nil
	}))

	// Remove the cheap ask; the earlier of the equal-priced pair is next.
	require.NoError(t, s.Exec(ctx, []lock.Key{lock.OrderKey(cheaper)}, func(uow exchange.UnitOfWork) error {
		o, err := uow.Orders().Get(cheaper)
		require.NoError(t, err)
		o.Status = models.OrderCancelled
		return uow.Orders().Update(o)
	}))
	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		best, err := uow.Orders().BestCounter(taker)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, firstAt100, best.ID, "earliest sequence wins within a level")
		return nil
	}))

	// Fill the first of the pair; the later equal-priced ask is next in line.
	require.NoError(t, s.Exec(ctx, []lock.Key{lock.OrderKey(firstAt100)}, func(uow exchange.UnitOfWork) error {
		o, err := uow.Orders().Get(firstAt100)
		require.NoError(t, err)
		o.Remaining = decimal.Zero
		o.Status = models.OrderFilled
		return uow.Orders().Update(o)
	}))
	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		best, err := uow.Orders().BestCounter(taker)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, secondAt100, best.ID, "next-earliest sequence after the first fills")
		return nil
	}))

	// A taker priced below every ask finds no counter order.
	cold := newOrder(1, models.SideBuy, "50", "1")
	cold.ID = -1
	require.NoError(t, s.View(ctx, func(uow exchange.UnitOfWork) error {
		best, err := uow.Orders().BestCounter(cold)
		require.NoError(t, err)
		assert.Nil(t, best)
		return nil
	}))
}

func TestBestCounter_SeesPendingWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, nil, func(uow exchange.UnitOfWork) error {
		require.NoError(t, uow.Orders().Create(newOrder(2, models.SideSell, "100", "1")))

		taker := newOrder(1, models.SideBuy, "100", "1")
		taker.ID = -1
		best, err := uow.Orders().BestCounter(taker)
		require.NoError(t, err)
		require.NotNil(t, best, "an order created in this unit is matchable in it")
		return nil
	}))
}

func TestUsers_CreateAndLookup(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	_, err = s.CreateUser(ctx, "alice", "otherhash")
	assert.Error(t, err)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByUsername(ctx, "bob")
	assert.Error(t, err)
}
