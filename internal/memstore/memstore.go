// Package memstore is an in-process implementation of the exchange store.
// Units of work stage their writes in an overlay and apply them to the base
// tables in one step on commit, so a failed unit leaves nothing behind. Row
// locks come from the explicit lock manager; the base tables themselves are
// guarded by one short-held mutex for map safety and atomic commit
// visibility.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkarlsen/exchange-core/internal/exchange"
	"github.com/mkarlsen/exchange-core/internal/lock"
	"github.com/mkarlsen/exchange-core/internal/models"
)

type holdingKey struct {
	userID int64
	symbol string
}

// Store holds every table in memory. Safe for concurrent use.
type Store struct {
	locks *lock.Manager

	mu       sync.RWMutex
	orderSeq int64
	userSeq  int64
	orders   map[int64]*models.Order
	accounts map[int64]*models.Account
	holdings map[holdingKey]*models.Holding
	trades   []models.Trade
	users    map[int64]*models.User
	byName   map[string]int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		locks:    lock.NewManager(),
		orders:   make(map[int64]*models.Order),
		accounts: make(map[int64]*models.Account),
		holdings: make(map[holdingKey]*models.Holding),
		users:    make(map[int64]*models.User),
		byName:   make(map[string]int64),
	}
}

// Exec implements exchange.Store. Row locks for keys are held for the whole
// unit; the overlay commits only when fn returns nil.
func (s *Store) Exec(ctx context.Context, keys []lock.Key, fn func(exchange.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := s.locks.AcquireAll(keys)
	defer release()

	u := newUnit(s)
	if err := fn(u); err != nil {
		return err
	}
	u.commit()
	return nil
}

// View implements exchange.Store. Reads observe only committed state.
func (s *Store) View(ctx context.Context, fn func(exchange.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newUnit(s))
}

// unit is one unit of work: committed state read-through plus a write
// overlay. It doubles as the read-only view, which simply never commits.
type unit struct {
	s        *Store
	orders   map[int64]*models.Order
	accounts map[int64]*models.Account
	holdings map[holdingKey]*models.Holding
	trades   []models.Trade
}

func newUnit(s *Store) *unit {
	return &unit{
		s:        s,
		orders:   make(map[int64]*models.Order),
		accounts: make(map[int64]*models.Account),
		holdings: make(map[holdingKey]*models.Holding),
	}
}

func (u *unit) Orders() exchange.OrderStore { return (*orderTable)(u) }
func (u *unit) Ledger() exchange.Ledger     { return (*ledgerTable)(u) }
func (u *unit) Trades() exchange.TradeStore { return (*tradeTable)(u) }

func (u *unit) commit() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for id, o := range u.orders {
		u.s.orders[id] = o
	}
	for id, a := range u.accounts {
		u.s.accounts[id] = a
	}
	for k, h := range u.holdings {
		u.s.holdings[k] = h
	}
	u.s.trades = append(u.s.trades, u.trades...)
}

// orderTable implements exchange.OrderStore over a unit.
type orderTable unit

func (t *orderTable) Create(o *models.Order) error {
	t.s.mu.Lock()
	t.s.orderSeq++
	o.ID = t.s.orderSeq
	t.s.mu.Unlock()

	o.Seq = o.ID
	o.CreatedAt = time.Now().UTC()
	cp := *o
	t.orders[o.ID] = &cp
	return nil
}

func (t *orderTable) Get(id int64) (*models.Order, error) {
	if o, ok := t.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	t.s.mu.RLock()
	o, ok := t.s.orders[id]
	if ok {
		cp := *o
		t.s.mu.RUnlock()
		return &cp, nil
	}
	t.s.mu.RUnlock()
	return nil, exchange.ErrOrderNotFound
}

func (t *orderTable) Update(o *models.Order) error {
	if _, err := t.Get(o.ID); err != nil {
		return err
	}
	cp := *o
	t.orders[o.ID] = &cp
	return nil
}

// snapshot merges committed orders with this unit's overlay.
func (t *orderTable) snapshot() []*models.Order {
	t.s.mu.RLock()
	merged := make([]*models.Order, 0, len(t.s.orders)+len(t.orders))
	for id, o := range t.s.orders {
		if pending, ok := t.orders[id]; ok {
			merged = append(merged, pending)
			continue
		}
		merged = append(merged, o)
	}
	t.s.mu.RUnlock()
	for id, o := range t.orders {
		t.s.mu.RLock()
		_, committed := t.s.orders[id]
		t.s.mu.RUnlock()
		if !committed {
			merged = append(merged, o)
		}
	}
	return merged
}

func (t *orderTable) BestCounter(taker *models.Order) (*models.Order, error) {
	var best *models.Order
	for _, o := range t.snapshot() {
		if o.ID == taker.ID || o.Symbol != taker.Symbol || o.Side != taker.Side.Opposite() || !o.Open() {
			continue
		}
		if taker.Side == models.SideBuy && o.Price.GreaterThan(taker.Price) {
			continue
		}
		if taker.Side == models.SideSell && o.Price.LessThan(taker.Price) {
			continue
		}
		if best == nil || better(taker.Side, o, best) {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// better reports whether candidate beats incumbent for a taker on side:
// lowest price wins against a buy, highest against a sell, earliest sequence
// among equal prices.
func better(side models.Side, candidate, incumbent *models.Order) bool {
	switch {
	case candidate.Price.LessThan(incumbent.Price):
		return side == models.SideBuy
	case candidate.Price.GreaterThan(incumbent.Price):
		return side == models.SideSell
	default:
		return candidate.Seq < incumbent.Seq
	}
}

func (t *orderTable) OpenBySymbol(symbol string) (bids, asks []models.Order, err error) {
	for _, o := range t.snapshot() {
		if o.Symbol != symbol || !o.Open() {
			continue
		}
		if o.Side == models.SideBuy {
			bids = append(bids, *o)
		} else {
			asks = append(asks, *o)
		}
	}
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].Price.Equal(bids[j].Price) {
			return bids[i].Price.GreaterThan(bids[j].Price)
		}
		return bids[i].Seq < bids[j].Seq
	})
	sort.Slice(asks, func(i, j int) bool {
		if !asks[i].Price.Equal(asks[j].Price) {
			return asks[i].Price.LessThan(asks[j].Price)
		}
		return asks[i].Seq < asks[j].Seq
	})
	return bids, asks, nil
}

func (t *orderTable) ByUser(userID int64) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.snapshot() {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ledgerTable implements exchange.Ledger over a unit. Entries are created
// lazily on first credit or reservation.
type ledgerTable unit

func (t *ledgerTable) account(userID int64) *models.Account {
	if a, ok := t.accounts[userID]; ok {
		return a
	}
	t.s.mu.RLock()
	base, ok := t.s.accounts[userID]
	t.s.mu.RUnlock()
	a := &models.Account{UserID: userID, Cash: decimal.Zero}
	if ok {
		cp := *base
		a = &cp
	}
	t.accounts[userID] = a
	return a
}

func (t *ledgerTable) holding(userID int64, symbol string) *models.Holding {
	k := holdingKey{userID, symbol}
	if h, ok := t.holdings[k]; ok {
		return h
	}
	t.s.mu.RLock()
	base, ok := t.s.holdings[k]
	t.s.mu.RUnlock()
	h := &models.Holding{UserID: userID, Symbol: symbol, Available: decimal.Zero, Reserved: decimal.Zero}
	if ok {
		cp := *base
		h = &cp
	}
	t.holdings[k] = h
	return h
}

func (t *ledgerTable) Account(userID int64) (*models.Account, error) {
	cp := *t.account(userID)
	return &cp, nil
}

func (t *ledgerTable) Holding(userID int64, symbol string) (*models.Holding, error) {
	cp := *t.holding(userID, symbol)
	return &cp, nil
}

func (t *ledgerTable) HoldingsByUser(userID int64) ([]models.Holding, error) {
	var out []models.Holding
	seen := make(map[string]bool)
	for k, h := range t.holdings {
		if k.userID == userID {
			out = append(out, *h)
			seen[k.symbol] = true
		}
	}
	t.s.mu.RLock()
	for k, h := range t.s.holdings {
		if k.userID == userID && !seen[k.symbol] {
			out = append(out, *h)
		}
	}
	t.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (t *ledgerTable) CreditCash(userID int64, amount decimal.Decimal) error {
	a := t.account(userID)
	a.Cash = a.Cash.Add(amount)
	return nil
}

func (t *ledgerTable) DebitCash(userID int64, amount decimal.Decimal) error {
	a := t.account(userID)
	if a.Cash.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", exchange.ErrInsufficientFunds, a.Cash, amount)
	}
	a.Cash = a.Cash.Sub(amount)
	return nil
}

func (t *ledgerTable) CreditAsset(userID int64, symbol string, amount decimal.Decimal) error {
	h := t.holding(userID, symbol)
	h.Available = h.Available.Add(amount)
	return nil
}

func (t *ledgerTable) ReserveAsset(userID int64, symbol string, amount decimal.Decimal) error {
	h := t.holding(userID, symbol)
	if h.Available.LessThan(amount) {
		return fmt.Errorf("%w: have %s %s, need %s", exchange.ErrInsufficientAssets, h.Available, symbol, amount)
	}
	h.Available = h.Available.Sub(amount)
	h.Reserved = h.Reserved.Add(amount)
	return nil
}

func (t *ledgerTable) ReleaseAsset(userID int64, symbol string, amount decimal.Decimal) error {
	h := t.holding(userID, symbol)
	if h.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s %s, need %s", exchange.ErrInsufficientAssets, h.Reserved, symbol, amount)
	}
	h.Reserved = h.Reserved.Sub(amount)
	h.Available = h.Available.Add(amount)
	return nil
}

func (t *ledgerTable) ConsumeReserved(userID int64, symbol string, amount decimal.Decimal) error {
	h := t.holding(userID, symbol)
	if h.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: reserved %s %s, need %s", exchange.ErrInsufficientAssets, h.Reserved, symbol, amount)
	}
	h.Reserved = h.Reserved.Sub(amount)
	return nil
}

// tradeTable implements exchange.TradeStore over a unit.
type tradeTable unit

func (t *tradeTable) Insert(trade *models.Trade) error {
	t.trades = append(t.trades, *trade)
	return nil
}

func (t *tradeTable) ByUser(userID int64) ([]models.Trade, error) {
	var out []models.Trade
	t.s.mu.RLock()
	for _, tr := range t.s.trades {
		if tr.BuyerID == userID || tr.SellerID == userID {
			out = append(out, tr)
		}
	}
	t.s.mu.RUnlock()
	for _, tr := range t.trades {
		if tr.BuyerID == userID || tr.SellerID == userID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// AllTrades returns every committed trade. Used by tests and seeding output.
func (s *Store) AllTrades() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// CreateUser registers a user. Part of the auth collaborator surface, not
// the trading unit of work.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[username]; exists {
		return nil, fmt.Errorf("username %q already taken", username)
	}
	s.userSeq++
	u := &models.User{
		ID:           s.userSeq,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.byName[username] = u.ID
	cp := *u
	return &cp, nil
}

// GetUserByUsername looks a user up by name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, fmt.Errorf("user %q not found", username)
	}
	cp := *s.users[id]
	return &cp, nil
}
