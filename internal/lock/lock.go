// Package lock provides keyed exclusive locks with a deterministic global
// acquisition order. Every unit of work that mutates a set of rows (orders,
// cash accounts, asset holdings) acquires all of their locks up front through
// AcquireAll; because any two units sort contended keys identically, two
// concurrently matching orders can never deadlock on each other's rows.
package lock

import (
	"sort"
	"sync"
)

// Kind classifies the entity a key refers to.
type Kind uint8

const (
	KindOrder Kind = iota
	KindAccount
	KindHolding
)

// Key identifies one lockable entity. Symbol is empty except for holdings,
// which are keyed per (user, symbol).
type Key struct {
	Kind   Kind
	ID     int64
	Symbol string
}

// OrderKey keys the lock for an order row.
func OrderKey(orderID int64) Key { return Key{Kind: KindOrder, ID: orderID} }

// AccountKey keys the lock for a user's cash account.
func AccountKey(userID int64) Key { return Key{Kind: KindAccount, ID: userID} }

// HoldingKey keys the lock for a (user, symbol) asset holding.
func HoldingKey(userID int64, symbol string) Key {
	return Key{Kind: KindHolding, ID: userID, Symbol: symbol}
}

// less orders keys by (kind, id, symbol). This is the single global order in
// which every unit of work acquires its locks.
func less(a, b Key) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Symbol < b.Symbol
}

// Normalize deduplicates keys and sorts them into the global acquisition
// order. Store implementations that take row locks themselves (e.g. SELECT
// FOR UPDATE) use this to follow the same discipline as the Manager.
func Normalize(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Manager hands out one mutex per key. Mutexes are created lazily and kept
// for the lifetime of the manager.
type Manager struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[Key]*sync.Mutex)}
}

func (m *Manager) mutex(k Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// AcquireAll locks every key in the global order and returns a release
// function that unlocks them all. Duplicate keys are collapsed so a unit of
// work may list the same row twice (e.g. buyer and seller being the same
// user) without self-deadlocking. Acquisition blocks on contention; that is
// backpressure, not an error.
func (m *Manager) AcquireAll(keys []Key) (release func()) {
	sorted := Normalize(keys)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		l := m.mutex(k)
		l.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock in reverse acquisition order.
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
			}
		})
	}
}
