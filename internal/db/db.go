// Package db is the Postgres implementation of the exchange store. Each Exec
// is one database transaction: the rows named by the unit's key set are
// locked with SELECT FOR UPDATE in the global key order before the unit
// body runs, so two concurrently settling pairs block instead of
// deadlocking.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mkarlsen/exchange-core/internal/exchange"
	"github.com/mkarlsen/exchange-core/internal/lock"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string, log *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Exec implements exchange.Store.
func (db *DB) Exec(ctx context.Context, keys []lock.Key, fn func(exchange.UnitOfWork) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockRows(ctx, tx, keys); err != nil {
		return err
	}
	if err := fn(&unit{ctx: ctx, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View implements exchange.Store. Reads run on the pool outside any
// transaction and observe only committed state.
func (db *DB) View(ctx context.Context, fn func(exchange.UnitOfWork) error) error {
	return fn(&unit{ctx: ctx, q: db.Pool})
}

// lockRows takes FOR UPDATE locks in the global key order. Account and
// holding rows are created on first use, so reserving against a fresh user
// has a row to lock.
func lockRows(ctx context.Context, tx pgx.Tx, keys []lock.Key) error {
	for _, k := range lock.Normalize(keys) {
		var err error
		switch k.Kind {
		case lock.KindOrder:
			// A missing order row is not an error here; the unit body
			// re-reads and reports it.
			var id int64
			scanErr := tx.QueryRow(ctx, "SELECT id FROM orders WHERE id = $1 FOR UPDATE", k.ID).Scan(&id)
			if scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
				err = scanErr
			}
		case lock.KindAccount:
			if _, err = tx.Exec(ctx,
				"INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", k.ID); err == nil {
				var id int64
				err = tx.QueryRow(ctx, "SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE", k.ID).Scan(&id)
			}
		case lock.KindHolding:
			if _, err = tx.Exec(ctx,
				"INSERT INTO holdings (user_id, symbol) VALUES ($1, $2) ON CONFLICT (user_id, symbol) DO NOTHING",
				k.ID, k.Symbol); err == nil {
				var id int64
				err = tx.QueryRow(ctx,
					"SELECT user_id FROM holdings WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
					k.ID, k.Symbol).Scan(&id)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to lock row %+v: %w", k, err)
		}
	}
	return nil
}

// querier is the subset of pgx.Tx and pgxpool.Pool the unit needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type unit struct {
	ctx context.Context
	q   querier
}

func (u *unit) Orders() exchange.OrderStore { return (*orderStore)(u) }
func (u *unit) Ledger() exchange.Ledger     { return (*ledgerStore)(u) }
func (u *unit) Trades() exchange.TradeStore { return (*tradeStore)(u) }
