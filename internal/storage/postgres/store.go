package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
)

// PostgreSQL error codes that abort a transaction which may succeed on retry.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeForeignKeyViolation  = "23503"
)

var (
	_ order.Transactor = (*Store)(nil)
	_ order.Tx         = (*txRepos)(nil)
)

// Store runs checkout transactions against a pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store. A positive lockTimeout bounds how long a
// transaction waits for row locks before failing with a conflict.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{
		pool:        pool,
		lockTimeout: lockTimeout,
	}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by the
// stock ledger serialise concurrent checkouts of the same product.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapTxError(fmt.Errorf("beginning transaction: %w", err))
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapTxError(fmt.Errorf("setting lock timeout: %w", err))
		}
	}

	if err := fn(ctx, newTxRepos(tx)); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapTxError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// mapTxError marks contention failures with order.ErrTransactionConflict
// while keeping the original cause in the chain.
func mapTxError(err error) error {
	if isConflict(err) && !errors.Is(err, order.ErrTransactionConflict) {
		return fmt.Errorf("%w: %w", order.ErrTransactionConflict, err)
	}
	return err
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return true
	default:
		return false
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}

type txRepos struct {
	customers *CustomerRepository
	catalog   *ProductRepository
	stock     *StockLedger
	orders    *OrderRepository
	carts     *CartRepository
}

func newTxRepos(tx pgx.Tx) *txRepos {
	return &txRepos{
		customers: NewCustomerRepository(tx),
		catalog:   NewProductRepository(tx),
		stock:     NewStockLedger(tx),
		orders:    NewOrderRepository(tx),
		carts:     NewCartRepository(tx),
	}
}

func (t *txRepos) Customers() customer.Repository { return t.customers }
func (t *txRepos) Catalog() product.Catalog       { return t.catalog }
func (t *txRepos) Stock() stock.Ledger            { return t.stock }
func (t *txRepos) Orders() order.Repository       { return t.orders }
func (t *txRepos) Carts() cart.Repository         { return t.carts }
