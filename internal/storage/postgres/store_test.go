//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
	"github.com/xenking/keychain-shop/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "keychain",
				"POSTGRES_PASSWORD": "keychain",
				"POSTGRES_DB":       "keychain",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://keychain:keychain@%s:%s/keychain?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn, postgres.PoolConfig{MaxConns: 16})
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

func reset(t *testing.T) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE
		stock_receipts, cart_items, carts, order_lines, orders, customers, api_tokens, products
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func addProduct(t *testing.T, name, price string, qty int, customizable bool) product.Product {
	t.Helper()
	p := product.Product{Name: name, Price: decimal.RequireFromString(price), Stock: qty, Customizable: customizable}
	id, err := postgres.NewProductRepository(pool).Upsert(context.Background(), p)
	require.NoError(t, err)
	p.ID = id
	return p
}

func stockOf(t *testing.T, id int64) int {
	t.Helper()
	p, err := postgres.NewProductRepository(pool).GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func newService(lockTimeout time.Duration) *order.Service {
	return order.NewService(
		postgres.NewStore(pool, lockTimeout),
		postgres.NewOrderRepository(pool),
		postgres.NewCustomerRepository(pool),
	)
}

var alice = identity.Identity{Subject: "uid-alice", Email: "alice@example.com"}

func TestStockLedger(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Ledger", "1.00", 5, false)
	ledger := postgres.NewStockLedger(pool)

	left, err := ledger.ReserveAndDecrement(ctx, p.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	_, err = ledger.ReserveAndDecrement(ctx, p.ID, 3)
	var ise *stock.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 2, ise.Available)
	assert.Equal(t, "Ledger", ise.ProductName)

	_, err = ledger.ReserveAndDecrement(ctx, 9999, 1)
	require.ErrorIs(t, err, product.ErrNotFound)

	require.NoError(t, ledger.Restore(ctx, p.ID, 3))
	assert.Equal(t, 5, stockOf(t, p.ID))
	require.ErrorIs(t, ledger.Restore(ctx, 9999, 1), product.ErrNotFound)
}

func TestStockLedger_ApplyReceiptOnce(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Receipt", "1.00", 0, false)
	ledger := postgres.NewStockLedger(pool)

	applied, err := ledger.ApplyReceipt(ctx, stock.Receipt{ID: "r-1", ProductID: p.ID, Quantity: 7})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ledger.ApplyReceipt(ctx, stock.Receipt{ID: "r-1", ProductID: p.ID, Quantity: 7})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 7, stockOf(t, p.ID))

	_, err = ledger.ApplyReceipt(ctx, stock.Receipt{ID: "r-2", ProductID: 9999, Quantity: 1})
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestPlaceOrder_Postgres(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p1 := addProduct(t, "Heart", "10.00", 5, false)
	p2 := addProduct(t, "Name tag", "4.25", 5, true)
	svc := newService(time.Second)

	o, err := svc.PlaceOrder(ctx, alice, []order.LineRequest{
		{ProductID: p1.ID, Quantity: 3},
		{ProductID: p2.ID, Quantity: 2, Customization: "LUNA"},
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("38.50").Equal(o.Total))
	assert.Equal(t, 2, stockOf(t, p1.ID))
	assert.Equal(t, 3, stockOf(t, p2.ID))

	stored, err := postgres.NewOrderRepository(pool).Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.Status)
	assert.True(t, o.Total.Equal(stored.Total))
	require.Len(t, stored.Lines, 2)
	assert.Equal(t, "LUNA", stored.Lines[1].Customization)
	assert.True(t, decimal.RequireFromString("8.50").Equal(stored.Lines[1].Subtotal))
}

func TestPlaceOrder_RollbackOnUnknownProduct(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p1 := addProduct(t, "Cat", "5.00", 10, false)
	svc := newService(time.Second)

	_, err := svc.PlaceOrder(ctx, alice, []order.LineRequest{
		{ProductID: p1.ID, Quantity: 2},
		{ProductID: 9999, Quantity: 1},
	})
	require.ErrorIs(t, err, product.ErrNotFound)
	assert.Equal(t, 10, stockOf(t, p1.ID))

	var orders int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&orders))
	assert.Zero(t, orders)
	var lines int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM order_lines`).Scan(&lines))
	assert.Zero(t, lines)
}

func TestPlaceOrder_ConcurrentBuyers(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Limited", "10.00", 5, false)
	svc := newService(5 * time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused []*stock.InsufficientStockError
	)
	for _, subject := range []string{"uid-a", "uid-b"} {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, identity.Identity{Subject: subject}, []order.LineRequest{{ProductID: p.ID, Quantity: 3}})
			mu.Lock()
			defer mu.Unlock()
			var ise *stock.InsufficientStockError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &ise):
				refused = append(refused, ise)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(subject)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	require.Len(t, refused, 1)
	assert.Equal(t, 2, refused[0].Available)
	assert.Equal(t, 2, stockOf(t, p.ID))
}

func TestGetOrCreate_ConcurrentFirstRequests(t *testing.T) {
	reset(t)
	ctx := context.Background()
	repo := postgres.NewCustomerRepository(pool)

	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := repo.GetOrCreate(ctx, alice)
			if assert.NoError(t, err) {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM customers`).Scan(&count))
	assert.Equal(t, 1, count)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	_, err := repo.GetBySubject(ctx, "uid-nobody")
	require.ErrorIs(t, err, customer.ErrNotFound)
}

func TestLockTimeoutIsConflict(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Hot", "1.00", 10, false)

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	_, err = holder.Exec(ctx, `SELECT 1 FROM products WHERE id = $1 FOR UPDATE`, p.ID)
	require.NoError(t, err)

	svc := newService(100 * time.Millisecond)
	_, err = svc.PlaceOrder(ctx, alice, []order.LineRequest{{ProductID: p.ID, Quantity: 1}})
	require.ErrorIs(t, err, order.ErrTransactionConflict)
	assert.Equal(t, "transaction_conflict", order.Reason(err))
}

func TestUpdateStatus_CancelRestoresStock_Postgres(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Cancel", "2.00", 4, false)
	svc := newService(time.Second)
	staff := identity.Identity{Subject: "uid-staff", Staff: true}

	o, err := svc.PlaceOrder(ctx, alice, []order.LineRequest{{ProductID: p.ID, Quantity: 4}})
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, p.ID))

	_, err = svc.UpdateStatus(ctx, staff, o.ID, order.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, p.ID))

	_, err = svc.UpdateStatus(ctx, staff, o.ID, order.StatusInProcess)
	var te *order.InvalidStatusTransitionError
	require.ErrorAs(t, err, &te)
}

func TestOrderRepository_ListAndDeletedProduct(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p := addProduct(t, "Ephemeral", "3.00", 10, false)
	svc := newService(time.Second)
	bob := identity.Identity{Subject: "uid-bob"}

	first, err := svc.PlaceOrder(ctx, alice, []order.LineRequest{{ProductID: p.ID, Quantity: 1}})
	require.NoError(t, err)
	second, err := svc.PlaceOrder(ctx, alice, []order.LineRequest{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)
	_, err = svc.PlaceOrder(ctx, bob, []order.LineRequest{{ProductID: p.ID, Quantity: 3}})
	require.NoError(t, err)

	repo := postgres.NewOrderRepository(pool)
	mine, err := repo.List(ctx, order.ListFilter{CustomerID: first.CustomerID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)
	require.Len(t, mine[0].Lines, 1)

	all, err := repo.List(ctx, order.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Deleting the product keeps order history with a null reference.
	_, err = pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, p.ID)
	require.NoError(t, err)
	stored, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Lines[0].ProductID)
	assert.Equal(t, "Ephemeral", stored.Lines[0].ProductName)

	_, err = repo.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestCartRepository(t *testing.T) {
	reset(t)
	ctx := context.Background()
	p1 := addProduct(t, "One", "1.00", 10, false)
	p2 := addProduct(t, "Two", "2.00", 10, false)
	profile, err := postgres.NewCustomerRepository(pool).GetOrCreate(ctx, alice)
	require.NoError(t, err)
	repo := postgres.NewCartRepository(pool)

	empty, err := repo.Get(ctx, profile.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.ID)
	assert.Empty(t, empty.Items)

	_, err = repo.Update(ctx, profile.ID, func(c *cart.Cart) error {
		c.Add(p2.ID, 1)
		c.Add(p1.ID, 2)
		return nil
	})
	require.NoError(t, err)

	_, err = repo.Update(ctx, profile.ID, func(c *cart.Cart) error {
		c.Add(p1.ID, 1)
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := repo.Get(ctx, profile.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, p2.ID, got.Items[0].ProductID)
	assert.Equal(t, 2, got.Items[1].Quantity)

	_, err = repo.Update(ctx, 9999, func(*cart.Cart) error { return nil })
	require.ErrorIs(t, err, customer.ErrNotFound)
}

func TestTokenRepository(t *testing.T) {
	reset(t)
	ctx := context.Background()
	repo := postgres.NewTokenRepository(pool)
	pepper := []byte("pepper")

	require.NoError(t, repo.Upsert(ctx, identity.Token{
		Hash:     identity.HashToken("tok", pepper),
		Identity: identity.Identity{Subject: "uid-staff", Staff: true},
	}))

	id, err := identity.NewResolver(repo, pepper).Resolve(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, id.Staff)

	_, err = identity.NewResolver(repo, pepper).Resolve(ctx, "nope")
	require.ErrorIs(t, err, identity.ErrUnresolved)

	_, err = repo.FindByHash(ctx, identity.HashToken("nope", pepper))
	require.ErrorIs(t, err, identity.ErrTokenNotFound)
}
