// Command seed-db loads the keychain catalog and bearer tokens into PostgreSQL.
package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/db"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/storage/postgres"
)

type options struct {
	databaseURL   string
	productsFile  string
	pepper        string
	staffToken    string
	customerToken string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "", "path to products JSON file (default: embedded catalog)")
	flag.StringVar(&opts.pepper, "token-pepper", "", "HMAC pepper for token hashing (or KEYCHAIN_TOKEN_PEPPER env)")
	flag.StringVar(&opts.staffToken, "staff-token", "", "staff bearer token to seed (or KEYCHAIN_SEED_STAFF_TOKEN env)")
	flag.StringVar(&opts.customerToken, "customer-token", "", "customer bearer token to seed (or KEYCHAIN_SEED_CUSTOMER_TOKEN env)")
	flag.Parse()

	opts.databaseURL = orEnv(opts.databaseURL, "DATABASE_URL")
	opts.pepper = orEnv(opts.pepper, "KEYCHAIN_TOKEN_PEPPER")
	opts.staffToken = orEnv(opts.staffToken, "KEYCHAIN_SEED_STAFF_TOKEN")
	opts.customerToken = orEnv(opts.customerToken, "KEYCHAIN_SEED_CUSTOMER_TOKEN")

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.pepper == "" && (opts.staffToken != "" || opts.customerToken != "") {
		lg.Fatal("Token pepper is required to seed tokens: set --token-pepper or KEYCHAIN_TOKEN_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func loadProducts(path string) ([]product.Product, error) {
	if path == "" {
		products, err := parseProducts(bytes.NewReader(db.SeedProducts))
		if err != nil {
			return nil, errors.Wrap(err, "parse embedded catalog")
		}
		return products, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open products file")
	}
	defer func() { _ = f.Close() }()

	products, err := parseProducts(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return products, nil
}

func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	pool, err := postgres.NewPool(ctx, opts.databaseURL, postgres.PoolConfig{MaxConns: 2})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products, err := loadProducts(opts.productsFile)
	if err != nil {
		return err
	}

	repo := postgres.NewProductRepository(pool)
	for _, p := range products {
		id, err := repo.Upsert(ctx, p)
		if err != nil {
			return err
		}
		lg.Info("Upserted product", zap.Int64("id", id), zap.String("name", p.Name), zap.Int("stock", p.Stock))
	}

	tokens := postgres.NewTokenRepository(pool)
	for _, t := range seedTokens(opts) {
		if err := tokens.Upsert(ctx, t); err != nil {
			return err
		}
		lg.Info("Upserted token", zap.String("subject", t.Identity.Subject), zap.Bool("staff", t.Identity.Staff))
	}
	return nil
}

// seedTokens returns the tokens configured on the command line, hashed with
// the pepper the API server resolves them with.
func seedTokens(opts options) []identity.Token {
	pepper := []byte(opts.pepper)
	var out []identity.Token
	if opts.staffToken != "" {
		out = append(out, identity.Token{
			Hash: identity.HashToken(opts.staffToken, pepper),
			Identity: identity.Identity{
				Subject:  "seed|staff",
				Email:    "staff@keychain.test",
				Username: "staff",
				Staff:    true,
			},
		})
	}
	if opts.customerToken != "" {
		out = append(out, identity.Token{
			Hash: identity.HashToken(opts.customerToken, pepper),
			Identity: identity.Identity{
				Subject:  "seed|customer",
				Email:    "customer@keychain.test",
				Username: "customer",
			},
		})
	}
	return out
}
