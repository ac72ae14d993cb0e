// Command restock-ingest applies gzipped CSV restock receipts to product stock.
//
// Each file holds receipt_id,product_id,quantity rows. Receipts repeated
// across files are applied once; conflicting repeats are skipped.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		databaseURL string
		workers     int
		dryRun      bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz receipt files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent receipt writers")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and deduplicate without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" && !dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files := flag.Args()
	if len(files) == 0 {
		files, err = filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
		if err != nil {
			lg.Fatal("List receipt files", zap.Error(err))
		}
	}
	if len(files) == 0 {
		lg.Fatal("No receipt files found", zap.String("dir", dataDir))
	}

	if err := run(ctx, lg, files, databaseURL, workers, dryRun); err != nil {
		lg.Fatal("Restock ingest failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, files []string, databaseURL string, workers int, dryRun bool) error {
	in := &Ingester{Workers: workers, Logger: lg}

	batch, err := in.Prepare(ctx, files)
	if err != nil {
		return errors.Wrap(err, "prepare receipts")
	}
	if dryRun {
		lg.Info("Dry run complete", batch.Report.Fields()...)
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL, postgres.PoolConfig{MaxConns: int32(max(workers, 1))})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	in.Ledger = postgres.NewStockLedger(pool)
	report, err := in.Apply(ctx, batch)
	if err != nil {
		return errors.Wrap(err, "apply receipts")
	}
	lg.Info("Restock ingest complete", report.Fields()...)
	return nil
}
