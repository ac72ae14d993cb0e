package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/keychain-shop/internal/domain/stock"
)

const defaultFPR = 0.001

// Ingester reads receipt files and applies them to a ledger.
type Ingester struct {
	Ledger  stock.ReceiptLedger
	Logger  *zap.Logger
	Workers int
	// FPR is the bloom filter false positive rate. Zero means defaultFPR.
	FPR float64
}

// Report summarises an ingest run.
type Report struct {
	Files      int
	Rows       int
	Duplicates int // repeats across files collapsed into one receipt
	Conflicts  int // receipt ids whose repeats disagree; skipped
	Applied    int
	Replayed   int // already applied by an earlier run
}

// Fields renders the report for logging.
func (r Report) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("files", r.Files),
		zap.Int("rows", r.Rows),
		zap.Int("duplicates", r.Duplicates),
		zap.Int("conflicts", r.Conflicts),
		zap.Int("applied", r.Applied),
		zap.Int("replayed", r.Replayed),
	}
}

// Batch is the deduplicated set of receipts ready to apply.
type Batch struct {
	Receipts []stock.Receipt
	Report   Report
}

type occurrence struct {
	receipt stock.Receipt
	file    int
}

type fileData struct {
	receipts []stock.Receipt
	filter   *bloom.BloomFilter
}

func (in *Ingester) lg() *zap.Logger {
	if in.Logger == nil {
		return zap.NewNop()
	}
	return in.Logger
}

// Prepare parses every file concurrently and collapses receipts that appear
// in more than one file. Nothing is written.
func (in *Ingester) Prepare(ctx context.Context, paths []string) (*Batch, error) {
	data := make([]fileData, len(paths))

	// Pass 1: parse each file and build its bloom filter.
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			receipts, err := readReceipts(gctx, path)
			if err != nil {
				return err
			}
			filter := bloom.NewWithEstimates(uint(max(len(receipts), 1)), in.fpr())
			for _, r := range receipts {
				filter.AddString(r.ID)
			}
			data[i] = fileData{receipts: receipts, filter: filter}
			in.lg().Info("Parsed receipt file", zap.String("path", path), zap.Int("rows", len(receipts)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Pass 2: records that hit another file's filter are candidates.
	candidates := make([][]occurrence, len(paths))
	g, _ = errgroup.WithContext(ctx)
	for i := range data {
		g.Go(func() error {
			var found []occurrence
			for _, r := range data[i].receipts {
				for j := range data {
					if j != i && data[j].filter.TestString(r.ID) {
						found = append(found, occurrence{receipt: r, file: i})
						break
					}
				}
			}
			candidates[i] = found
			return nil
		})
	}
	_ = g.Wait()

	// Exact confirmation: a candidate is a duplicate only when its id is
	// really present in two or more files.
	byID := make(map[string][]occurrence)
	for _, found := range candidates {
		for _, o := range found {
			byID[o.receipt.ID] = append(byID[o.receipt.ID], o)
		}
	}

	var (
		report    = Report{Files: len(paths)}
		skip      = make(map[string]bool)
		confirmed = make(map[string]bool)
	)
	for id, occ := range byID {
		if !spansFiles(occ) {
			continue
		}
		if !agree(occ) {
			report.Conflicts++
			skip[id] = true
			in.lg().Warn("Conflicting receipt across files", zap.String("receipt_id", id), zap.Int("occurrences", len(occ)))
			continue
		}
		confirmed[id] = true
		report.Duplicates += len(occ) - 1
	}

	batch := &Batch{}
	seen := make(map[string]bool, len(confirmed))
	for _, d := range data {
		report.Rows += len(d.receipts)
		for _, r := range d.receipts {
			if skip[r.ID] {
				continue
			}
			if confirmed[r.ID] {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
			}
			batch.Receipts = append(batch.Receipts, r)
		}
	}
	batch.Report = report
	return batch, nil
}

// Apply writes the batch through the ledger with up to Workers concurrent
// writers. Receipts already applied by an earlier run are counted as
// replayed.
func (in *Ingester) Apply(ctx context.Context, batch *Batch) (Report, error) {
	if in.Ledger == nil {
		return batch.Report, errors.New("ledger is required")
	}

	var applied, replayed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Workers, 1))
	for _, r := range batch.Receipts {
		g.Go(func() error {
			ok, err := in.Ledger.ApplyReceipt(gctx, r)
			if err != nil {
				return errors.Wrapf(err, "apply receipt %s", r.ID)
			}
			if ok {
				applied.Add(1)
			} else {
				replayed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	report := batch.Report
	report.Applied = int(applied.Load())
	report.Replayed = int(replayed.Load())
	return report, err
}

func (in *Ingester) fpr() float64 {
	if in.FPR > 0 {
		return in.FPR
	}
	return defaultFPR
}

func spansFiles(occ []occurrence) bool {
	for _, o := range occ[1:] {
		if o.file != occ[0].file {
			return true
		}
	}
	return false
}

func agree(occ []occurrence) bool {
	first := occ[0].receipt
	for _, o := range occ[1:] {
		if o.receipt != first {
			return false
		}
	}
	return true
}

// readReceipts streams a gzipped CSV file. A first row starting with
// "receipt_id" is treated as a header.
func readReceipts(ctx context.Context, path string) ([]stock.Receipt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return parseReceipts(ctx, gz, path)
}

func parseReceipts(ctx context.Context, r io.Reader, name string) ([]stock.Receipt, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var out []stock.Receipt
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s", name)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "receipt_id") {
			continue
		}

		productID, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return nil, errors.Errorf("%s:%d: invalid product id %q", name, line, rec[1])
		}
		quantity, err := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, errors.Errorf("%s:%d: invalid quantity %q", name, line, rec[2])
		}
		receipt := stock.Receipt{
			ID:        strings.TrimSpace(rec[0]),
			ProductID: productID,
			Quantity:  quantity,
		}
		if err := receipt.Validate(); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", name, line)
		}
		out = append(out, receipt)
	}
}
