// Command coupon-ingest imports the coupons confirmed by the partner coupon
// lists into the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/couponbase"
	"github.com/xenking/kart-store/internal/storage/postgres"
)

const batchSize = 500

func main() {
	var (
		dataDir     string
		databaseURL string
		files       int
		opts        couponbase.Options
	)
	flag.StringVar(&dataDir, "data-dir", "data", "directory containing couponbaseN.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&files, "files", 3, "number of couponbaseN.gz files")
	flag.IntVar(&opts.MinFiles, "min-files", 2, "files that must list a code")
	flag.UintVar(&opts.Capacity, "capacity", 1_000_000, "expected codes per file")
	flag.Float64Var(&opts.FalsePositiveRate, "fpr", 0.001, "bloom filter false positive rate")
	flag.Uint64Var(&opts.ProgressEvery, "progress-every", 1_000_000, "log progress every n records")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		return run(zctx.Base(ctx, lg), dataDir, files, databaseURL, opts)
	})
}

func run(ctx context.Context, dataDir string, files int, databaseURL string, opts couponbase.Options) error {
	lg := zctx.From(ctx)

	paths := make([]string, files)
	for i := range files {
		paths[i] = filepath.Join(dataDir, fmt.Sprintf("couponbase%d.gz", i+1))
		if _, err := os.Stat(paths[i]); err != nil {
			return errors.Wrapf(err, "check file %s", paths[i])
		}
	}

	lg.Info("Scanning coupon lists", zap.Strings("files", paths), zap.Int("min_files", opts.MinFiles))
	coupons, err := couponbase.Scan(ctx, paths, opts)
	if err != nil {
		return errors.Wrap(err, "scan")
	}
	lg.Info("Coupons confirmed", zap.Int("count", len(coupons)))
	if len(coupons) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	store := postgres.New(pool)
	for start := 0; start < len(coupons); start += batchSize {
		end := min(start+batchSize, len(coupons))
		if err := store.UpsertCoupons(ctx, coupons[start:end]); err != nil {
			return errors.Wrap(err, "write coupons")
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(coupons)))
	}
	return nil
}
