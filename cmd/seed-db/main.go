// Command seed-db loads a JSON fixture of products, coupons, addresses and
// operator API keys into the database.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/fixture"
	"github.com/xenking/kart-store/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		fixtureFile  string
		apiKeyPepper string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&fixtureFile, "fixture-file", "db/seed/fixture.json", "path to the fixture JSON file")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_AUTH_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_AUTH_API_KEY_PEPPER")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		return run(zctx.Base(ctx, lg), databaseURL, fixtureFile, []byte(apiKeyPepper))
	})
}

func run(ctx context.Context, databaseURL, fixtureFile string, pepper []byte) error {
	lg := zctx.From(ctx)

	data, err := os.ReadFile(fixtureFile)
	if err != nil {
		return errors.Wrap(err, "read fixture")
	}
	fx, err := fixture.Decode(data, pepper)
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.New(pool).Seed(ctx, fx); err != nil {
		return errors.Wrap(err, "seed")
	}
	lg.Info("Seed completed",
		zap.String("file", fixtureFile),
		zap.Int("variants", len(fx.Variants)),
		zap.Int("coupons", len(fx.Coupons)),
		zap.Int("addresses", len(fx.Addresses)),
		zap.Int("api_keys", len(fx.APIKeys)),
	)
	return nil
}
