// Package app wires the API server together.
package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
	"github.com/xenking/kart-store/internal/domain/txn"
	"github.com/xenking/kart-store/internal/events"
	"github.com/xenking/kart-store/internal/fixture"
	"github.com/xenking/kart-store/internal/handler"
	"github.com/xenking/kart-store/internal/momo"
	"github.com/xenking/kart-store/internal/storage/memory"
	"github.com/xenking/kart-store/internal/storage/postgres"
	"github.com/xenking/kart-store/pkg/health"
	"github.com/xenking/kart-store/pkg/httpmiddleware"
)

// repositories are the storage dependencies of the domain services.
type repositories struct {
	tx        txn.Runner
	variants  catalog.Repository
	coupons   coupon.Repository
	addresses address.Repository
	keys      auth.Repository
	carts     cart.Repository
	orders    order.Repository
	payments  payment.Repository
}

// openStorage returns the configured repositories and a close function.
// Readiness checks of the backend are registered on hs.
func openStorage(ctx context.Context, cfg *Config, hs *health.Health) (*repositories, func(), error) {
	lg := zctx.From(ctx)

	if cfg.Storage == StorageMemory {
		s := memory.New()
		if cfg.SeedFile != "" {
			data, err := os.ReadFile(cfg.SeedFile)
			if err != nil {
				return nil, nil, errors.Wrap(err, "read seed file")
			}
			fx, err := fixture.Decode(data, []byte(cfg.Auth.APIKeyPepper))
			if err != nil {
				return nil, nil, errors.Wrap(err, "decode seed file")
			}
			s.Seed(fx)
			lg.Info("Memory store seeded",
				zap.String("file", cfg.SeedFile),
				zap.Int("variants", len(fx.Variants)),
				zap.Int("coupons", len(fx.Coupons)),
			)
		}
		lg.Warn("Using in-memory storage, data is lost on restart")
		return &repositories{
			tx:        s,
			variants:  s,
			coupons:   s,
			addresses: s,
			keys:      s,
			carts:     s.Carts(),
			orders:    s.Orders(),
			payments:  s.Payments(),
		}, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	s := postgres.New(pool)
	hs.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", s))

	return &repositories{
		tx:        s,
		variants:  s.Catalog(),
		coupons:   s.Coupons(),
		addresses: s.Addresses(),
		keys:      s.APIKeys(),
		carts:     s.Carts(),
		orders:    s.Orders(),
		payments:  s.Payments(),
	}, pool.Close, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.Bool("momo", cfg.MoMo.Enabled),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	repos, closeStorage, err := openStorage(ctx, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer closeStorage()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := k.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.PingCheck("kafka", k))
		publisher = k
	}

	settings, err := cfg.Pricing.Settings()
	if err != nil {
		return err
	}
	finder := coupon.NewFinder(repos.coupons)
	agg := cart.NewAggregator(repos.carts, repos.variants, finder, settings)

	var payments *payment.Manager
	if cfg.MoMo.Enabled {
		gw := momo.New(cfg.MoMo.client(), &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
		})
		if payments, err = payment.NewManager(gw, payment.Deps{
			Tx:       repos.tx,
			Orders:   repos.orders,
			Payments: repos.payments,
			Coupons:  repos.coupons,
			Events:   publisher,
			Meter:    m.MeterProvider(),
		}); err != nil {
			return errors.Wrap(err, "create payment manager")
		}
	}

	deps := order.Deps{
		Tx:        repos.tx,
		Carts:     repos.carts,
		Variants:  repos.variants,
		Addresses: repos.addresses,
		Orders:    repos.orders,
		Events:    publisher,
		Meter:     m.MeterProvider(),
	}
	if payments != nil {
		deps.Payments = payments
	}
	checkout, err := order.NewCheckout(agg, deps)
	if err != nil {
		return errors.Wrap(err, "create checkout")
	}

	h := handler.New(handler.Deps{
		Carts:    cart.NewService(repos.tx, repos.carts, repos.variants, finder, agg),
		Checkout: checkout,
		Payments: payments,
		Tokens:   auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Keys:     auth.NewKeyAuthenticator(repos.keys, []byte(cfg.Auth.APIKeyPepper)),
	})

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.MoMo.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Instrument("kart-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.LogRequests(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "api_key", httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: h.RateLimitKey,
			}),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
