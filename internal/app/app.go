// Package app wires the API server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/events"
	"github.com/xenking/keychain-shop/internal/handler"
	"github.com/xenking/keychain-shop/internal/idempotency"
	"github.com/xenking/keychain-shop/internal/metrics"
	"github.com/xenking/keychain-shop/internal/storage/postgres"
	"github.com/xenking/keychain-shop/pkg/health"
	"github.com/xenking/keychain-shop/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxConns:          cfg.Pool.MaxConns,
		MinConns:          cfg.Pool.MinConns,
		MaxConnLifetime:   cfg.Pool.MaxConnLifetime,
		HealthCheckPeriod: cfg.Pool.HealthCheckPeriod,
	})
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	stats := metrics.New()
	stats.RegisterPool(pool)

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	// Repositories.
	store := postgres.NewStore(pool, cfg.Checkout.LockTimeout)
	products := postgres.NewProductRepository(pool)
	customers := postgres.NewCustomerRepository(pool)
	tokens := postgres.NewTokenRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	carts := postgres.NewCartRepository(pool)

	// Optional collaborators.
	orderOpts := []order.Option{
		order.WithTracerProvider(m.TracerProvider()),
		order.WithMeterProvider(m.MeterProvider()),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.WriteTimeout)
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		orderOpts = append(orderOpts, order.WithPublisher(publisher))
		lg.Info("Publishing order events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	handlerOpts := []handler.Option{handler.WithCheckoutObserver(stats)}
	if cfg.Redis.URL != "" {
		client, err := idempotency.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = client.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		handlerOpts = append(handlerOpts, handler.WithIdempotency(idempotency.NewRedis(client, cfg.Redis.IdempotencyTTL)))
		lg.Info("Idempotency keys enabled", zap.Duration("ttl", cfg.Redis.IdempotencyTTL))
	}

	// Domain services.
	orderService := order.NewService(store, orders, customers, orderOpts...)
	cartService := cart.NewService(carts, products, customers)

	h := handler.NewHandler(
		orderService,
		cartService,
		products,
		identity.NewResolver(tokens, []byte(cfg.TokenPepper)),
		handlerOpts...,
	)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Method(http.MethodGet, "/metrics", stats.Handler())
	h.Routes(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(router,
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins:     cfg.CORS.Origins,
					AllowHeaders:     []string{"Content-Type", "Authorization", handler.IdempotencyKeyHeader},
					ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Retry-After"},
					AllowCredentials: cfg.CORS.AllowCredentials,
					MaxAge:           86400,
				}),
				httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
					Max:    cfg.RateLimit.Max,
					Window: cfg.RateLimit.Window,
				}),
				httpmiddleware.Routing(),
				httpmiddleware.Observe(stats),
				httpmiddleware.LogRequests(),
			),
			"keychain-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
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
