package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/slotkeeper/libs/config"
	"github.com/md-rashed-zaman/slotkeeper/libs/grpcx"
	"github.com/md-rashed-zaman/slotkeeper/libs/httpx"
	"github.com/md-rashed-zaman/slotkeeper/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotkeeper/libs/otel"
	"github.com/md-rashed-zaman/slotkeeper/libs/runtime"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/clock"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/consumer"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/handlers"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/jobs"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/ledger"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
)

func main() {
	if err := config.LoadFile(config.String("CONFIG_FILE", "")); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "reservation-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9095")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	clk := clock.NewSystem()
	deps, err := openBackends(ctx, logger)
	if err != nil {
		logger.Error("backend setup failed", "err", err)
		panic(err)
	}
	defer deps.Close()

	horizon := config.Duration("GENERATE_HORIZON", 14*24*time.Hour)
	brokers := config.String("KAFKA_BROKERS", "")

	provider := bizconfig.NewProvider(deps.source, logger)
	slotLedger := ledger.New(deps.store, clk, logger)
	calc := availability.NewCalculator(provider, slotLedger, clk, logger)

	opts := []reservation.Option{
		reservation.WithClock(clk),
		reservation.WithLogger(logger),
		reservation.WithHoldTTL(config.Duration("HOLD_TTL", reservation.DefaultHoldTTL)),
		reservation.WithRetry(reservation.RetryPolicy{
			MaxAttempts:    config.Int("STORE_MAX_ATTEMPTS", 3),
			AttemptTimeout: config.Duration("STORE_ATTEMPT_TIMEOUT", 2*time.Second),
		}),
	}
	if key := config.String("STRIPE_SECRET_KEY", ""); key != "" {
		opts = append(opts, reservation.WithPaymentVerifier(reservation.NewStripeVerifier(key)))
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; holds confirm without payment verification")
	}
	coord := reservation.New(deps.store, slotLedger, provider, opts...)

	g, gctx := errgroup.WithContext(ctx)

	sweeper := jobs.NewSweeper(coord, logger, jobs.SweeperConfig{
		Interval:  config.Duration("SWEEP_INTERVAL", 5*time.Second),
		BatchSize: config.Int("SWEEP_BATCH", 100),
	})
	g.Go(func() error { sweeper.Run(gctx); return nil })

	generator := jobs.NewGenerator(provider, calc, clk, logger, jobs.GeneratorConfig{
		Interval: config.Duration("GENERATE_EVERY", time.Hour),
		Horizon:  horizon,
	})
	g.Go(func() error { generator.Run(gctx); return nil })

	if deps.pool != nil {
		publisher := outbox.NewPublisher(deps.pool, outbox.NewRepository(deps.pool), logger, outbox.PublisherConfig{
			Brokers:   brokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		g.Go(func() error { publisher.Run(gctx); return nil })
	}

	if len(kafkax.SplitBrokers(brokers)) > 0 {
		var inv consumer.Invalidator
		if deps.cache != nil {
			inv = deps.cache
		}
		configConsumer := consumer.New(logger, deps.recorder, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   outbox.EventConfigUpdated,
		}, consumer.ConfigUpdatedHandler(inv, calc, clk, horizon, logger))
		configConsumer.SetHandlerRetry(config.Int("CONSUMER_MAX_ATTEMPTS", 3), config.Duration("CONSUMER_RETRY_INTERVAL", 200*time.Millisecond))
		g.Go(func() error { configConsumer.Run(gctx); return nil })
		deps.checks = append(deps.checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	hcfg := handlers.Config{Configs: deps.configs, Clock: clk, Horizon: horizon}
	if deps.cache != nil {
		hcfg.Cache = deps.cache
	}
	api := handlers.New(coord, calc, slotLedger, logger, hcfg)

	mux := runtime.NewBaseMuxWithReady(deps.checks...)
	api.Register(mux)

	limit := rateLimit(gctx, deps, logger)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.DefaultCORSPolicy(config.List("CORS_ALLOWED_ORIGINS"))),
		limit,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "reservation")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "err", err)
		}
		logger.Info("http server stopped")
		return nil
	})

	grpcSrv := grpcx.NewServer(logger)
	g.Go(func() error { grpcSrv.WatchReadiness(gctx, 5*time.Second, deps.checks...); return nil })
	g.Go(func() error { return grpcSrv.Serve(gctx, ":"+grpcPort) })

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", "err", err)
	}
}

// rateLimit prefers the shared Redis budget when Redis is configured.
func rateLimit(ctx context.Context, deps *backends, logger *slog.Logger) httpx.Middleware {
	rps := config.Float("RATE_LIMIT_RPS", 20)
	burst := config.Int("RATE_LIMIT_BURST", 40)
	if deps.redis != nil {
		return httpx.NewRedisRateLimiter(deps.redis, int(rps*60), time.Minute, "slotkeeper:rl").Middleware(logger, true)
	}
	rl := httpx.NewRateLimiter(rps, burst)
	go rl.RunJanitor(ctx)
	return rl.Middleware()
}
