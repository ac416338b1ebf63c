package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairly/internal/api"
	"pairly/internal/clock"
	"pairly/internal/config"
	"pairly/internal/database"
	"pairly/internal/domain"
	"pairly/internal/escrow"
	"pairly/internal/events"
	"pairly/internal/google"
	"pairly/internal/ledger"
	"pairly/internal/logging"
	"pairly/internal/metrics"
	"pairly/internal/repository"
	"pairly/internal/service"
	"pairly/internal/slots"
	"pairly/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(&logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	locks := initCoordinator(redisClient, &logger)

	bus := events.NewEventBus()
	bus.OnError(func(event *events.Event, err error) {
		logger.Error().Err(err).Str("event", event.Type).Msg("event handler failed")
	})
	if publisher := initBroker(cfg, bus, &logger); publisher != nil {
		defer publisher.Close()
	}
	sheet := initSheet(cfg, bus, &logger)

	clk := clock.Real()
	retry := worker.RetryPolicy{
		MaxRetries:    cfg.Escrow.Retry.MaxRetries,
		InitialDelay:  cfg.Escrow.Retry.InitialDelay,
		MaxDelay:      cfg.Escrow.Retry.MaxDelay,
		BackoffFactor: cfg.Escrow.Retry.BackoffFactor,
	}

	instructions := worker.NewInstructionWorker(db, initLedger(cfg, &logger), redisClient, clk, retry,
		cfg.Escrow.Retry.PollInterval, logging.Component(&logger, "ledger-worker"))
	scheduler := escrow.NewScheduler(db, instructions, bus, clk, cfg.Escrow.SweepInterval, logging.Component(&logger, "escrow"))
	registry := slots.NewRegistry(db, locks, bus, clk, slots.Options{
		GracePeriod:   cfg.Booking.HoldGracePeriod,
		SweepInterval: cfg.Booking.HoldSweepInterval,
		RequireWindow: cfg.Booking.RequireDeclaredWindow,
	}, logging.Component(&logger, "slots"))

	bookings := service.NewBookingService(db, registry, scheduler, locks, bus, clk, service.Options{
		CodePrefix:      cfg.Booking.CodePrefix,
		Currency:        cfg.Booking.Currency,
		MinimumHours:    cfg.Booking.MinimumHours,
		FeeRate:         cfg.Booking.FeeRate,
		EnforceMinimum:  cfg.Booking.EnforceMinimum,
		ReleaseDelay:    cfg.Escrow.ReleaseDelay,
		Location:        cfg.Booking.Location(),
		Admins:          cfg.Admins,
		RequesterLimit:  cfg.Booking.RequesterLimit,
		RequesterWindow: cfg.Booking.RequesterWindow,
	}, logging.Component(&logger, "bookings"))
	bookings.RegisterHandlers(bus)

	grpcServer, err := api.NewGRPCServer(&cfg.API, db, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	httpServer := api.NewHTTPServer(cfg.API, bookings, registry, db, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	go registry.Run(ctx)
	go scheduler.Run(ctx)
	go instructions.Start(ctx)
	go database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup")).Start(ctx)
	go grpcServer.WatchHealth(ctx, 15*time.Second)
	if sheet != nil {
		go sheet.Run(ctx)
	}

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initCoordinator prefers Redis so several API processes share slot locks,
// and falls back to in-process locks when Redis is absent or down.
func initCoordinator(redisClient *redis.Client, logger *zerolog.Logger) domain.Coordinator {
	local := repository.NewMemoryCoordinator(2 * time.Second)
	if redisClient == nil {
		logger.Warn().Msg("no redis configured, slot locks are process-local")
		return local
	}
	return repository.NewFailoverCoordinator(
		repository.NewRedisCoordinator(redisClient, 2*time.Second),
		local,
		logging.Component(logger, "locks"),
	)
}

func initLedger(cfg *config.Config, logger *zerolog.Logger) domain.Ledger {
	if cfg.Ledger.BaseURL == "" {
		logger.Warn().Msg("no ledger base_url configured, using in-memory ledger")
		return ledger.NewMemory()
	}
	return ledger.NewHTTPClient(cfg.Ledger, logging.Component(logger, "ledger"))
}

func initBroker(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *events.Publisher {
	if cfg.Events.AMQPURL == "" {
		return nil
	}
	publisher, err := events.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("rabbitmq unavailable, events stay in-process")
		return nil
	}
	events.NewForwarder(publisher, logging.Component(logger, "events")).Attach(bus)
	logger.Info().Str("exchange", cfg.Events.Exchange).Msg("forwarding events to rabbitmq")
	return publisher
}

func initSheet(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *google.BookingSheet {
	if !cfg.Sheets.Enabled() {
		return nil
	}
	sheet, err := google.NewBookingSheet(context.Background(), cfg.Sheets, logging.Component(logger, "sheets"))
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets unavailable, booking mirror disabled")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sheet.TestConnection(ctx); err != nil {
		email, _ := google.ServiceAccountEmail(cfg.Sheets.CredentialsFile)
		logger.Warn().Err(err).Str("service_account", email).Msg("spreadsheet not reachable, check sharing")
	}
	sheet.Attach(bus)
	logger.Info().Str("spreadsheet_id", cfg.Sheets.SpreadsheetID).Msg("mirroring bookings to google sheets")
	return sheet
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
