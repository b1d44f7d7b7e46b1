package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"coinalert/internal/alerts"
	"coinalert/internal/bot"
	"coinalert/internal/cache"
	"coinalert/internal/coins"
	"coinalert/internal/commands"
	"coinalert/internal/config"
	"coinalert/internal/database"
	"coinalert/internal/events"
	"coinalert/internal/handlers"
	"coinalert/internal/logger"
	"coinalert/internal/notify"
	"coinalert/internal/pricesource"
	"coinalert/internal/scheduler"
	"coinalert/internal/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	check := flag.Bool("check", false, "Verify store and Redis connectivity, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *check {
		if err := checkConnectivity(ctx, cfg); err != nil {
			logger.Log.Fatal("Connectivity check failed", zap.Error(err))
		}
		logger.Log.Info("Store and Redis are reachable")
		return
	}

	if err := run(ctx, cfg); err != nil {
		logger.Log.Fatal("Bot stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Log

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error("Failed to shutdown tracer", zap.Error(err))
			}
		}()
	}

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		if cfg.Store.Backend == config.BackendRedis {
			return err
		}
		log.Warn("Redis unavailable, running without price cache, rate limiting and alert stream", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	store, err := openStore(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	defer store.Close()

	prices := pricesource.NewClient(pricesource.Config{
		BaseURL:         cfg.PriceAPI.BaseURL,
		APIKey:          cfg.PriceAPI.APIKey,
		Timeout:         cfg.PriceAPI.Timeout,
		RPS:             cfg.PriceAPI.RPS,
		InteractiveWait: cfg.PriceAPI.InteractiveWait,
	}, log)

	resolver := coins.NewResolver(prices, cfg.PriceAPI.Pins, log)
	if err := resolver.RebuildWithRetry(ctx, 3, 2*time.Second, 30*time.Second); err != nil {
		log.Warn("Coin catalog unavailable, resolving pinned tickers only", zap.Int("pins", resolver.Size()), zap.Error(err))
	}

	var cmdOpts []commands.Option
	var limiter bot.Limiter
	var publishers events.Fanout
	var stream *handlers.Stream
	if rdb != nil {
		cmdOpts = append(cmdOpts, commands.WithPriceCache(cache.NewPriceCache(rdb, cfg.PriceAPI.CacheTTL, log)))
		if l := bot.NewRedisLimiter(rdb, cfg.Telegram.RatePerMinute); l != nil {
			limiter = l
		}

		broadcaster := cache.NewBroadcaster(rdb, log)
		publishers = append(publishers, broadcaster)

		sub, err := broadcaster.Subscribe(ctx)
		if err != nil {
			log.Warn("Alert stream disabled", zap.Error(err))
		} else {
			defer sub.Close()
			stream = handlers.NewStream(log)
			go stream.Run(ctx, sub)
		}
	}

	if cfg.Kafka.Brokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	service := commands.NewService(store, resolver, prices.Interactive(), log, cmdOpts...)
	tg, err := bot.New(cfg.Telegram, bot.NewHandler(service, limiter, log), log)
	if err != nil {
		return err
	}

	evalOpts := []alerts.Option{}
	if len(publishers) > 0 {
		evalOpts = append(evalOpts, alerts.WithPublisher(publishers))
	}
	evaluator := alerts.NewEvaluator(store, prices, notify.NewTelegram(tg.Client(), log), log, evalOpts...)
	sched := scheduler.New("alerts", cfg.Alerts.Interval, func(ctx context.Context) {
		evaluator.Tick(ctx)
	}, log)

	checks := map[string]handlers.Pinger{"store": store}
	if rdb != nil {
		checks["redis"] = redisPinger{rdb}
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(handlers.NewHealth(checks, log), stream),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	tg.Start()
	log.Info("Bot started",
		zap.String("store", cfg.Store.Backend),
		zap.Duration("alert_interval", cfg.Alerts.Interval),
		zap.Int("symbols", resolver.Size()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-serverErr:
		log.Error("HTTP server failed", zap.Error(runErr))
	}

	tg.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// the scheduler returns once the in-flight tick has finished
	wg.Wait()
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (database.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return database.NewRedisStore(rdb, log), nil
	default:
		if cfg.Store.Migrate {
			if err := database.Migrate(cfg.Store.DatabaseURL); err != nil {
				return nil, err
			}
			log.Info("Database migrations applied")
		}
		return database.OpenPostgres(ctx, cfg.Store.DatabaseURL, log)
	}
}

// checkConnectivity opens the configured store and Redis once
func checkConnectivity(ctx context.Context, cfg *config.Config) error {
	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if cfg.Store.Backend == config.BackendRedis {
		return nil
	}
	store, err := database.OpenPostgres(ctx, cfg.Store.DatabaseURL, logger.Log)
	if err != nil {
		return err
	}
	return store.Close()
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
