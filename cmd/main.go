/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * opens the configured store, connects the message broker and Redis, wires the
 * ledger components together and serves HTTP until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file for development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiter backend.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/maudeniemann/dish-drop-sub000/internal/api"
	"github.com/maudeniemann/dish-drop-sub000/internal/app"
	"github.com/maudeniemann/dish-drop-sub000/internal/config"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
	"github.com/maudeniemann/dish-drop-sub000/internal/streak"
	rmrabbit "github.com/maudeniemann/dish-drop-sub000/pkg/rabbitmq"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting ledger-service", "port", cfg.ServerPort, "store_driver", cfg.StoreDriver)

	calendar, err := streak.NewCalendar(cfg.StreakTimezone)
	if err != nil {
		logger.Error("invalid streak timezone", "timezone", cfg.StreakTimezone, "error", err)
		os.Exit(1)
	}

	repository, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer repository.Close()

	// Initialize the RabbitMQ producer. Ledger writes never depend on the broker.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; ledger events disabled", "env", "RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	opts := app.Options{
		Logger:    logger,
		Publisher: publisher,
		Exchange:  cfg.LedgerEventExchange,
		Calendar:  calendar,
		OpTimeout: cfg.OpTimeout(),
	}
	ledger := app.NewMealLedger(repository, opts)
	goals := app.NewGoalEngine(repository, ledger, opts)
	coupons := app.NewCouponEconomy(repository, opts)
	catalog := app.NewCatalogSync(repository, opts)

	if cfg.GlobalGoalTarget > 0 {
		if err := ledger.SetGoalTarget(context.Background(), cfg.GlobalGoalTarget); err != nil {
			logger.Warn("failed to apply global goal target", "target", cfg.GlobalGoalTarget, "error", err)
		}
	}

	limiter := connectRateLimiter(cfg, logger)
	if limiter != nil {
		defer limiter.close()
	}

	// Inbound events are optional; the HTTP internal routes cover the same operations.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 16)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; inbound events disabled", "error", err)
		} else {
			defer consumer.Close()
			handlers := app.NewEventHandlers(ledger, ledger, catalog, logger)
			if err := consumer.ConsumeWithBindings(cfg.InboundEventExchange, cfg.InboundEventQueue, handlers.Bindings()); err != nil {
				logger.Error("inbound consumer start failed", "queue", cfg.InboundEventQueue, "error", err)
				os.Exit(1)
			}
			logger.Info("inbound consumer started", "exchange", cfg.InboundEventExchange, "queue", cfg.InboundEventQueue)
		}
	}

	jobs := app.NewJobs(coupons, goals, repository, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	logger.Info("scheduler started", "jobs", scheduler.Start())

	routerCfg := api.RouterConfig{
		Auth:           api.AuthConfig{HMACSecret: cfg.JWTHMACSecret, JWKSURL: cfg.JWKSURL},
		InternalAPIKey: cfg.InternalAPIKey,
		DropLimit:      cfg.DropRateLimitPerMinute,
		ClaimLimit:     cfg.ClaimRateLimitPerMinute,
		Logger:         logger,
	}
	if limiter != nil {
		routerCfg.Limiter = limiter.RedisRateLimiter
	}
	handlers := api.NewHandlers(ledger, goals, coupons, repository, logger)
	router := api.NewRouter(handlers, routerCfg)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		repository, err := store.OpenSQLite(cfg.SQLitePath, cfg.MigrateOnStart)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repository, nil
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	if cfg.MigrateOnStart {
		if err := store.MigratePostgres(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")
	return store.NewPostgresRepository(dbpool), nil
}

type redisLimiter struct {
	*app.RedisRateLimiter
	client *redis.Client
}

func (l *redisLimiter) close() {
	_ = l.client.Close()
}

// connectRateLimiter returns nil when rate limiting is disabled or Redis is unreachable.
func connectRateLimiter(cfg config.Config, logger *slog.Logger) *redisLimiter {
	if cfg.DropRateLimitPerMinute <= 0 && cfg.ClaimRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; rate limiting disabled", "env", "REDIS_URL")
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting disabled", "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected")
	return &redisLimiter{
		RedisRateLimiter: app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix),
		client:           client,
	}
}
