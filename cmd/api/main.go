package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"imovelbot/internal/admission"
	"imovelbot/internal/config"
	"imovelbot/internal/convstate"
	"imovelbot/internal/dlqadmin"
	"imovelbot/internal/executions"
	"imovelbot/internal/gateway"
	"imovelbot/internal/idempotency"
	"imovelbot/internal/ingress"
	"imovelbot/internal/observability"
	"imovelbot/internal/persistence"
	"imovelbot/internal/resilience"
	"imovelbot/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLogger(cfg.Environment, cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting ingest API", zap.String("environment", cfg.Environment))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	ctx := context.Background()
	redisClient, err := persistence.NewRedis(ctx, cfg.RedisURL, persistence.RedisOptions{
		PoolSize:        cfg.RedisPoolSize,
		MinIdleConns:    cfg.RedisMinIdleConns,
		ConnMaxLifetime: cfg.RedisConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	database, err := persistence.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("Failed to run migrations", zap.Error(err))
	}

	st := stream.New(redisClient, logger)
	if err := st.EnsureGroup(ctx, cfg.StreamTopic, cfg.ConsumerGroup); err != nil {
		logger.Fatal("Failed to prepare stream", zap.Error(err))
	}

	breakers := resilience.NewBreakerRegistry(logger, metrics, resilience.DefaultBreakerConfig())
	gatewayClient := gateway.NewClient(cfg.EvolutionAPIURL, cfg.EvolutionAPIKey, breakers, logger, metrics)

	conv := convstate.NewStore(redisClient, logger)
	idem := idempotency.NewStore(redisClient, logger, metrics, idempotency.DefaultTTL)
	archive := executions.NewStore(database)

	monitor := admission.NewMonitor(st, logger, metrics, cfg.StreamTopic, cfg.ConsumerGroup, cfg.QueueThreshold, cfg.PendingThreshold, cfg.CheckInterval)
	limiter := admission.NewRateLimiter(redisClient.Client, cfg.RateLimitPerMinute, cfg.RateLimitBurst, cfg.RateLimitWindow)
	throttle := admission.NewThrottle(
		time.Duration(cfg.BaseThrottleDelayMs)*time.Millisecond,
		time.Duration(cfg.MaxThrottleDelayMs)*time.Millisecond)

	handlers := ingress.NewHandlers(st, conv, idem, gatewayClient, redisClient, database, logger, metrics, cfg.StreamTopic, cfg.WebhookSecret)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("Unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	ingress.SetupRoutes(app, handlers, logger, metrics, monitor, limiter, throttle, cfg.AllowedOrigins, cfg.MetricsEnabled)

	dlqService := dlqadmin.NewService(st, cfg.StreamTopic, logger)
	dlqadmin.RegisterRoutes(app, dlqService, archive, cfg.DLQAdminToken, cfg.ConsumerGroup, logger)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Ingest API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}
	logger.Info("Ingest API stopped")
}
