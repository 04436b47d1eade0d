package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"imovelbot/internal/agents"
	"imovelbot/internal/config"
	"imovelbot/internal/executions"
	"imovelbot/internal/gateway"
	"imovelbot/internal/idempotency"
	"imovelbot/internal/llm"
	"imovelbot/internal/observability"
	"imovelbot/internal/persistence"
	"imovelbot/internal/resilience"
	"imovelbot/internal/stream"
	"imovelbot/internal/worker"
	"imovelbot/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLogger(cfg.Environment, cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting pipeline worker", zap.String("environment", cfg.Environment))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	idem := idempotency.NewStore(redisClient, logger, metrics, idempotency.DefaultTTL)

	breakers := resilience.NewBreakerRegistry(logger, metrics, resilience.DefaultBreakerConfig())
	gatewayClient := gateway.NewClient(cfg.EvolutionAPIURL, cfg.EvolutionAPIKey, breakers, logger, metrics)

	dispatcher := agents.NewDispatcher(agents.Config{
		TranscriptionURL:     cfg.TranscriptionAgentURL,
		RAGURL:               cfg.RAGAgentURL,
		MemoryURL:            cfg.MemoryAgentURL,
		WebSearchURL:         cfg.WebSearchAgentURL,
		DatabaseURL:          cfg.DatabaseAgentURL,
		Timeout:              cfg.AgentTimeout,
		TranscriptionTimeout: cfg.TranscriptionTimeout,
	}, breakers, logger, metrics)

	model := buildModel(cfg, logger)

	registry := workflow.NewRegistry()
	builder := &workflow.Builder{LLM: model, Agents: dispatcher, Logger: logger}
	if err := builder.RegisterAll(registry); err != nil {
		logger.Fatal("Failed to register workflows", zap.Error(err))
	}

	archive := executions.NewStore(database)
	engine := workflow.NewEngine(logger, metrics, archive)

	workerCfg := worker.DefaultConfig()
	workerCfg.Topic = cfg.StreamTopic
	workerCfg.Group = cfg.ConsumerGroup
	workerCfg.WorkerCount = cfg.WorkerCount
	workerCfg.Batch = cfg.ConsumeBatch
	workerCfg.Block = cfg.ConsumeBlock
	workerCfg.MaxRetries = cfg.MaxRetries
	workerCfg.AutoClaimMinIdle = cfg.AutoClaimThreshold
	workerCfg.StreamMaxLen = cfg.StreamMaxLen

	w := worker.New(workerCfg, st, idem, gatewayClient, registry, engine, logger, metrics)
	if err := w.Run(ctx); err != nil {
		logger.Fatal("Worker pool failed", zap.Error(err))
	}
	logger.Info("Pipeline worker stopped")
}

// buildModel picks the real chat model when a key is configured and the
// deterministic echo client otherwise.
func buildModel(cfg *config.Config, logger *zap.Logger) llm.Client {
	if cfg.LLMAPIKey == "" || cfg.Environment == "development" {
		logger.Info("Using echo chat model", zap.String("reason", "no API key or development environment"))
		return llm.NewEchoClient()
	}
	model, err := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		logger.Warn("Chat model init failed, falling back to echo", zap.Error(err))
		return llm.NewEchoClient()
	}
	logger.Info("Using OpenAI-compatible chat model", zap.String("model", cfg.LLMModel))
	return model
}
