package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backends
	RedisURL             string        `envconfig:"REDIS_URL" required:"true"`
	RedisPoolSize        int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	RedisMinIdleConns    int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	RedisConnMaxLifetime time.Duration `envconfig:"REDIS_CONN_MAX_LIFETIME" default:"1h"`
	DatabaseURL          string        `envconfig:"DATABASE_URL" required:"true"`

	// Gateway (Evolution API)
	EvolutionAPIURL string `envconfig:"EVOLUTION_API_URL" required:"true"`
	EvolutionAPIKey string `envconfig:"EVOLUTION_API_KEY" required:"true"`
	WebhookSecret   string `envconfig:"WEBHOOK_SECRET"`

	// Stream
	StreamTopic        string        `envconfig:"STREAM_TOPIC" default:"messages:stream"`
	ConsumerGroup      string        `envconfig:"CONSUMER_GROUP" default:"processors"`
	StreamMaxLen       int64         `envconfig:"STREAM_MAXLEN" default:"100000"`
	ConsumeBatch       int64         `envconfig:"CONSUME_BATCH" default:"10"`
	ConsumeBlock       time.Duration `envconfig:"CONSUME_BLOCK" default:"5s"`
	AutoClaimThreshold time.Duration `envconfig:"AUTO_CLAIM_THRESHOLD" default:"5m"`
	WorkerCount        int           `envconfig:"WORKER_COUNT" default:"4"`
	MaxRetries         int           `envconfig:"MAX_RETRIES" default:"3"`

	// Admission
	QueueThreshold      int64         `envconfig:"QUEUE_THRESHOLD" default:"1000"`
	PendingThreshold    int64         `envconfig:"PENDING_THRESHOLD" default:"500"`
	CheckInterval       time.Duration `envconfig:"ADMISSION_CHECK_INTERVAL" default:"5s"`
	RateLimitPerMinute  int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	RateLimitBurst      int           `envconfig:"RATE_LIMIT_BURST" default:"20"`
	RateLimitWindow     time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	BaseThrottleDelayMs int           `envconfig:"BASE_THROTTLE_DELAY_MS" default:"0"`
	MaxThrottleDelayMs  int           `envconfig:"MAX_THROTTLE_DELAY_MS" default:"2000"`
	AllowedOrigins      string        `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// DLQ administration
	DLQAdminToken string `envconfig:"DLQ_ADMIN_TOKEN"`

	// LLM
	LLMAPIKey string `envconfig:"LLM_API_KEY"`
	LLMModel  string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`

	// Agents
	TranscriptionAgentURL string        `envconfig:"TRANSCRIPTION_AGENT_URL" default:"http://localhost:8101"`
	RAGAgentURL           string        `envconfig:"RAG_AGENT_URL" default:"http://localhost:8102"`
	MemoryAgentURL        string        `envconfig:"MEMORY_AGENT_URL" default:"http://localhost:8103"`
	WebSearchAgentURL     string        `envconfig:"WEB_SEARCH_AGENT_URL" default:"http://localhost:8104"`
	DatabaseAgentURL      string        `envconfig:"DATABASE_AGENT_URL" default:"http://localhost:8105"`
	AgentTimeout          time.Duration `envconfig:"AGENT_TIMEOUT" default:"30s"`
	TranscriptionTimeout  time.Duration `envconfig:"TRANSCRIPTION_TIMEOUT" default:"60s"`

	// Observability
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

func Load() (*Config, error) {
	// Best effort; production injects real env vars.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
