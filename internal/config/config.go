package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Backing services
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	NATSURL     string `envconfig:"NATS_URL" required:"true"`

	// Analytics
	AnalyticsSubject    string        `envconfig:"ANALYTICS_SUBJECT" default:"events.analytics"`
	EventBufferCapacity int           `envconfig:"EVENT_BUFFER_CAPACITY" default:"500"`
	EventFlushInterval  time.Duration `envconfig:"EVENT_FLUSH_INTERVAL" default:"5s"`

	// Batch intake
	MaxBatchSize        int   `envconfig:"MAX_BATCH_SIZE" default:"100000"`
	MaxRequestSizeBytes int64 `envconfig:"MAX_REQUEST_SIZE_BYTES" default:"26214400"`

	// HTTP rate limiting
	RateLimitRPS     int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	DisableRateLimit bool `envconfig:"DISABLE_RATE_LIMIT" default:"false"`

	// Worker concurrency
	ConcurrentBatches   int `envconfig:"CONCURRENT_BATCHES" default:"10"`
	MaxConcurrentChunks int `envconfig:"MAX_CONCURRENT_CHUNKS" default:"100"`
	MaxConcurrentSends  int `envconfig:"MAX_CONCURRENT_EMAILS" default:"500"`
	RecipientPageSize   int `envconfig:"RECIPIENT_PAGE_SIZE" default:"1000"`

	// Chunk retry policy
	ChunkMaxRedeliveries int `envconfig:"CHUNK_MAX_REDELIVERIES" default:"5"`

	// Hot-state circuit breaker
	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerWindow    time.Duration `envconfig:"BREAKER_WINDOW" default:"10s"`
	BreakerReset     time.Duration `envconfig:"BREAKER_RESET" default:"30s"`

	// Hot-state TTLs
	CompletedBatchTTL time.Duration `envconfig:"COMPLETED_BATCH_TTL" default:"48h"`
	ActiveBatchTTL    time.Duration `envconfig:"ACTIVE_BATCH_TTL" default:"168h"`

	// Send rate limiting
	SystemRPS            int           `envconfig:"SYSTEM_RPS" default:"1000"`
	ManagedSESRPS        int           `envconfig:"MANAGED_SES_RPS" default:"14"`
	ManagedResendRPS     int           `envconfig:"MANAGED_RESEND_RPS" default:"100"`
	ManagedTelnyxRPS     int           `envconfig:"MANAGED_TELNYX_RPS" default:"15"`
	SendAcquireTimeout   time.Duration `envconfig:"SEND_ACQUIRE_TIMEOUT" default:"1s"`
	WorkerAcquireTimeout time.Duration `envconfig:"WORKER_ACQUIRE_TIMEOUT" default:"10s"`

	// Default managed email profile (used when a batch has no send config)
	DefaultEmailService string `envconfig:"DEFAULT_EMAIL_SERVICE" default:"ses"`

	// Background services
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"30s"`
	StuckThreshold    time.Duration `envconfig:"STUCK_THRESHOLD" default:"10m"`
	SyncInterval      time.Duration `envconfig:"SYNC_INTERVAL" default:"15s"`

	// Inbound provider events
	WebhookDedupWindow time.Duration `envconfig:"WEBHOOK_DEDUP_WINDOW" default:"24h"`

	// Shutdown
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT_MS" default:"30s"`
	DrainTimeout    time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
