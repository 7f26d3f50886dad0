package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// StoreConfig selects and sizes the Entity Store.
type StoreConfig struct {
	StoreBackend string `envconfig:"STORE_BACKEND" default:"pg"` // pg|memory
	DBDSN        string `envconfig:"DB_DSN"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

// NotifyConfig selects the send_notification backend.
type NotifyConfig struct {
	NotifyBackend         string `envconfig:"NOTIFY_BACKEND" default:"log"` // log|sqs|amqp
	NotifyBreakerFailures uint32 `envconfig:"NOTIFY_BREAKER_FAILURES" default:"5"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// RabbitMQ
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"booking.notifications"`
}

// APIConfig carries no notifier settings; delivery runs in the worker.
type APIConfig struct {
	StoreConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" required:"true"`

	// state machine
	QuoteTTL                  time.Duration `envconfig:"QUOTE_TTL" default:"168h"`
	ReviewQuoteTTL            time.Duration `envconfig:"REVIEW_QUOTE_TTL" default:"168h"`
	RequireArtistConfirmation bool          `envconfig:"REQUIRE_ARTIST_CONFIRMATION" default:"false"`

	// outbox drain
	OutboxPollInterval    time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize       int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxBackoffBase     time.Duration `envconfig:"OUTBOX_BACKOFF_BASE" default:"1s"`
	OutboxBackoffMax      time.Duration `envconfig:"OUTBOX_BACKOFF_MAX" default:"5m"`
	OutboxDeadLetterAfter int           `envconfig:"OUTBOX_DEAD_LETTER_AFTER" default:"0"`
	DeliveryTimeout       time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"5s"`

	// realtime
	CoalesceInterval   time.Duration `envconfig:"COALESCE_INTERVAL" default:"250ms"`
	ReconnectRPS       float64       `envconfig:"RECONNECT_RPS" default:"20"`
	ReconnectBurst     int           `envconfig:"RECONNECT_BURST" default:"40"`
	ReconnectHintDelay time.Duration `envconfig:"RECONNECT_HINT_DELAY" default:"5s"`

	UnreadCacheTTL time.Duration `envconfig:"UNREAD_CACHE_TTL" default:"30s"`
}

type WorkerConfig struct {
	StoreConfig
	NotifyConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize    int           `envconfig:"SWEEP_BATCH_SIZE" default:"200"`
	ExpiryWarningLead time.Duration `envconfig:"EXPIRY_WARNING_LEAD" default:"24h"`

	RequireArtistConfirmation bool `envconfig:"REQUIRE_ARTIST_CONFIRMATION" default:"false"`
}

type CtlConfig struct {
	StoreConfig

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// LoadCtl returns an error instead of panicking; the CLI reports it.
func LoadCtl() (CtlConfig, error) {
	var cfg CtlConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}
