// Package bootstrap builds the shared dependencies the binaries wire
// together from their config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"booking/internal/awsutil"
	"booking/internal/config"
	"booking/internal/notify"
	amqpqueue "booking/internal/queue/amqp"
	sqsqueue "booking/internal/queue/sqs"
	"booking/internal/store"
	"booking/internal/store/memstore"
	"booking/internal/store/pg"
)

// OpenStore returns the configured Entity Store and a func releasing it.
// The memory backend only makes sense when one process owns all state.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		slog.Warn("using in-memory store; state is lost on exit")
		return memstore.New(), func() {}, nil
	case "pg", "":
		if cfg.DBDSN == "" {
			return nil, nil, fmt.Errorf("DB_DSN is required for the pg store")
		}
		st, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// NewDispatcher returns the configured send_notification backend wrapped in
// a circuit breaker.
func NewDispatcher(ctx context.Context, cfg config.NotifyConfig) (notify.Dispatcher, func(), error) {
	switch cfg.NotifyBackend {
	case "log", "":
		return notify.Log{}, func() {}, nil
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, nil, fmt.Errorf("SQS_QUEUE_URL is required for the sqs backend")
		}
		client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return nil, nil, err
		}
		p := &sqsqueue.Producer{
			SQS:      client,
			QueueURL: cfg.SQSQueueURL,
			FIFO:     strings.HasSuffix(cfg.SQSQueueURL, ".fifo"),
		}
		return notify.NewBreaker("sqs", p, cfg.NotifyBreakerFailures), func() {}, nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, nil, fmt.Errorf("AMQP_URL is required for the amqp backend")
		}
		p, err := amqpqueue.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewBreaker("amqp", p, cfg.NotifyBreakerFailures), func() { _ = p.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown NOTIFY_BACKEND %q", cfg.NotifyBackend)
}
