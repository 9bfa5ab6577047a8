package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go-persister/internal/cache"
	"go-persister/internal/config"
	"go-persister/internal/observability"
	"go-persister/internal/persister"
	"go-persister/internal/pubsub"
	"go-persister/internal/push"
	"go-persister/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app holds every component the subcommands share.
type app struct {
	logger    *logrus.Logger
	metrics   observability.MetricsCollector
	redis     redis.UniversalClient
	cache     *cache.MessagesCache
	messages  *storage.Messages
	accounts  *storage.Accounts
	pubsub    *pubsub.Manager
	producer  *push.Producer
	notifier  *persister.Notifier
	persister *persister.Persister

	shutdownMetrics func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{logger: observability.GetLogger()}

	a.metrics = observability.NewInMemoryMetrics()
	if cfg.Telemetry.MetricsEnabled {
		hostname, _ := os.Hostname()
		shutdown, err := observability.InitMeterProvider(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		a.shutdownMetrics = shutdown

		otelMetrics, err := observability.NewOTelMetrics(nil)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric instruments: %w", err)
		}
		a.metrics = otelMetrics
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.cache = cache.NewMessagesCache(a.redis, cache.Config{
		LockTTL: cfg.Persister.LockTTL,
		Logger:  a.logger,
	})
	a.pubsub = pubsub.NewManager(a.redis, a.logger)

	var err error
	if a.messages, err = storage.NewMessages(cfg.Postgres.MessagesDSN); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if a.accounts, err = storage.NewAccounts(cfg.Postgres.AccountsDSN); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.producer = push.NewProducer(push.ProducerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Acks:        cfg.Push.Acks,
		Retries:     cfg.Push.Retries,
		Idempotent:  cfg.Push.Idempotent,
		MaxRetries:  cfg.Push.PublishRetries,
		BaseBackoff: cfg.Push.PublishBaseDelay,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	sender := push.NewSender(a.producer, push.SenderConfig{
		Topic:           cfg.Push.Topic,
		BreakerFailures: cfg.Push.BreakerFailures,
		BreakerReset:    cfg.Push.BreakerReset,
		Logger:          a.logger,
	})

	a.notifier = persister.NewNotifier(a.accounts, a.pubsub, sender, a.metrics, a.logger)
	a.persister = persister.New(a.cache, a.messages, a.accounts, a.notifier, persister.Config{
		PersistDelay:      cfg.Persister.PersistDelay,
		PollInterval:      cfg.Persister.PollInterval,
		QueueBatchLimit:   cfg.Persister.QueueBatchLimit,
		MessageBatchLimit: cfg.Persister.MessageBatchLimit,
		Metrics:           a.metrics,
		Logger:            a.logger,
	})
	return a, nil
}

// Close releases whatever newApp managed to open.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.messages != nil {
		errs = append(errs, a.messages.Close())
	}
	if a.accounts != nil {
		errs = append(errs, a.accounts.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.shutdownMetrics != nil {
		errs = append(errs, a.shutdownMetrics(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WithError(err).Warn("Error while shutting down")
	}
}
