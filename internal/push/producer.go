package push

import (
	"context"
	"fmt"
	"math"
	"time"

	"go-persister/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ProducerClient writes push requests to the gateway topic. Key is the
// device address, so every request for one device lands on one partition.
type ProducerClient interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// Producer is the kafka-go backed ProducerClient. Writes are synchronous and
// retried with exponential backoff on top of the writer's own attempts.
type Producer struct {
	writer      *kafka.Writer
	brokers     []string
	logger      *logrus.Logger
	metrics     observability.MetricsCollector
	maxRetries  int
	baseBackoff time.Duration
}

const maxRetryBackoff = 5 * time.Second

type ProducerConfig struct {
	Brokers     []string
	Acks        int // -1 for all, 0 for none, 1 for leader
	Retries     int
	Idempotent  bool
	MaxRetries  int
	BaseBackoff time.Duration
	Metrics     observability.MetricsCollector
	Logger      *logrus.Logger
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}

	// idempotent delivery requires acks from all replicas
	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}

	return &Producer{
		writer:      writer,
		brokers:     cfg.Brokers,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

func newPushMessage(topic, key string, value []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg
}

// retryBackoff doubles from baseBackoff per attempt, capped at maxRetryBackoff.
func (p *Producer) retryBackoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(p.baseBackoff)*math.Pow(2, float64(attempt-1)),
		float64(maxRetryBackoff),
	))
}

// Publish writes one push request for the device identified by key. It
// returns once the brokers acknowledged it or the retries ran out.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := newPushMessage(topic, key, value, headers)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryBackoff(attempt)

			p.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"topic":   topic,
				"key":     key,
				"backoff": backoff,
			}).Info("Retrying push publish")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.IncPushPublished()
			p.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"key":     key,
				"attempt": attempt + 1,
			}).Debug("Push request published")
			return nil
		}

		lastErr = err
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic":   topic,
			"key":     key,
			"attempt": attempt + 1,
		}).Warn("Failed to publish push request")

		if ctx.Err() != nil {
			break
		}
	}

	p.metrics.IncPushPublishFailed()
	return fmt.Errorf("failed to publish push request after %d attempts: %w", p.maxRetries+1, lastErr)
}

// HealthCheck dials the first broker and reads the cluster's broker list.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read brokers: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	p.logger.Info("Closing push producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
