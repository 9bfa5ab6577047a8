package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Logging   LoggingConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Kafka     KafkaConfig
	Push      PushConfig
	Persister PersisterConfig
	Telemetry TelemetryConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Addrs    []string
	Password string
}

type PostgresConfig struct {
	MessagesDSN string
	AccountsDSN string
}

type KafkaConfig struct {
	Brokers []string
}

type PushConfig struct {
	Topic            string
	Acks             int
	Retries          int
	Idempotent       bool
	BreakerFailures  int
	BreakerReset     time.Duration
	PublishRetries   int
	PublishBaseDelay time.Duration
}

type PersisterConfig struct {
	PersistDelay      time.Duration
	PollInterval      time.Duration
	QueueBatchLimit   int
	MessageBatchLimit int
	LockTTL           time.Duration
}

type TelemetryConfig struct {
	MetricsEnabled bool
	Endpoint       string
	ServiceName    string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}

	messagesDSN := getEnv("MESSAGES_DATABASE_URL", "postgres://localhost/messages?sslmode=disable")

	return &Config{
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Addrs:    parseList(getEnv("REDIS_CLUSTER_ADDRS", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Postgres: PostgresConfig{
			MessagesDSN: messagesDSN,
			AccountsDSN: getEnv("ACCOUNTS_DATABASE_URL", messagesDSN),
		},
		Kafka: KafkaConfig{
			Brokers: parseList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		},
		Push: PushConfig{
			Topic:            getEnv("PUSH_TOPIC", "push-notifications"),
			Acks:             parseAcks(getEnv("KAFKA_PRODUCER_ACKS", "all")),
			Retries:          getEnvInt("KAFKA_PRODUCER_RETRIES", 3),
			Idempotent:       getEnvBool("KAFKA_PRODUCER_IDEMPOTENT", true),
			BreakerFailures:  getEnvInt("PUSH_BREAKER_FAILURES", 5),
			BreakerReset:     getEnvDuration("PUSH_BREAKER_RESET", 30*time.Second),
			PublishRetries:   getEnvInt("PUSH_PUBLISH_RETRIES", 2),
			PublishBaseDelay: getEnvDuration("PUSH_PUBLISH_BASE_DELAY", 100*time.Millisecond),
		},
		Persister: PersisterConfig{
			PersistDelay:      getEnvDuration("PERSIST_DELAY", 10*time.Minute),
			PollInterval:      getEnvDuration("PERSIST_POLL_INTERVAL", 100*time.Millisecond),
			QueueBatchLimit:   getEnvInt("PERSIST_QUEUE_BATCH_LIMIT", 100),
			MessageBatchLimit: getEnvInt("PERSIST_MESSAGE_BATCH_LIMIT", 100),
			LockTTL:           getEnvDuration("PERSIST_LOCK_TTL", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: getEnvBool("OTEL_METRICS_ENABLED", false),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "go-persister"),
		},
	}
}

func (c *Config) Validate() error {
	if len(c.Redis.Addrs) == 0 {
		return errors.New("redis addrs cannot be empty")
	}
	if c.Postgres.MessagesDSN == "" {
		return errors.New("messages database url cannot be empty")
	}
	if c.Postgres.AccountsDSN == "" {
		return errors.New("accounts database url cannot be empty")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka brokers cannot be empty")
	}
	if c.Push.Topic == "" {
		return errors.New("push topic cannot be empty")
	}
	if c.Persister.PersistDelay < 0 {
		return errors.New("persistDelay cannot be negative")
	}
	if c.Persister.PollInterval <= 0 {
		return errors.New("pollInterval must be greater than zero")
	}
	if c.Persister.QueueBatchLimit <= 0 {
		return errors.New("queueBatchLimit must be greater than zero")
	}
	if c.Persister.MessageBatchLimit <= 0 {
		return errors.New("messageBatchLimit must be greater than zero")
	}
	if c.Persister.LockTTL <= 0 {
		return errors.New("lockTTL must be greater than zero")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}
