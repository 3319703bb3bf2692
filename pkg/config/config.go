// Package config loads JobServerConfig from the environment (and an
// optional .env file), the same getEnv*/godotenv mechanism the rest of
// this stack's daemons use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QueueBackendKind selects which queuebackend.Backend (if any) a server
// persists to.
type QueueBackendKind string

const (
	QueueBackendNone  QueueBackendKind = "none"
	QueueBackendSQL   QueueBackendKind = "sql"
	QueueBackendKafka QueueBackendKind = "kafka"
)

// JobServerConfig is the full configuration for cmd/jobqueued.
type JobServerConfig struct {
	Server JobServerListenConfig
	Redis  RedisConfig
	SQL    SQLBackendConfig
	Kafka  KafkaBackendConfig
}

// JobServerListenConfig configures the ioserver.Server itself.
type JobServerListenConfig struct {
	Addrs         []string // host:port pairs; repeatable via JOBQUEUED_LISTEN (comma-separated)
	Threads       int      // acceptor goroutines per listener
	Backlog       int      // advisory; passed through to callers that set a listen backlog
	QueueBackend  QueueBackendKind
	StatsInterval time.Duration
	PIDFile       string
	Verbose       bool
}

// RedisConfig configures the internal/adminstats mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SQLBackendConfig configures internal/queuebackend/sqlqueue.
type SQLBackendConfig struct {
	DSN string
}

// KafkaBackendConfig configures internal/queuebackend/kafkaqueue.
type KafkaBackendConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks int
	MaxAttempts  int
}

// Load reads a JobServerConfig from the environment, loading a .env file
// first if one is present (its absence is not an error).
func Load() (*JobServerConfig, error) {
	_ = godotenv.Load()

	cfg := &JobServerConfig{
		Server: JobServerListenConfig{
			Addrs:         splitCSV(getEnv("JOBQUEUED_LISTEN", "0.0.0.0:4730")),
			Threads:       getEnvAsInt("JOBQUEUED_THREADS", 1),
			Backlog:       getEnvAsInt("JOBQUEUED_BACKLOG", 1024),
			QueueBackend:  QueueBackendKind(getEnv("JOBQUEUED_QUEUE_BACKEND", string(QueueBackendNone))),
			StatsInterval: getEnvAsDuration("JOBQUEUED_STATS_INTERVAL", 5*time.Second),
			PIDFile:       getEnv("JOBQUEUED_PID_FILE", ""),
			Verbose:       getEnvAsBool("JOBQUEUED_VERBOSE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SQL: SQLBackendConfig{
			DSN: getEnv("JOBQUEUED_PG_DSN", "host=localhost port=5432 user=jobqueued password=jobqueued dbname=jobqueued sslmode=disable"),
		},
		Kafka: KafkaBackendConfig{
			Brokers:      splitCSV(getEnv("JOBQUEUED_KAFKA_BROKERS", "localhost:9092")),
			Topic:        getEnv("JOBQUEUED_KAFKA_TOPIC", "jobqueued.pending"),
			RequiredAcks: getEnvAsInt("JOBQUEUED_KAFKA_REQUIRED_ACKS", 1),
			MaxAttempts:  getEnvAsInt("JOBQUEUED_KAFKA_MAX_ATTEMPTS", 3),
		},
	}

	switch cfg.Server.QueueBackend {
	case QueueBackendNone, QueueBackendSQL, QueueBackendKafka:
	default:
		return nil, fmt.Errorf("config: unknown queue backend %q", cfg.Server.QueueBackend)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
