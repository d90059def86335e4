package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	TxMaxAttempts int
	TxRetryDelay  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string

	MatchBatchSize    int
	MatchDefaultLimit int
	MatchMaxLimit     int

	PushWebhookURL string

	LogLevel string
}

// ConsumerConfig configures the status consumer that mirrors Kafka into Redis.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	WriteAttempts int
	WriteDelay    time.Duration

	MetricsAddr string
	LogLevel    string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		TxMaxAttempts:     5,
		TxRetryDelay:      20 * time.Millisecond,
		RedisGeoKey:       "rides_geo",
		KafkaTopic:        "ride-status",
		MatchBatchSize:    100,
		MatchDefaultLimit: 10,
		MatchMaxLimit:     50,
		LogLevel:          "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ride-status",
		KafkaGroup:    "carpool-status-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "rides_geo",
		WriteAttempts: 3,
		WriteDelay:    200 * time.Millisecond,
		MetricsAddr:   ":2112",
		LogLevel:      "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setIntFromEnv(&cfg.TxMaxAttempts, "TX_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.TxRetryDelay, "TX_RETRY_DELAY", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.MatchBatchSize, "MATCH_BATCH_SIZE", &errs)
	setIntFromEnv(&cfg.MatchDefaultLimit, "MATCH_DEFAULT_LIMIT", &errs)
	setIntFromEnv(&cfg.MatchMaxLimit, "MATCH_MAX_LIMIT", &errs)

	cfg.PushWebhookURL = strings.TrimSpace(os.Getenv("PUSH_WEBHOOK_URL"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.TxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("TX_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.MatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_BATCH_SIZE must be > 0"))
	}
	if cfg.MatchDefaultLimit <= 0 || cfg.MatchMaxLimit < cfg.MatchDefaultLimit {
		errs = append(errs, fmt.Errorf("need 0 < MATCH_DEFAULT_LIMIT <= MATCH_MAX_LIMIT"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setIntFromEnv(&cfg.WriteAttempts, "REDIS_WRITE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.WriteDelay, "REDIS_WRITE_DELAY", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.WriteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_WRITE_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
