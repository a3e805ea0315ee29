package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	HTTP     HTTPConfig
	Engine   EngineConfig
	Scorer   ScorerConfig
	SMTP     SMTPConfig
	SMS      SMSConfig
	Webhook  WebhookConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers          []string
	TopicAssessments string
	TopicAlerts      string
	ConsumerGroup    string
}

type HTTPConfig struct {
	Addr string
}

// EngineConfig tunes the evaluation loop, the condition shards and the
// dispatch pool. Class boundaries and retry counts are configuration,
// not constants.
type EngineConfig struct {
	EvalInterval    time.Duration
	Shards          int
	DispatchWorkers int
	QueueDepth      int
	MaxAttempts     int
	BackoffBase     time.Duration
	BoundaryMedium  float64
	BoundaryHigh    float64
	SnapshotTTL     time.Duration
}

type ScorerConfig struct {
	URL     string
	Timeout time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMSConfig struct {
	Host   string
	APIKey string
	Sender string
}

type WebhookConfig struct {
	Secret  string
	Timeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "rockfall_user"),
			Password: getEnv("DB_PASSWORD", "rockfall_pass"),
			DBName:   getEnv("DB_NAME", "rockfall_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:          strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicAssessments: getEnv("KAFKA_TOPIC_ASSESSMENTS", "rockfall.assessments"),
			TopicAlerts:      getEnv("KAFKA_TOPIC_ALERTS", "rockfall.alerts"),
			ConsumerGroup:    getEnv("KAFKA_CONSUMER_GROUP", "risk-engine"),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8090"),
		},
		Engine: EngineConfig{
			EvalInterval:    getEnvAsDuration("ENGINE_EVAL_INTERVAL", 1*time.Minute),
			Shards:          getEnvAsInt("ENGINE_SHARDS", 8),
			DispatchWorkers: getEnvAsInt("DISPATCH_WORKERS", 16),
			QueueDepth:      getEnvAsInt("DISPATCH_QUEUE_DEPTH", 64),
			MaxAttempts:     getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 3),
			BackoffBase:     getEnvAsDuration("DISPATCH_BACKOFF_BASE", 500*time.Millisecond),
			BoundaryMedium:  getEnvAsFloat("RISK_BOUNDARY_MEDIUM", 0.33),
			BoundaryHigh:    getEnvAsFloat("RISK_BOUNDARY_HIGH", 0.66),
			SnapshotTTL:     getEnvAsDuration("SNAPSHOT_TTL", 24*time.Hour),
		},
		Scorer: ScorerConfig{
			URL:     getEnv("SCORER_URL", "http://localhost:5000/api/predict"),
			Timeout: getEnvAsDuration("SCORER_TIMEOUT", 10*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "alerts@rockfallsystem.com"),
		},
		SMS: SMSConfig{
			Host:   getEnv("SMS_GATEWAY_HOST", ""),
			APIKey: getEnv("SMS_GATEWAY_KEY", ""),
			Sender: getEnv("SMS_SENDER", "RockfallAI"),
		},
		Webhook: WebhookConfig{
			Secret:  getEnv("WEBHOOK_SECRET", ""),
			Timeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	e := c.Engine
	if e.BoundaryMedium <= 0 || e.BoundaryHigh >= 1 || e.BoundaryMedium >= e.BoundaryHigh {
		return fmt.Errorf("invalid risk class boundaries: medium=%.2f high=%.2f", e.BoundaryMedium, e.BoundaryHigh)
	}
	if e.EvalInterval <= 0 {
		return fmt.Errorf("evaluation interval must be positive, got %s", e.EvalInterval)
	}
	if e.Shards <= 0 || e.DispatchWorkers <= 0 || e.QueueDepth <= 0 {
		return fmt.Errorf("shards, dispatch workers and queue depth must be positive")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("max dispatch attempts must be positive, got %d", e.MaxAttempts)
	}
	if e.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", e.BackoffBase)
	}
	return nil
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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
