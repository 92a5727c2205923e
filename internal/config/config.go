// Package config loads the service configuration from the environment.
// .env files are read first and never override variables already set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendMemory      = "memory"
	BackendPostgres    = "postgres"
	BackendRedis       = "redis"
	BackendEventBridge = "eventbridge"

	EmailProviderNone = "none"
	EmailProviderSMTP = "smtp"
	EmailProviderSES  = "ses"
)

type Config struct {
	AppEnv    string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`

	Server    ServerConfig
	Reminder  ReminderConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Kafka     KafkaConfig
	Registry  RegistryConfig
	Keycloak  KeycloakConfig
	Email     EmailConfig
	Telemetry TelemetryConfig
	Sweeper   SweeperConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8085" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ReminderConfig struct {
	// Timezone booking times are interpreted in
	Timezone         string        `envconfig:"REMINDER_TIMEZONE" default:"UTC" validate:"required,timezone"`
	Workers          int           `envconfig:"REMINDER_WORKERS" default:"4" validate:"min=1,max=256"`
	FanoutParallel   int           `envconfig:"REMINDER_FANOUT_PARALLEL" default:"4" validate:"min=1"`
	LookupTimeout    time.Duration `envconfig:"REMINDER_LOOKUP_TIMEOUT" default:"10s"`
	SinkTimeout      time.Duration `envconfig:"REMINDER_SINK_TIMEOUT" default:"5s"`
	DedupeDeliveries bool          `envconfig:"REMINDER_DEDUPE_DELIVERIES" default:"false"`
}

type QueueConfig struct {
	Backend           string        `envconfig:"QUEUE_BACKEND" default:"memory" validate:"oneof=memory postgres redis eventbridge"`
	VisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
	PollInterval      time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"2s"`
}

type RetryConfig struct {
	InitialInterval     time.Duration `envconfig:"QUEUE_RETRY_INITIAL_INTERVAL" default:"200ms"`
	MaxInterval         time.Duration `envconfig:"QUEUE_RETRY_MAX_INTERVAL" default:"5s"`
	MaxRetries          uint64        `envconfig:"QUEUE_RETRY_MAX_RETRIES" default:"5"`
	BreakerFailures     uint32        `envconfig:"QUEUE_BREAKER_FAILURES" default:"5" validate:"min=1"`
	BreakerOpenDuration time.Duration `envconfig:"QUEUE_BREAKER_OPEN_TIMEOUT" default:"30s"`
}

// DatabaseConfig configures PostgreSQL. RunMigrations applies the embedded
// migrations on startup.
type DatabaseConfig struct {
	DSN           string `envconfig:"POSTGRES_DSN"`
	MaxOpenConns  int    `envconfig:"POSTGRES_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns  int    `envconfig:"POSTGRES_MAX_IDLE_CONNS" default:"5"`
	RunMigrations bool   `envconfig:"POSTGRES_RUN_MIGRATIONS" default:"true"`
}

type RedisConfig struct {
	URL         string        `envconfig:"REDIS_URL"`
	Queue       string        `envconfig:"REDIS_QUEUE" default:"reminders"`
	Concurrency int           `envconfig:"REDIS_CONCURRENCY" default:"4"`
	MaxRetry    int           `envconfig:"REDIS_MAX_RETRY" default:"10"`
	RetryDelay  time.Duration `envconfig:"REDIS_RETRY_DELAY" default:"30s"`
}

type AWSConfig struct {
	Region             string `envconfig:"AWS_REGION" default:"ap-south-1"`
	Endpoint           string `envconfig:"AWS_LOCAL_ENDPOINT_URL"`
	SchedulerGroupName string `envconfig:"AWS_SCHEDULER_GROUP_NAME" default:"default"`
	SchedulerRoleARN   string `envconfig:"AWS_SCHEDULER_ROLE_ARN"`
	ReminderQueueARN   string `envconfig:"AWS_SQS_REMINDERS_QUEUE_ARN"`
	ReminderQueueURL   string `envconfig:"AWS_SQS_REMINDERS_QUEUE_URL"`
	WaitSeconds        int32  `envconfig:"AWS_SQS_WAIT_SECONDS" default:"20" validate:"min=0,max=20"`
}

type KafkaConfig struct {
	Brokers          []string `envconfig:"KAFKA_URL" default:"localhost:9092"`
	GroupID          string   `envconfig:"KAFKA_GROUP_ID" default:"reminder-service-group"`
	TopicCreated     string   `envconfig:"REMINDER_TOPIC_CREATED" default:"bookings.entity.created"`
	TopicRescheduled string   `envconfig:"REMINDER_TOPIC_RESCHEDULED" default:"bookings.entity.rescheduled"`
	TopicCancelled   string   `envconfig:"REMINDER_TOPIC_CANCELLED" default:"bookings.entity.cancelled"`
	Enabled          bool     `envconfig:"KAFKA_ENABLED" default:"true"`
}

type RegistryConfig struct {
	BaseURL string        `envconfig:"BOOKING_SERVICE_URL" default:"http://localhost:8081" validate:"required,url"`
	Timeout time.Duration `envconfig:"BOOKING_SERVICE_TIMEOUT" default:"10s"`
}

type KeycloakConfig struct {
	URL          string `envconfig:"KEYCLOAK_URL"`
	Realm        string `envconfig:"KEYCLOAK_REALM" default:"clinic"`
	ClientID     string `envconfig:"KEYCLOAK_CLIENT_ID" default:"reminder-service-client"`
	ClientSecret string `envconfig:"REMINDER_CLIENT_SECRET"`
}

// RealmURL is the issuer base, e.g. http://auth:8080/realms/clinic
func (k KeycloakConfig) RealmURL() string {
	return strings.TrimSuffix(k.URL, "/") + "/realms/" + k.Realm
}

type EmailConfig struct {
	Provider        string        `envconfig:"EMAIL_PROVIDER" default:"none" validate:"oneof=none smtp ses"`
	From            string        `envconfig:"EMAIL_FROM" default:"no-reply@clinic.example"`
	FromName        string        `envconfig:"EMAIL_FROM_NAME" default:"CareConnect"`
	BrandColor      string        `envconfig:"EMAIL_BRAND_COLOR" default:"#0E7490"`
	SMTPHost        string        `envconfig:"SMTP_HOST"`
	SMTPPort        int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername    string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string        `envconfig:"SMTP_PASSWORD"`
	SESConfigSet    string        `envconfig:"SES_CONFIGURATION_SET"`
	Workers         int           `envconfig:"EMAIL_WORKERS" default:"2" validate:"min=1"`
	Buffer          int           `envconfig:"EMAIL_BUFFER" default:"256" validate:"min=1"`
	MaxRetries      uint64        `envconfig:"EMAIL_MAX_RETRIES" default:"5"`
	InitialInterval time.Duration `envconfig:"EMAIL_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `envconfig:"EMAIL_RETRY_MAX_INTERVAL" default:"1m"`
	RatePerSecond   float64       `envconfig:"EMAIL_RATE_PER_SECOND" default:"10" validate:"min=0"`
}

type TelemetryConfig struct {
	CloudWatchEnabled bool   `envconfig:"CLOUDWATCH_METRICS_ENABLED" default:"false"`
	Namespace         string `envconfig:"CLOUDWATCH_NAMESPACE" default:"Reminders"`
}

type SweeperConfig struct {
	IndexRebuildSchedule string        `envconfig:"INDEX_REBUILD_SCHEDULE" default:"@every 15m"`
	MarkerPurgeSchedule  string        `envconfig:"DELIVERED_PURGE_SCHEDULE" default:"@daily"`
	MarkerRetention      time.Duration `envconfig:"DELIVERED_RETENTION" default:"168h"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	AllowedMethods []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,OPTIONS"`
	AllowedHeaders []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Authorization,Content-Type"`
	MaxAge         int      `envconfig:"CORS_MAX_AGE" default:"600"`
}

// LoadEnv loads environment variables from the first .env file found
func LoadEnv() string {
	envPaths := []string{
		".env",
		"../.env",
		filepath.Join(os.Getenv("HOME"), ".config/ms-reminders/.env"),
	}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads .env, then the environment, and validates the result
func Load() (Config, error) {
	LoadEnv()
	return FromEnv()
}

// FromEnv reads the process environment only
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings each backend needs
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	switch c.Queue.Backend {
	case BackendPostgres:
		require("POSTGRES_DSN", c.Database.DSN)
	case BackendRedis:
		require("REDIS_URL", c.Redis.URL)
	case BackendEventBridge:
		require("AWS_SCHEDULER_ROLE_ARN", c.AWS.SchedulerRoleARN)
		require("AWS_SQS_REMINDERS_QUEUE_ARN", c.AWS.ReminderQueueARN)
		require("AWS_SQS_REMINDERS_QUEUE_URL", c.AWS.ReminderQueueURL)
	}
	if c.Reminder.DedupeDeliveries {
		require("POSTGRES_DSN", c.Database.DSN)
	}
	if c.Email.Provider == EmailProviderSMTP {
		require("SMTP_HOST", c.Email.SMTPHost)
	}
	if c.Keycloak.URL != "" {
		require("REMINDER_CLIENT_SECRET", c.Keycloak.ClientSecret)
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid configuration: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// NeedsPostgres reports whether any component writes to PostgreSQL
func (c Config) NeedsPostgres() bool {
	return c.Database.DSN != "" || c.Queue.Backend == BackendPostgres || c.Reminder.DedupeDeliveries
}
