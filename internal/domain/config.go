package domain

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Engine is the risk scoring policy
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Webhook    WebhookConfig    `json:"webhook"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// WebhookConfig holds assessment webhook delivery settings.
// An empty URL disables delivery.
type WebhookConfig struct {
	URL        string        `json:"url"`
	Timeout    time.Duration `json:"timeout"`
	AlertsOnly bool          `json:"alertsOnly"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Webhook: WebhookConfig{
			Timeout:    5 * time.Second,
			AlertsOnly: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		LocalMaxSize: 1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// envOverrides are optional environment overrides applied on top of the
// tier defaults. Pointer fields distinguish "unset" from zero values.
type envOverrides struct {
	Tier          *string        `env:"KESTREL_TIER"`
	Host          *string        `env:"KESTREL_HOST"`
	Port          *int           `env:"KESTREL_PORT"`
	SQLitePath    *string        `env:"KESTREL_SQLITE_PATH"`
	PostgresHost  *string        `env:"KESTREL_POSTGRES_HOST"`
	PostgresPort  *int           `env:"KESTREL_POSTGRES_PORT"`
	PostgresUser  *string        `env:"KESTREL_POSTGRES_USER"`
	PostgresPass  *string        `env:"KESTREL_POSTGRES_PASSWORD"`
	PostgresDB    *string        `env:"KESTREL_POSTGRES_DB"`
	RedisAddr     *string        `env:"KESTREL_REDIS_ADDR"`
	RedisPassword *string        `env:"KESTREL_REDIS_PASSWORD"`
	NATSUrl       *string        `env:"KESTREL_NATS_URL"`
	WebhookURL    *string        `env:"KESTREL_WEBHOOK_URL"`
	WebhookWait   *time.Duration `env:"KESTREL_WEBHOOK_TIMEOUT"`
	LogLevel      *string        `env:"KESTREL_LOG_LEVEL"`
	LogFormat     *string        `env:"KESTREL_LOG_FORMAT"`
	TracingOn     *bool          `env:"KESTREL_TRACING_ENABLED"`
}

// LoadConfig builds the configuration from tier defaults plus environment
// overrides.
func LoadConfig() (*Config, error) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if ov.Tier != nil && Tier(*ov.Tier) == TierPro {
		cfg = ProConfig()
	}

	if ov.Host != nil {
		cfg.Server.Host = *ov.Host
	}
	if ov.Port != nil {
		cfg.Server.Port = *ov.Port
	}
	if ov.SQLitePath != nil {
		cfg.Repository.SQLitePath = *ov.SQLitePath
	}
	if ov.PostgresHost != nil {
		cfg.Repository.PostgresHost = *ov.PostgresHost
	}
	if ov.PostgresPort != nil {
		cfg.Repository.PostgresPort = *ov.PostgresPort
	}
	if ov.PostgresUser != nil {
		cfg.Repository.PostgresUser = *ov.PostgresUser
	}
	if ov.PostgresPass != nil {
		cfg.Repository.PostgresPassword = *ov.PostgresPass
	}
	if ov.PostgresDB != nil {
		cfg.Repository.PostgresDB = *ov.PostgresDB
	}
	if ov.RedisAddr != nil {
		cfg.Cache.RedisAddr = *ov.RedisAddr
	}
	if ov.RedisPassword != nil {
		cfg.Cache.RedisPassword = *ov.RedisPassword
	}
	if ov.NATSUrl != nil {
		cfg.EventBus.NATSUrl = *ov.NATSUrl
	}
	if ov.WebhookURL != nil {
		cfg.Webhook.URL = *ov.WebhookURL
	}
	if ov.WebhookWait != nil {
		cfg.Webhook.Timeout = *ov.WebhookWait
	}
	if ov.LogLevel != nil {
		cfg.Logging.Level = *ov.LogLevel
	}
	if ov.LogFormat != nil {
		cfg.Logging.Format = *ov.LogFormat
	}
	if ov.TracingOn != nil {
		cfg.Tracing.Enabled = *ov.TracingOn
	}

	return cfg, nil
}
