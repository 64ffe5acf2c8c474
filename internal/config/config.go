package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // trigger timezones resolve in minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the drip engine binaries.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	SES       SESConfig       `yaml:"ses"`
	SMS       SMSConfig       `yaml:"sms"`
	SQS       SQSConfig       `yaml:"sqs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AllowedOrigins feeds the API's CORS policy.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for leases and the
// engagement stream. An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// SchedulerConfig controls the due-step scheduler.
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	BatchSize       int  `yaml:"batch_size"`
	LockTTLSeconds  int  `yaml:"lock_ttl_seconds"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// TriggersConfig controls the daily trigger jobs.
type TriggersConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Timezone       string `yaml:"timezone"`
	CatchUpMinutes int    `yaml:"catch_up_minutes"`
	// Queries overrides audience SQL per trigger type.
	Queries map[string]AudienceQuery `yaml:"queries"`
}

// AudienceQuery is one trigger's audience SQL.
type AudienceQuery struct {
	SQL      string `yaml:"sql"`
	UsesDays bool   `yaml:"uses_days"`
}

func (c TriggersConfig) CatchUp() time.Duration {
	return time.Duration(c.CatchUpMinutes) * time.Minute
}

// Location resolves Timezone, falling back to UTC.
func (c TriggersConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("triggers timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TrackingConfig holds the open/click tracking settings.
type TrackingConfig struct {
	// BaseURL is the public origin emails link back to. Empty disables
	// link and pixel instrumentation.
	BaseURL     string `yaml:"base_url"`
	FallbackURL string `yaml:"fallback_url"`
	Stream      string `yaml:"stream"`
}

// DispatchConfig controls the outbound gateway.
type DispatchConfig struct {
	TimeoutSeconds          int  `yaml:"timeout_seconds"`
	StubUnsupportedChannels bool `yaml:"stub_unsupported_channels"`
}

func (c DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds the AWS SES email settings.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	ConfigSet string `yaml:"config_set"`
}

// SMSConfig holds the HTTP SMS provider settings.
type SMSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	SenderID       string `yaml:"sender_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c SMSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SQSConfig holds the engagement event queue settings.
type SQSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region"`
	QueueURL string `yaml:"queue_url"`
}

// Load reads the YAML file at path and applies defaults. An empty path
// yields the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 300
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.LockTTLSeconds == 0 {
		cfg.Scheduler.LockTTLSeconds = 600
	}
	if cfg.Triggers.CatchUpMinutes == 0 {
		cfg.Triggers.CatchUpMinutes = 60
	}
	if cfg.Tracking.Stream == "" {
		cfg.Tracking.Stream = "drip:engagement"
	}
	if cfg.Dispatch.TimeoutSeconds == 0 {
		cfg.Dispatch.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "me-south-1"
	}
	if cfg.SMS.TimeoutSeconds == 0 {
		cfg.SMS.TimeoutSeconds = 15
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.SES.Region
	}
}

// LoadFromEnv loads config from YAML, then overrides with environment
// variables, so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("SMS_API_KEY"); v != "" {
		cfg.SMS.APIKey = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (database.url or DATABASE_URL)")
	}
	return cfg, nil
}
