// Package config loads service configuration from a YAML file with
// environment variable overrides. A .env file is loaded first if present.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	defaultServiceName         = "tele-google"
	defaultServicePort         = 8080
	defaultDBHost              = "localhost"
	defaultDBPort              = 5432
	defaultDBUser              = "postgres"
	defaultDBName              = "tele_google"
	defaultDBSSLMode           = "disable"
	defaultDBMaxConns          = 25
	defaultDBMaxIdleConns      = 5
	defaultRedisAddr           = "localhost:6379"
	defaultDedupTTL            = 24 * time.Hour
	defaultProviderTimeout     = 30 * time.Second
	defaultProviderMaxRetries  = 3
	defaultProviderRPS         = 5
	defaultConfidenceFloor     = 0.5
	defaultGatewayPoll         = 5 * time.Second
	defaultNotifyQueue         = 256
	defaultReplaySchedule      = "@every 10m"
	defaultBackfillPause       = 500 * time.Millisecond
	defaultSearchLimit         = 5
	defaultCandidateMultiplier = 10
	defaultRerankTimeout       = 10 * time.Second
	defaultSimilarityThreshold = 0.80
	defaultMinSamples          = 3
	defaultCohortLimit         = 10
	defaultDealThreshold       = 0.15
	defaultInstantThreshold    = 0.25
	defaultLogLevel            = "info"
)

// Config holds all configuration for the service.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Valuation ValuationConfig `yaml:"valuation"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name  string `yaml:"name"`
	Port  int    `env:"SERVICE_PORT" yaml:"port"`
	Debug bool   `env:"APP_DEBUG"    yaml:"debug"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host         string `env:"POSTGRES_HOST"     yaml:"host"`
	Port         int    `env:"POSTGRES_PORT"     yaml:"port"`
	User         string `env:"POSTGRES_USER"     yaml:"user"`
	Password     string `env:"POSTGRES_PASSWORD" yaml:"password"`
	Database     string `env:"POSTGRES_DB"       yaml:"database"`
	SSLMode      string `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
	MaxConns     int    `yaml:"max_connections"`
	MaxIdleConns int    `yaml:"max_idle_connections"`
}

// RedisConfig holds Redis configuration for the dedup cache.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"     yaml:"addr"`
	Password string        `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// ProviderConfig holds the extraction/embedding service configuration.
type ProviderConfig struct {
	BaseURL         string        `env:"PROVIDER_BASE_URL" yaml:"base_url"`
	APIKey          string        `env:"PROVIDER_API_KEY"  yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RequestsPerSec  int           `yaml:"requests_per_sec"`
	ConfidenceFloor float64       `yaml:"confidence_floor"`
}

// GatewayConfig holds the session gateway (channel transport) configuration.
type GatewayConfig struct {
	BaseURL      string        `env:"GATEWAY_BASE_URL" yaml:"base_url"`
	APIKey       string        `env:"GATEWAY_API_KEY"  yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NotifyConfig holds notification dispatch configuration.
type NotifyConfig struct {
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL" yaml:"webhook_url"`
	QueueSize  int    `yaml:"queue_size"`
}

// IngestConfig holds ingestion coordinator configuration.
type IngestConfig struct {
	Channels          []string      `env:"INGEST_CHANNELS" yaml:"channels"`
	ReplaySchedule    string        `yaml:"replay_schedule"`
	BackfillPause     time.Duration `yaml:"backfill_pause"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	AuthRetryInterval time.Duration `yaml:"auth_retry_interval"`
	ReplayBatchSize   int           `yaml:"replay_batch_size"`
}

// SearchConfig holds retrieval engine configuration.
type SearchConfig struct {
	DefaultLimit        int           `yaml:"default_limit"`
	CandidateMultiplier int           `yaml:"candidate_multiplier"`
	RerankTimeout       time.Duration `yaml:"rerank_timeout"`
}

// ValuationConfig holds valuation engine configuration.
type ValuationConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MinSamples          int     `yaml:"min_samples"`
	CohortLimit         int     `yaml:"cohort_limit"`
	DealThreshold       float64 `yaml:"deal_threshold"`
	InstantThreshold    float64 `yaml:"instant_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" yaml:"level"`
}

// Load reads the YAML config file at path and applies environment variable
// overrides. A missing file is not an error; defaults plus environment
// variables are used instead.
func Load(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.setDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = defaultServiceName
	}
	if c.Service.Port == 0 {
		c.Service.Port = defaultServicePort
	}
	if c.Database.Host == "" {
		c.Database.Host = defaultDBHost
	}
	if c.Database.Port == 0 {
		c.Database.Port = defaultDBPort
	}
	if c.Database.User == "" {
		c.Database.User = defaultDBUser
	}
	if c.Database.Database == "" {
		c.Database.Database = defaultDBName
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = defaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = defaultDBMaxConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = defaultDBMaxIdleConns
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	if c.Redis.DedupTTL == 0 {
		c.Redis.DedupTTL = defaultDedupTTL
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = defaultProviderTimeout
	}
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = defaultProviderMaxRetries
	}
	if c.Provider.RequestsPerSec == 0 {
		c.Provider.RequestsPerSec = defaultProviderRPS
	}
	if c.Provider.ConfidenceFloor == 0 {
		c.Provider.ConfidenceFloor = defaultConfidenceFloor
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = defaultProviderTimeout
	}
	if c.Gateway.PollInterval == 0 {
		c.Gateway.PollInterval = defaultGatewayPoll
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = defaultNotifyQueue
	}
	if c.Ingest.ReplaySchedule == "" {
		c.Ingest.ReplaySchedule = defaultReplaySchedule
	}
	if c.Ingest.BackfillPause == 0 {
		c.Ingest.BackfillPause = defaultBackfillPause
	}
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = defaultSearchLimit
	}
	if c.Search.CandidateMultiplier == 0 {
		c.Search.CandidateMultiplier = defaultCandidateMultiplier
	}
	if c.Search.RerankTimeout == 0 {
		c.Search.RerankTimeout = defaultRerankTimeout
	}
	if c.Valuation.SimilarityThreshold == 0 {
		c.Valuation.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.Valuation.MinSamples == 0 {
		c.Valuation.MinSamples = defaultMinSamples
	}
	if c.Valuation.CohortLimit == 0 {
		c.Valuation.CohortLimit = defaultCohortLimit
	}
	if c.Valuation.DealThreshold == 0 {
		c.Valuation.DealThreshold = defaultDealThreshold
	}
	if c.Valuation.InstantThreshold == 0 {
		c.Valuation.InstantThreshold = defaultInstantThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port: must be between 1 and 65535, got %d", c.Service.Port)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url: is required")
	}
	if c.Valuation.SimilarityThreshold <= 0 || c.Valuation.SimilarityThreshold > 1 {
		return fmt.Errorf("valuation.similarity_threshold: must be in (0, 1], got %v", c.Valuation.SimilarityThreshold)
	}
	if c.Valuation.MinSamples < 1 {
		return fmt.Errorf("valuation.min_samples: must be at least 1, got %d", c.Valuation.MinSamples)
	}
	return nil
}

// applyEnvOverrides uses struct tags to apply environment variable values.
// Tag format: `env:"VAR_NAME"`
func applyEnvOverrides(cfg any) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			applyEnvToStruct(field)
			continue
		}

		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" {
			continue
		}
		envVal := os.Getenv(envTag)
		if envVal == "" {
			continue
		}
		setFieldFromString(field, envVal)
	}
}

func setFieldFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			field.SetFloat(f)
		}
	case reflect.Bool:
		b := strings.ToLower(strings.TrimSpace(val))
		field.SetBool(b == "true" || b == "1" || b == "yes")
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(val, ",")
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}
