// Package config loads and validates the cache layer configuration from YAML
// files with environment-variable overrides. It provides typed structs for the
// cache store, the inversion strategy and the infrastructure the services talk
// to (Redis, PostgreSQL, Kafka, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in CacheConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendKV       = "kv"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Inverter strategies accepted in CacheConfig.Inverter.
const (
	InverterMemory   = "memory"
	InverterExternal = "external"
)

// Config is the top-level application configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// CacheConfig selects the key-value backend, the hit list chunking and the
// inversion strategy used for invalidation.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// ChunkSize is the maximum number of hits per stored chunk. Nil disables
	// chunking.
	ChunkSize    *int          `yaml:"chunkSize"`
	MaxValueSize int           `yaml:"maxValueSize"`
	Inverter     string        `yaml:"inverter"`
	TempDir      string        `yaml:"tempDir"`
	OpTimeout    time.Duration `yaml:"opTimeout"`
	KeyPrefix    string        `yaml:"keyPrefix"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	CacheTable      string        `yaml:"cacheTable"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CacheInvalidate string `yaml:"cacheInvalidate"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendBolt, BackendKV, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	switch c.Cache.Inverter {
	case InverterMemory, InverterExternal:
	default:
		return fmt.Errorf("cache.inverter: unknown strategy %q", c.Cache.Inverter)
	}
	if c.Cache.ChunkSize != nil && *c.Cache.ChunkSize <= 0 {
		return fmt.Errorf("cache.chunkSize: must be positive or unset, got %d", *c.Cache.ChunkSize)
	}
	if c.Cache.MaxValueSize < 0 {
		return fmt.Errorf("cache.maxValueSize: must not be negative, got %d", c.Cache.MaxValueSize)
	}
	if (c.Cache.Backend == BackendBolt || c.Cache.Backend == BackendKV) && c.Cache.Path == "" {
		return fmt.Errorf("cache.path: required for backend %q", c.Cache.Backend)
	}
	return nil
}

// ChunkSizeOrZero returns the configured chunk size, or 0 when chunking is
// disabled.
func (c CacheConfig) ChunkSizeOrZero() int {
	if c.ChunkSize == nil {
		return 0
	}
	return *c.ChunkSize
}

func defaultConfig() *Config {
	chunkSize := 50
	return &Config{
		Cache: CacheConfig{
			Backend:      BackendBolt,
			Path:         "data/querycache.db",
			ChunkSize:    &chunkSize,
			MaxValueSize: 0,
			Inverter:     InverterExternal,
			OpTimeout:    5 * time.Second,
			KeyPrefix:    "qcache:",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchcache",
			User:            "searchcache",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			CacheTable:      "query_cache",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "querycache-invalidator",
			Topics: KafkaTopics{
				CacheInvalidate: "cache-invalidate",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
	}
}

// applyEnvOverrides reads XC_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("XC_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("XC_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("XC_CACHE_CHUNK_SIZE"); v != "" {
		if v == "none" {
			cfg.Cache.ChunkSize = nil
		} else if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.ChunkSize = &n
		}
	}
	if v := os.Getenv("XC_CACHE_INVERTER"); v != "" {
		cfg.Cache.Inverter = v
	}
	if v := os.Getenv("XC_CACHE_TEMP_DIR"); v != "" {
		cfg.Cache.TempDir = v
	}
	if v := os.Getenv("XC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("XC_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("XC_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("XC_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("XC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("XC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("XC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("XC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("XC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("XC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("XC_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
