package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/carpool/internal/logging"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"
)

// ServerConfig captures all tunable parameters for the carpool binaries.
// Precedence is defaults, then the optional YAML file, then environment
// variables, so a checked-in file can be overridden per deployment.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`

	StoreBackend string        `yaml:"store_backend"`
	LockBackend  string        `yaml:"lock_backend"`
	LockTTL      time.Duration `yaml:"lock_ttl"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`

	KafkaBrokers           []string `yaml:"kafka_brokers"`
	KafkaEventsTopic       string   `yaml:"kafka_events_topic"`
	KafkaAvailabilityTopic string   `yaml:"kafka_availability_topic"`
	KafkaGroup             string   `yaml:"kafka_group"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	DriverSeedPath  string `yaml:"driver_seed_path"`
	Timezone        string `yaml:"timezone"`
	EnforceCapacity bool   `yaml:"enforce_capacity"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		MetricsAddr:            ":2112",
		StoreBackend:           StoreMemory,
		LockBackend:            LockLocal,
		LockTTL:                10 * time.Second,
		RedisKeyPrefix:         "carpool:",
		KafkaEventsTopic:       "carpool-events",
		KafkaAvailabilityTopic: "driver-availability",
		KafkaGroup:             "carpool-availability-consumer",
		AMQPExchange:           "carpool.events",
		Timezone:               "Local",
		LogLevel:               "info",
		LogFormat:              logging.FormatJSON,
	}
}

// LoadServerConfig reads path (or CONFIG_PATH when path is empty) if one is
// given, then applies environment overrides and validates the result.
// Variables from a dotenv file (ENV_FILE, default ./.env) count as
// environment but never replace variables that are already set.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return cfg, err
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	setStringFromEnv(&cfg.LockBackend, "LOCK_BACKEND")
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaAvailabilityTopic, "KAFKA_AVAILABILITY_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.DriverSeedPath, "DRIVER_SEED_PATH")
	setStringFromEnv(&cfg.Timezone, "TIMEZONE")
	setBoolFromEnv(&cfg.EnforceCapacity, "ENFORCE_CAPACITY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.LockBackend = strings.ToLower(cfg.LockBackend)
	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR"))
		}
	case StorePostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	switch cfg.LockBackend {
	case LockLocal:
	case LockRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend))
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != logging.FormatJSON && cfg.LogFormat != logging.FormatText {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", cfg.LogFormat))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// LoggerOptions returns the logging settings for the named service.
func (c ServerConfig) LoggerOptions(service string) logging.Options {
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat, Service: service}
}

// Location resolves Timezone; calendar-date filters and stats use it.
func (c ServerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
