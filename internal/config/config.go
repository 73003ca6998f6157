// Package config собирает настройки сервиса: значения по умолчанию,
// затем YAML-файл, затем переменные окружения STOREFRONT_*.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storefront/internal/domain"
)

const envPrefix = "STOREFRONT_"

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	AMQP    AMQPConfig    `yaml:"amqp"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Reports ReportsConfig `yaml:"reports"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Driver is memory or postgres.
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

// AMQPConfig пустой URL отключает RabbitMQ
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// CacheConfig пустой RedisAddr означает кеш в памяти
type CacheConfig struct {
	RedisAddr  string        `yaml:"redis_addr"`
	ProductTTL time.Duration `yaml:"product_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ReportsConfig struct {
	RevenueStatuses []domain.OrderStatus `yaml:"revenue_statuses"`
}

func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		Storage: StorageConfig{Driver: "memory"},
		AMQP:    AMQPConfig{Exchange: "storefront.orders"},
		Cache:   CacheConfig{ProductTTL: time.Minute},
		Log:     LogConfig{Level: "info", Format: "json"},
		Reports: ReportsConfig{RevenueStatuses: []domain.OrderStatus{domain.OrderStatusDone}},
	}
}

// Load returns defaults overlaid by the file at path (when non-empty) and then
// by the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays values present in a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(envPrefix + "HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(envPrefix + "SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSHUTDOWN_TIMEOUT: %w", envPrefix, err)
		}
		c.HTTP.ShutdownTimeout = d
	}

	if v := os.Getenv(envPrefix + "STORAGE"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(envPrefix + "DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}

	if v := os.Getenv(envPrefix + "AMQP_URL"); v != "" {
		c.AMQP.URL = v
	}
	if v := os.Getenv(envPrefix + "AMQP_EXCHANGE"); v != "" {
		c.AMQP.Exchange = v
	}

	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv(envPrefix + "PRODUCT_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sPRODUCT_CACHE_TTL: %w", envPrefix, err)
		}
		c.Cache.ProductTTL = d
	}

	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv(envPrefix + "REVENUE_STATUSES"); v != "" {
		var statuses []domain.OrderStatus
		for _, s := range strings.Split(v, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			st, err := domain.ParseOrderStatus(s)
			if err != nil {
				return fmt.Errorf("invalid %sREVENUE_STATUSES: %w", envPrefix, err)
			}
			statuses = append(statuses, st)
		}
		c.Reports.RevenueStatuses = statuses
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("amqp.exchange is required when amqp.url is set"))
	}
	if c.Cache.ProductTTL < 0 {
		errs = append(errs, errors.New("cache.product_ttl must not be negative"))
	}
	if len(c.Reports.RevenueStatuses) == 0 {
		errs = append(errs, errors.New("reports.revenue_statuses must not be empty"))
	}
	for _, st := range c.Reports.RevenueStatuses {
		if !st.Valid() {
			errs = append(errs, fmt.Errorf("reports.revenue_statuses: %w %q", domain.ErrInvalidStatus, st))
		}
	}
	return errors.Join(errs...)
}
