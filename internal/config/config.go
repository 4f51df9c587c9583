// Package config loads application configuration from an optional YAML file
// and MAILROOM_-prefixed environment variables. Environment variables win;
// nested keys use double underscores, e.g. MAILROOM_DATABASE__URL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MAILROOM_"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	Queue     QueueConfig     `koanf:"queue"`
	Campaigns CampaignsConfig `koanf:"campaigns"`
	CORS      CORSConfig      `koanf:"cors"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// SMTPConfig contains outbound mail configuration.
type SMTPConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Host        string  `koanf:"host"`
	Port        int     `koanf:"port"`
	User        string  `koanf:"user"`
	Password    string  `koanf:"password"`
	FromAddress string  `koanf:"from_address"`
	SendRate    float64 `koanf:"send_rate"`
}

// QueueConfig contains delivery worker configuration. WorkerEnabled turns the
// background delivery loop off entirely; integration tests run their own
// workers against the same store.
type QueueConfig struct {
	WorkerEnabled     bool          `koanf:"worker_enabled"`
	BatchSize         int           `koanf:"batch_size"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	SendTimeout       time.Duration `koanf:"send_timeout"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	NumWorkers        int           `koanf:"num_workers"`
	StaleAfter        time.Duration `koanf:"stale_after"`
}

// CampaignsConfig contains campaign scheduler configuration.
type CampaignsConfig struct {
	SchedulerEnabled bool          `koanf:"scheduler_enabled"`
	PollInterval     time.Duration `koanf:"poll_interval"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.host":                "0.0.0.0",
		"server.port":                "8080",
		"server.metrics_port":        "9090",
		"server.read_timeout":        "15s",
		"server.read_header_timeout": "5s",
		"server.write_timeout":       "30s",
		"server.idle_timeout":        "60s",
		"server.shutdown_timeout":    "30s",

		"database.max_open_conns":   25,
		"database.max_idle_conns":   5,
		"database.conn_max_lifetime": "30m",
		"database.connect_timeout":  "60s",
		"database.connect_attempts": 5,

		"smtp.enabled":   false,
		"smtp.port":      587,
		"smtp.send_rate": 10.0,

		"queue.worker_enabled":     true,
		"queue.batch_size":         100,
		"queue.poll_interval":      "30s",
		"queue.send_timeout":       "30s",
		"queue.retry_delay":        "5m",
		"queue.max_backoff":        "1h",
		"queue.backoff_multiplier": 1.0,
		"queue.num_workers":        5,
		"queue.stale_after":        "15m",

		"campaigns.scheduler_enabled": true,
		"campaigns.poll_interval":     "1m",

		"cors.allowed_origins": []string{"*"},

		"log.level":  "info",
		"log.format": "json",
	}
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist) and then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (MAILROOM_DATABASE__URL)")
	}
	if c.SMTP.Enabled {
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required when smtp is enabled")
		}
		if c.SMTP.FromAddress == "" {
			return fmt.Errorf("smtp.from_address is required when smtp is enabled")
		}
	}
	return nil
}
