// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration of the TourLane service.
type Bootstrap struct {
	Server      *Server
	Data        *Data
	Broker      *Broker
	Resilience  *Resilience
	Ledger      *Ledger
	Idempotency *Idempotency
	Log         *Log
}

// Server holds transport configuration.
type Server struct {
	Http *ServerHTTP
}

// ServerHTTP holds HTTP server configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds storage configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the MySQL connection configuration.
type Database struct {
	Driver string
	Source string
}

// Redis holds the Redis connection configuration.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Broker holds the RabbitMQ event bus configuration.
type Broker struct {
	URL                string
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	BindingKeys        []string
	MaxRetries         int
	BackoffBase        float64 // seconds; retry delay is base^retryCount
}

// Resilience holds circuit breaker defaults and the named upstreams
// reachable through the resilient relay.
type Resilience struct {
	Defaults  *BreakerConfig
	Upstreams []*Upstream
}

// BreakerConfig is the per-dependency circuit breaker tuning.
// Zero-valued fields fall back to the resilience defaults.
type BreakerConfig struct {
	Timeout                  time.Duration `mapstructure:"timeout"`
	ErrorThresholdPercentage int           `mapstructure:"error_threshold_percentage"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	RollingWindow            time.Duration `mapstructure:"rolling_window"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
}

// Upstream is a downstream service reachable through the relay.
type Upstream struct {
	Name     string         `mapstructure:"name"`
	BaseURL  string         `mapstructure:"base_url"`
	ProxyURL string         `mapstructure:"proxy_url"`
	Breaker  *BreakerConfig `mapstructure:"breaker"`
}

// Ledger holds availability ledger tuning.
type Ledger struct {
	LowWaterMarkRatio float64
	MaxRetries        int
}

// Idempotency holds the event dedup ledger tuning.
type Idempotency struct {
	TTL *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with TOURLANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or TOURLANE_DATA_DATABASE_SOURCE: MySQL connection string
//   - AMQP_URL or TOURLANE_BROKER_URL: RabbitMQ connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with TOURLANE_ prefix
	v.SetEnvPrefix("TOURLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without TOURLANE_ prefix) for compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "TOURLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "TOURLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("broker.url", "AMQP_URL", "TOURLANE_BROKER_URL")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Named upstreams carry nested breaker overrides, so they are
	// unmarshalled rather than assembled field by field.
	var upstreams []*Upstream
	if err := v.UnmarshalKey("resilience.upstreams", &upstreams); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.upstreams: %w", err)
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Broker: &Broker{
			URL:                v.GetString("broker.url"),
			Exchange:           v.GetString("broker.exchange"),
			Queue:              v.GetString("broker.queue"),
			DeadLetterExchange: v.GetString("broker.dead_letter_exchange"),
			DeadLetterQueue:    v.GetString("broker.dead_letter_queue"),
			BindingKeys:        v.GetStringSlice("broker.binding_keys"),
			MaxRetries:         v.GetInt("broker.max_retries"),
			BackoffBase:        v.GetFloat64("broker.backoff_base"),
		},
		Resilience: &Resilience{
			Defaults: &BreakerConfig{
				Timeout:                  v.GetDuration("resilience.defaults.timeout"),
				ErrorThresholdPercentage: v.GetInt("resilience.defaults.error_threshold_percentage"),
				ResetTimeout:             v.GetDuration("resilience.defaults.reset_timeout"),
				RollingWindow:            v.GetDuration("resilience.defaults.rolling_window"),
				VolumeThreshold:          v.GetInt("resilience.defaults.volume_threshold"),
			},
			Upstreams: upstreams,
		},
		Ledger: &Ledger{
			LowWaterMarkRatio: v.GetFloat64("ledger.low_water_mark_ratio"),
			MaxRetries:        v.GetInt("ledger.max_retries"),
		},
		Idempotency: &Idempotency{
			TTL: durationpb.New(v.GetDuration("idempotency.ttl")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 60*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Broker defaults
	// Note: broker.url (AMQP_URL) is required from environment
	v.SetDefault("broker.exchange", "tourlane.events")
	v.SetDefault("broker.queue", "tourlane.bookings")
	v.SetDefault("broker.dead_letter_exchange", "tourlane.events.dlx")
	v.SetDefault("broker.dead_letter_queue", "tourlane.bookings.dlq")
	v.SetDefault("broker.binding_keys", []string{"booking.#", "payment.#", "tour.availability.low"})
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.backoff_base", 2.0)

	// Circuit breaker defaults
	v.SetDefault("resilience.defaults.timeout", 5*time.Second)
	v.SetDefault("resilience.defaults.error_threshold_percentage", 50)
	v.SetDefault("resilience.defaults.reset_timeout", 30*time.Second)
	v.SetDefault("resilience.defaults.rolling_window", 10*time.Second)
	v.SetDefault("resilience.defaults.volume_threshold", 10)

	// Ledger defaults
	v.SetDefault("ledger.low_water_mark_ratio", 0.2)
	v.SetDefault("ledger.max_retries", 3)

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	// Check required broker configuration
	if bc.Broker == nil || bc.Broker.URL == "" {
		missingFields = append(missingFields, "broker.url (AMQP_URL)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if bc.Ledger != nil && (bc.Ledger.LowWaterMarkRatio < 0 || bc.Ledger.LowWaterMarkRatio > 1) {
		return fmt.Errorf("ledger.low_water_mark_ratio must be within [0, 1], got %v", bc.Ledger.LowWaterMarkRatio)
	}

	return nil
}
