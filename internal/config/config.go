// Package config loads host configuration from an optional .env file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	rabbitmqinput "github.com/glimte/rabbitmq-input"
)

// Output destinations for forwarded records
const (
	OutputStdout = "stdout"
	OutputFluent = "fluent"
)

// LogConfig configures the process logger
type LogConfig struct {
	Level  string
	Format string
}

// FluentBitConfig configures the fluent-bit forward endpoint used for the
// process logs and, with OUTPUT=fluent, for forwarded records
type FluentBitConfig struct {
	Enabled   bool
	Host      string
	Port      int
	TagPrefix string
	Tag       string
	Level     string
}

// Config is everything the host process needs
type Config struct {
	RabbitMQ  rabbitmqinput.Settings
	Log       LogConfig
	FluentBit FluentBitConfig
	Output    string
	// StartRetries is how many times a retryable start failure is retried
	StartRetries int
}

// Load reads envPath (or ./.env when no path is given) into the environment
// without overriding variables that are already set, then builds the config.
// A missing default .env is not an error; a missing explicit path is.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("could not load env file %s: %w", envPath[0], err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env file: %w", err)
	}

	return FromEnv()
}

// FromEnv builds the config from environment variables alone
func FromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{RabbitMQ: rabbitmqinput.DefaultSettings()}
	s := &cfg.RabbitMQ

	s.Host = getEnvAsString("RABBITMQ_HOST", s.Host)
	s.VirtualHost = getEnvAsString("RABBITMQ_VHOST", s.VirtualHost)
	s.Port = getEnvAsInt("RABBITMQ_PORT", s.Port, &errs)
	s.Username = getEnvAsString("RABBITMQ_USER", s.Username)
	s.Password = getEnvAsString("RABBITMQ_PASSWORD", s.Password)
	s.Queue = getEnvAsString("RABBITMQ_QUEUE", s.Queue)
	s.Exchange = getEnvAsString("RABBITMQ_EXCHANGE", s.Exchange)
	s.ExchangeType = getEnvAsString("RABBITMQ_EXCHANGE_TYPE", s.ExchangeType)
	s.RoutingKey = getEnvAsString("RABBITMQ_ROUTING_KEY", s.RoutingKey)
	s.UseTLS = getEnvAsBool("RABBITMQ_SSL", s.UseTLS, &errs)
	s.QueueDurable = getEnvAsBool("RABBITMQ_QUEUE_DURABLE", s.QueueDurable, &errs)
	s.QueueExclusive = getEnvAsBool("RABBITMQ_QUEUE_EXCLUSIVE", s.QueueExclusive, &errs)
	s.QueueAutoDelete = getEnvAsBool("RABBITMQ_QUEUE_AUTO_DELETE", s.QueueAutoDelete, &errs)
	s.AutoAck = getEnvAsBool("RABBITMQ_AUTO_ACK", s.AutoAck, &errs)

	cfg.Log.Level = getEnvAsString("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvAsString("LOG_FORMAT", "color")

	cfg.FluentBit.Enabled = getEnvAsBool("FLUENTBIT_ENABLED", false, &errs)
	cfg.FluentBit.Host = getEnvAsString("FLUENTBIT_HOST", "127.0.0.1")
	cfg.FluentBit.Port = getEnvAsInt("FLUENTBIT_PORT", 24224, &errs)
	cfg.FluentBit.TagPrefix = getEnvAsString("FLUENTBIT_TAG_PREFIX", "rabbitmq-input")
	cfg.FluentBit.Tag = getEnvAsString("FLUENTBIT_TAG", "rabbitmq")
	cfg.FluentBit.Level = getEnvAsString("FLUENTBIT_LOG_LEVEL", "info")

	cfg.Output = strings.ToLower(getEnvAsString("OUTPUT", OutputStdout))
	cfg.StartRetries = getEnvAsInt("START_RETRIES", 0, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the broker settings and the output selection
func (c *Config) Validate() error {
	if err := c.RabbitMQ.Validate(); err != nil {
		return err
	}
	switch c.Output {
	case OutputStdout, OutputFluent:
	default:
		return fmt.Errorf("%w: unknown output %q (want stdout or fluent)", rabbitmqinput.ErrInvalidConfiguration, c.Output)
	}
	if c.StartRetries < 0 {
		return fmt.Errorf("%w: START_RETRIES must not be negative", rabbitmqinput.ErrInvalidConfiguration)
	}
	if c.FluentBit.Enabled || c.Output == OutputFluent {
		if c.FluentBit.Host == "" {
			return fmt.Errorf("%w: FLUENTBIT_HOST is required", rabbitmqinput.ErrInvalidConfiguration)
		}
	}
	return nil
}

func getEnvAsString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads key as int. A value that does not parse is reported
// rather than replaced by the default.
func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not an integer", rabbitmqinput.ErrInvalidConfiguration, key, valueStr))
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool, errs *[]error) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a boolean", rabbitmqinput.ErrInvalidConfiguration, key, valueStr))
		return defaultValue
	}
	return value
}
