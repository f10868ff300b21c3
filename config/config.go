// Package config loads the node configuration from defaults, an optional file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. UAVLEDGER_HTTP_LISTEN.
const EnvPrefix = "UAVLEDGER"

type Config struct {
	HTTP    HTTP    `mapstructure:"http"`
	Storage Storage `mapstructure:"storage"`
	Batch   Batch   `mapstructure:"batch"`
	Auth    Auth    `mapstructure:"auth"`
	Log     Log     `mapstructure:"log"`
	Kafka   Kafka   `mapstructure:"kafka"`
}

type HTTP struct {
	Listen            string        `mapstructure:"listen" validate:"required"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gte=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
}

type Storage struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory leveldb bolt"`
	Path    string `mapstructure:"path" validate:"required_unless=Backend memory"`
}

type Batch struct {
	Policy          string        `mapstructure:"policy" validate:"oneof=every interval size"`
	Interval        time.Duration `mapstructure:"interval" validate:"gte=0"`
	MaxTransactions int           `mapstructure:"max_transactions" validate:"gte=0"`
}

type Auth struct {
	// InsecureSkipSignature accepts authentication requests without checking their
	// signature.
	InsecureSkipSignature bool `mapstructure:"insecure_skip_signature"`
}

type Log struct {
	Format string `mapstructure:"format" validate:"oneof=text json"`
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type Kafka struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

var defaults = map[string]any{
	"http.listen":                  ":8080",
	"http.cors_origins":            []string{},
	"http.rate_limit":              0.0,
	"http.rate_burst":              0,
	"http.read_header_timeout":     10 * time.Second,
	"storage.backend":              "memory",
	"storage.path":                 "",
	"batch.policy":                 "every",
	"batch.interval":               time.Duration(0),
	"batch.max_transactions":       0,
	"auth.insecure_skip_signature": false,
	"log.format":                   "text",
	"log.level":                    "info",
	"kafka.enabled":                false,
	"kafka.brokers":                []string{},
	"kafka.topic":                  "uav.ledger.blocks",
}

// FlagKeys maps command line flag names to configuration keys.
var FlagKeys = map[string]string{
	"listen":       "http.listen",
	"storage":      "storage.backend",
	"storage-path": "storage.path",
	"batch":        "batch.policy",
	"log-format":   "log.format",
	"log-level":    "log.level",
}

// Load reads file when it is not empty and applies environment and flag overrides.
// Flags are bound through FlagKeys; flags not listed there are ignored.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}
	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules of kafka and the batch
// policy.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("validate: kafka.brokers is required when kafka is enabled")
	}
	switch c.Batch.Policy {
	case "interval":
		if c.Batch.Interval <= 0 {
			return errors.New("validate: batch.interval must be positive for the interval policy")
		}
	case "size":
		if c.Batch.MaxTransactions <= 0 {
			return errors.New("validate: batch.max_transactions must be positive for the size policy")
		}
	}
	return nil
}
