// Package config loads restore settings from defaults, an optional YAML
// file, RDBRESTORE_* environment variables and command-line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryabkov82/rdbrestore/internal/logging"
	"github.com/ryabkov82/rdbrestore/internal/restore"
)

// EnvPrefix prefixes every environment variable, e.g. RDBRESTORE_DB_HOST.
const EnvPrefix = "RDBRESTORE"

type Config struct {
	DB struct {
		Host           string `mapstructure:"host"`
		Port           int    `mapstructure:"port"`
		User           string `mapstructure:"user"`
		Password       string `mapstructure:"password"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		DialRetries    int    `mapstructure:"dial_retries"`
		BackoffMs      int    `mapstructure:"backoff_ms"`
		BackoffMaxMs   int    `mapstructure:"backoff_max_ms"`
	} `mapstructure:"db"`

	Restore struct {
		BatchSize        int    `mapstructure:"batch_size"`
		PoolSize         int    `mapstructure:"pool_size"`
		MaxParallelFiles int    `mapstructure:"max_parallel_files"`
		DecodeErrors     string `mapstructure:"decode_errors"`
		DropExisting     bool   `mapstructure:"drop_existing"`
	} `mapstructure:"restore"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Status struct {
		Addr   string `mapstructure:"addr"`
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"status"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 28015)
	v.SetDefault("db.user", "admin")
	v.SetDefault("db.password", "")
	v.SetDefault("db.timeout_seconds", 20)
	v.SetDefault("db.dial_retries", 3)
	v.SetDefault("db.backoff_ms", 200)
	v.SetDefault("db.backoff_max_ms", 5000)

	v.SetDefault("restore.batch_size", restore.DefaultBatchSize)
	v.SetDefault("restore.pool_size", 20)
	v.SetDefault("restore.max_parallel_files", 0)
	v.SetDefault("restore.decode_errors", string(restore.DecodeTruncate))
	v.SetDefault("restore.drop_existing", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("status.addr", "")
	v.SetDefault("status.api_key", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("db.host is required")
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		return fmt.Errorf("db.port must be between 1 and 65535, got %d", c.DB.Port)
	}
	if c.DB.TimeoutSeconds < 0 || c.DB.DialRetries < 0 || c.DB.BackoffMs < 0 || c.DB.BackoffMaxMs < 0 {
		return fmt.Errorf("db timeouts, retries and backoff must not be negative")
	}
	if c.Restore.BatchSize < 1 {
		return fmt.Errorf("restore.batch_size must be > 0, got %d", c.Restore.BatchSize)
	}
	if c.Restore.PoolSize < 1 {
		return fmt.Errorf("restore.pool_size must be > 0, got %d", c.Restore.PoolSize)
	}
	if _, err := restore.ParseDecodePolicy(c.Restore.DecodeErrors); err != nil {
		return fmt.Errorf("restore.decode_errors: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Address returns the server address as host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port))
}

// Timeout returns the connect timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.DB.TimeoutSeconds) * time.Second
}

// DecodePolicy returns the validated decode error policy.
func (c *Config) DecodePolicy() restore.DecodePolicy {
	p, _ := restore.ParseDecodePolicy(c.Restore.DecodeErrors)
	return p
}
