/*
config.go - Runtime configuration for the redemption server

SOURCES (later wins):
  1. Defaults set in Load
  2. Optional YAML file (-config flag, or ./config.yaml if present)
  3. .env file loaded into the process environment
  4. Environment variables prefixed REDEMPTION_, dots become underscores
     e.g. REDEMPTION_SERVER_PORT=9090, REDEMPTION_ENGINE_STEP_UP_PASSWORD_HASH=...
  5. Command-line flags applied by cmd/server

The step-up password is configured as a bcrypt hash; generate one with
engine.HashStepUpPassword. An empty hash disables every destructive bulk
operation.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Env string `mapstructure:"env"`

	Server struct {
		Port           int           `mapstructure:"port"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Engine struct {
		AutoApproveUngated bool   `mapstructure:"auto_approve_ungated"`
		BulkConcurrency    int    `mapstructure:"bulk_concurrency"`
		NodeID             int64  `mapstructure:"node_id"`
		LowStockThreshold  int64  `mapstructure:"low_stock_threshold"`
		StepUpPasswordHash string `mapstructure:"step_up_password_hash"`
	} `mapstructure:"engine"`

	Security struct {
		// BulkRateLimit uses limiter's formatted rate, e.g. "10-M".
		BulkRateLimit string `mapstructure:"bulk_rate_limit"`
		CSRF          bool   `mapstructure:"csrf"`
	} `mapstructure:"security"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.path", "redemption.db")

	v.SetDefault("engine.auto_approve_ungated", true)
	v.SetDefault("engine.bulk_concurrency", 4)
	v.SetDefault("engine.node_id", 1)
	v.SetDefault("engine.low_stock_threshold", 5)
	v.SetDefault("engine.step_up_password_hash", "")

	v.SetDefault("security.bulk_rate_limit", "10-M")
	v.SetDefault("security.csrf", true)
}

// Load reads configuration. path may be empty, in which case ./config.yaml is
// used when it exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REDEMPTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Engine.NodeID < 0 || c.Engine.NodeID > 1023 {
		return fmt.Errorf("engine.node_id %d out of range 0-1023", c.Engine.NodeID)
	}
	if c.Engine.BulkConcurrency < 1 {
		return fmt.Errorf("engine.bulk_concurrency must be at least 1")
	}
	return nil
}

func (c *Config) Production() bool { return c.Env == "production" }
