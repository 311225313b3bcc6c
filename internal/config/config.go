package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Inference InferenceConfig `mapstructure:"inference"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type ModelConfig struct {
	// Backend is "grpc" or "websocket".
	Backend        string        `mapstructure:"backend"`
	Addr           string        `mapstructure:"addr"`
	Name           string        `mapstructure:"name"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Required makes a failed startup load fatal.
	Required bool `mapstructure:"required"`
}

type InferenceConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type SelectorConfig struct {
	LowerHalfBias float64 `mapstructure:"lower_half_bias"`
}

type CacheConfig struct {
	// Backend is "redis", "memory" or "none".
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
	MemorySize    int           `mapstructure:"memory_size"`
}

// Load reads configPath (optional), the process environment and a .env file if present.
// Environment keys are the upper-cased config keys with dots replaced by underscores,
// e.g. MODEL_ADDR or CACHE_REDIS_ADDR.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unsupported server mode %q", c.Server.Mode)
	}
	switch c.Model.Backend {
	case "grpc", "websocket":
	default:
		return fmt.Errorf("unsupported model backend %q", c.Model.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Inference.MaxConcurrent < 1 {
		return fmt.Errorf("inference.max_concurrent must be at least 1, got %d", c.Inference.MaxConcurrent)
	}
	if c.Selector.LowerHalfBias <= 0 {
		return fmt.Errorf("selector.lower_half_bias must be positive, got %v", c.Selector.LowerHalfBias)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 20<<20)

	v.SetDefault("model.backend", "grpc")
	v.SetDefault("model.addr", "localhost:50051")
	v.SetDefault("model.name", "yolov8n-seg")
	v.SetDefault("model.dial_timeout", 10*time.Second)
	v.SetDefault("model.request_timeout", 60*time.Second)
	v.SetDefault("model.required", false)

	v.SetDefault("inference.max_concurrent", 1)
	v.SetDefault("inference.queue_timeout", 30*time.Second)

	v.SetDefault("selector.lower_half_bias", 1.5)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.memory_size", 64)
}
