package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	GatewayAddr     string        `mapstructure:"GATEWAY_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	// Compute substrate hosting execution units.
	SubstrateURL     string        `mapstructure:"SUBSTRATE_URL" validate:"required,url|uri"`
	SubstrateToken   string        `mapstructure:"SUBSTRATE_TOKEN"`
	SubstrateTimeout time.Duration `mapstructure:"SUBSTRATE_TIMEOUT" validate:"required"`

	// Orchestrator tuning.
	ProvisionAttempts int           `mapstructure:"PROVISION_ATTEMPTS" validate:"gte=1,lte=20"`
	ProbeAttempts     int           `mapstructure:"PROBE_ATTEMPTS" validate:"gte=1,lte=60"`
	ProbeInterval     time.Duration `mapstructure:"PROBE_INTERVAL" validate:"required"`
	ProbeTimeout      time.Duration `mapstructure:"PROBE_TIMEOUT" validate:"required"`
	GracePeriod       time.Duration `mapstructure:"GRACE_PERIOD" validate:"required"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"required"`

	// Gateway cache and forwarding tuning.
	DomainCacheTTL time.Duration `mapstructure:"DOMAIN_CACHE_TTL" validate:"required"`
	ActiveCacheTTL time.Duration `mapstructure:"ACTIVE_CACHE_TTL" validate:"required"`
	CacheMaxAge    time.Duration `mapstructure:"CACHE_MAX_AGE" validate:"required"`
	ForwardTimeout time.Duration `mapstructure:"FORWARD_TIMEOUT" validate:"required"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("GATEWAY_ADDR", "0.0.0.0:8090")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("SUBSTRATE_TIMEOUT", "15s")
	v.SetDefault("PROVISION_ATTEMPTS", 5)
	v.SetDefault("PROBE_ATTEMPTS", 10)
	v.SetDefault("PROBE_INTERVAL", "2s")
	v.SetDefault("PROBE_TIMEOUT", "3s")
	v.SetDefault("GRACE_PERIOD", "2m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("DOMAIN_CACHE_TTL", "5m")
	v.SetDefault("ACTIVE_CACHE_TTL", "3s")
	v.SetDefault("CACHE_MAX_AGE", "1m")
	v.SetDefault("FORWARD_TIMEOUT", "30s")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"GATEWAY_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"SUBSTRATE_URL",
		"SUBSTRATE_TOKEN",
		"SUBSTRATE_TIMEOUT",
		"PROVISION_ATTEMPTS",
		"PROBE_ATTEMPTS",
		"PROBE_INTERVAL",
		"PROBE_TIMEOUT",
		"GRACE_PERIOD",
		"SWEEP_INTERVAL",
		"DOMAIN_CACHE_TTL",
		"ACTIVE_CACHE_TTL",
		"CACHE_MAX_AGE",
		"FORWARD_TIMEOUT",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"SUBSTRATE_TIMEOUT": &c.SubstrateTimeout,
		"PROBE_INTERVAL":    &c.ProbeInterval,
		"PROBE_TIMEOUT":     &c.ProbeTimeout,
		"GRACE_PERIOD":      &c.GracePeriod,
		"SWEEP_INTERVAL":    &c.SweepInterval,
		"DOMAIN_CACHE_TTL":  &c.DomainCacheTTL,
		"ACTIVE_CACHE_TTL":  &c.ActiveCacheTTL,
		"CACHE_MAX_AGE":     &c.CacheMaxAge,
		"FORWARD_TIMEOUT":   &c.ForwardTimeout,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
