package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/settlement"
)

// Config holds server configuration. Values come from an optional YAML file
// named by OJS_CONFIG_FILE, overridden by environment variables.
type Config struct {
	Port     string `yaml:"port"`
	GRPCPort string `yaml:"grpc_port"`
	NatsURL  string `yaml:"nats_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	TickInterval     time.Duration `yaml:"tick_interval"`
	SlotsPerEpoch    uint64        `yaml:"slots_per_epoch"`
	LocalWorker      string        `yaml:"local_worker"`
	CrankConcurrency int           `yaml:"crank_concurrency"`
	CrankLockTTL     time.Duration `yaml:"crank_lock_ttl"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout"`
	SettleInterval   time.Duration `yaml:"settle_interval"`

	MaxFee           uint64 `yaml:"max_fee"`
	MinBalance       uint64 `yaml:"min_balance"`
	DefaultRateLimit int    `yaml:"default_rate_limit"`

	AllowAnyWorker bool `yaml:"allow_any_worker"`
	AllowUnsigned  bool `yaml:"allow_unsigned"`
}

func defaultConfig() Config {
	return Config{
		Port:             "8080",
		GRPCPort:         "9090",
		NatsURL:          "nats://localhost:4222",
		LogLevel:         "info",
		LogFormat:        "json",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		TickInterval:     400 * time.Millisecond,
		SlotsPerEpoch:    432000,
		CrankConcurrency: 8,
		CrankLockTTL:     30 * time.Second,
		InvokeTimeout:    5 * time.Second,
		SettleInterval:   10 * time.Second,
		DefaultRateLimit: core.DefaultRateLimit,
	}
}

// LoadConfig reads configuration from the optional YAML file and
// environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("OJS_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("OJS_PORT", cfg.Port)
	cfg.GRPCPort = getEnv("OJS_GRPC_PORT", cfg.GRPCPort)
	cfg.NatsURL = getEnv("NATS_URL", cfg.NatsURL)
	cfg.LogLevel = getEnv("OJS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("OJS_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadTimeout = getEnvDuration("OJS_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("OJS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("OJS_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvDuration("OJS_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.TickInterval = getEnvDuration("OJS_TICK_INTERVAL", cfg.TickInterval)
	cfg.SlotsPerEpoch = getEnvUint("OJS_SLOTS_PER_EPOCH", cfg.SlotsPerEpoch)
	cfg.LocalWorker = getEnv("OJS_LOCAL_WORKER", cfg.LocalWorker)
	cfg.CrankConcurrency = getEnvInt("OJS_CRANK_CONCURRENCY", cfg.CrankConcurrency)
	cfg.CrankLockTTL = getEnvDuration("OJS_CRANK_LOCK_TTL", cfg.CrankLockTTL)
	cfg.InvokeTimeout = getEnvDuration("OJS_INVOKE_TIMEOUT", cfg.InvokeTimeout)
	cfg.SettleInterval = getEnvDuration("OJS_SETTLE_INTERVAL", cfg.SettleInterval)

	cfg.MaxFee = getEnvUint("OJS_MAX_FEE", cfg.MaxFee)
	cfg.MinBalance = getEnvUint("OJS_MIN_BALANCE", cfg.MinBalance)
	cfg.DefaultRateLimit = getEnvInt("OJS_DEFAULT_RATE_LIMIT", cfg.DefaultRateLimit)

	cfg.AllowAnyWorker = getEnvBool("OJS_ALLOW_ANY_WORKER", cfg.AllowAnyWorker)
	cfg.AllowUnsigned = getEnvBool("OJS_ALLOW_UNSIGNED", cfg.AllowUnsigned)
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if c.DefaultRateLimit < 1 || c.DefaultRateLimit > 255 {
		return fmt.Errorf("default_rate_limit must be between 1 and 255, got %d", c.DefaultRateLimit)
	}
	if c.SlotsPerEpoch == 0 {
		return fmt.Errorf("slots_per_epoch must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	// The lease is renewed before each invocation, so one invocation must
	// fit inside it.
	if c.CrankLockTTL <= c.InvokeTimeout {
		return fmt.Errorf("crank_lock_ttl %s must exceed invoke_timeout %s", c.CrankLockTTL, c.InvokeTimeout)
	}
	if c.LocalWorker != "" {
		if _, err := core.ParseAddress(c.LocalWorker); err != nil {
			return fmt.Errorf("local_worker: %w", err)
		}
	}
	return nil
}

// Policy returns the settlement policy the config describes.
func (c Config) Policy() settlement.Policy {
	return settlement.Policy{MinBalance: c.MinBalance, MaxFee: c.MaxFee}
}

// Worker returns the local worker identity, or nil when none is configured.
func (c Config) Worker() *core.Address {
	if c.LocalWorker == "" {
		return nil
	}
	addr, err := core.ParseAddress(c.LocalWorker)
	if err != nil {
		return nil
	}
	return &addr
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
