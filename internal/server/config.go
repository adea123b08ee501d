package server

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"           envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Driver          string        `env:"BUS_DRIVER"           envDefault:"memory" validate:"oneof=memory redis"`
	Channel         string        `env:"BUS_CHANNEL"          envDefault:"chat_messages"`
	RedisAddr       string        `env:"REDIS_ADDR"           envDefault:"localhost:6379"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB"             envDefault:"0"`
	MaxAttempts     uint          `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"5"`
	InitialInterval time.Duration `env:"BACKOFF_INITIAL"      envDefault:"100ms"`
	MaxInterval     time.Duration `env:"BACKOFF_MAX"          envDefault:"5s"`
}

// StoreConfig selects the durable message and account store.
type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite badger"`
	SQLitePath string `env:"SQLITE_PATH"  envDefault:"relaychat.db"`
	BadgerPath string `env:"BADGER_PATH"  envDefault:"data/badger"`
}

// AuthConfig holds token secrets and lifetimes.
type AuthConfig struct {
	AccessSecret    string        `env:"JWT_ACCESS_SECRET"  validate:"required"`
	RefreshSecret   string        `env:"JWT_REFRESH_SECRET" validate:"required"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"   envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL"  envDefault:"168h"`
	CookieSecure    bool          `env:"COOKIE_SECURE"      envDefault:"true"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string        `env:"SERVER_PORT"       envDefault:":8080"`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS"   envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE"  envDefault:"4096"`
	ServerID         string        `env:"SERVER_ID"`
	HistoryLimit     int           `env:"HISTORY_LIMIT"     envDefault:"50"`
	AdmissionTimeout time.Duration `env:"ADMISSION_TIMEOUT" envDefault:"10s"`
	PublishTimeout   time.Duration `env:"PUBLISH_TIMEOUT"   envDefault:"5s"`
	SendBuffer       int           `env:"SEND_BUFFER"       envDefault:"256"`
	DedupWindow      int           `env:"DEDUP_WINDOW"      envDefault:"1024"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"10s"`
	LogLevel         string        `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT"        envDefault:"json" validate:"oneof=json console"`

	RateLimit RateLimitConfig
	Bus       BusConfig
	Store     StoreConfig
	Auth      AuthConfig
}

var configValidator = validator.New()

// defaultConfig returns the configuration an empty environment produces.
func defaultConfig() Config {
	cfg, err := parseConfig(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// NewConfigFromEnv creates a Config from the process environment. Unset
// variables fall back to their defaults and out-of-range values are replaced
// by defaults; Validate reports what cannot be repaired.
func NewConfigFromEnv() (Config, error) {
	return parseConfig(nil)
}

func parseConfig(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.ServerID == "" {
		cfg.ServerID = defaultServerID()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Bus.Channel == "" {
		cfg.Bus.Channel = "chat_messages"
	}
	return cfg
}

// Validate reports configuration that has no usable default, such as
// missing token secrets or unknown drivers.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relaychat"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
