// Package config loads the duel client configuration from an optional YAML
// file, then environment overrides, then validates it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
	"github.com/mcdev12/duelsync/go/internal/duel/matchsync"
	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// Transport names
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the full client configuration
type Config struct {
	Transport  string                   `yaml:"transport" validate:"oneof=websocket nats"`
	AuthToken  string                   `yaml:"auth_token"`
	LogLevel   string                   `yaml:"log_level" validate:"oneof=debug info warn error"`
	WebSocket  gateway.WebSocketConfig  `yaml:"websocket"`
	NATS       gateway.NATSConfig       `yaml:"nats"`
	Connection gateway.ConnectionConfig `yaml:"connection"`
	Match      matchsync.Config         `yaml:"match"`
	Store      store.Config             `yaml:"store"`
	Debug      DebugConfig              `yaml:"debug"`
}

// DebugConfig configures the local metrics and inspection endpoint
type DebugConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr" validate:"required_if=Enabled true"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Transport:  TransportWebSocket,
		LogLevel:   "info",
		WebSocket:  gateway.DefaultWebSocketConfig(),
		NATS:       gateway.DefaultNATSConfig(),
		Connection: gateway.DefaultConnectionConfig(),
		Match:      matchsync.DefaultConfig(),
		Store: store.Config{
			Driver: "file",
			Path:   "duel-client.json",
		},
		Debug: DebugConfig{
			Enabled:        true,
			Addr:           "127.0.0.1:9464",
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads path over the defaults when path is not empty, applies DUEL_*
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Transport = strings.ToLower(getEnv("DUEL_TRANSPORT", cfg.Transport))
	cfg.AuthToken = getEnv("DUEL_AUTH_TOKEN", cfg.AuthToken)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))

	cfg.WebSocket.URL = getEnv("DUEL_WS_URL", cfg.WebSocket.URL)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = getEnv("DUEL_NATS_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.Connection.BaseRetryDelay = getEnvAsDuration("DUEL_RETRY_BASE", cfg.Connection.BaseRetryDelay)
	cfg.Connection.MaxRetryDelay = getEnvAsDuration("DUEL_RETRY_MAX", cfg.Connection.MaxRetryDelay)

	cfg.Store.Driver = getEnv("DUEL_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = getEnv("DUEL_STORE_PATH", cfg.Store.Path)
	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisDB = getEnvAsInt("REDIS_DB", cfg.Store.RedisDB)

	cfg.Debug.Enabled = getEnvAsBool("DUEL_DEBUG", cfg.Debug.Enabled)
	cfg.Debug.Addr = getEnv("DUEL_DEBUG_ADDR", cfg.Debug.Addr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
