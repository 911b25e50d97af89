// Package config loads pikaboard configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8460"`

	// API auth ("bearer" requires API_TOKEN; "none" is for local development)
	AuthMode string `envconfig:"AUTH_MODE" default:"bearer"`
	APIToken string `envconfig:"API_TOKEN"`

	CORSOrigins string `envconfig:"CORS_ORIGINS"`

	// Storage
	DBPath            string        `envconfig:"DB_PATH" default:"pikaboard.db"`
	ActivityRetention time.Duration `envconfig:"ACTIVITY_RETENTION" default:"720h"`

	// Characters (YAML definitions served over the API and used for chat identity)
	CharactersDir string `envconfig:"CHARACTERS_DIR" default:"characters"`

	// Agent gateway (WebSocket)
	GatewayURL        string        `envconfig:"GATEWAY_URL" default:"ws://localhost:18789/ws/gateway"`
	GatewaySessionKey string        `envconfig:"GATEWAY_SESSION_KEY" default:"pikaboard-main"`
	GatewayClientID   string        `envconfig:"GATEWAY_CLIENT_ID" default:"pikaboard-chat"`
	CallTimeout       time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"30s"`
	RunTimeout        time.Duration `envconfig:"GATEWAY_RUN_TIMEOUT" default:"10m"`
	ReconnectBase     time.Duration `envconfig:"GATEWAY_RECONNECT_BASE" default:"3s"`
	ReconnectMax      time.Duration `envconfig:"GATEWAY_RECONNECT_MAX" default:"30s"`
	ReconnectAttempts int           `envconfig:"GATEWAY_RECONNECT_ATTEMPTS" default:"5"`
	HistoryLimit      int           `envconfig:"GATEWAY_HISTORY_LIMIT" default:"200"`

	// Short-lived gateway credential minted by GET /api/gateway/token
	GatewayTokenSecret string        `envconfig:"GATEWAY_TOKEN_SECRET"`
	GatewayTokenTTL    time.Duration `envconfig:"GATEWAY_TOKEN_TTL" default:"5m"`

	// Slack activity notifications (optional)
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackActivityChannel string `envconfig:"SLACK_ACTIVITY_CHANNEL"`
}

// GatewayEnabled returns true if a gateway endpoint is configured.
func (c *Config) GatewayEnabled() bool {
	return c.GatewayURL != ""
}

// SlackEnabled returns true if Slack notification settings are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackActivityChannel != ""
}

// Validate checks invariants that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if strings.EqualFold(c.AuthMode, "bearer") && c.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required when AUTH_MODE=bearer")
	}
	if c.GatewayEnabled() && c.GatewayTokenSecret == "" {
		return fmt.Errorf("GATEWAY_TOKEN_SECRET is required when a gateway URL is configured")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("GATEWAY_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
