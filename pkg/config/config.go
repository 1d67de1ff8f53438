package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/mahaj/connectify/pkg/model"
)

// Config holds all configuration for the chat client
type Config struct {
	// Relay connection
	RelayURL         string        `envconfig:"RELAY_URL" default:"ws://localhost:8080/ws"`
	AuthToken        string        `envconfig:"AUTH_TOKEN"`
	Attempts         uint          `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	Delay            time.Duration `envconfig:"RECONNECT_DELAY" default:"1s"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`

	// Push. PushListen accepts push messages at /push/{id}; empty disables it.
	VAPIDPublicKey string `envconfig:"VAPID_PUBLIC_KEY"`
	PushEndpoint   string `envconfig:"PUSH_ENDPOINT"`
	PushListen     string `envconfig:"PUSH_LISTEN"`

	// Local state; identity and the push worker live here.
	DataDir     string `envconfig:"DATA_DIR" default:".connectify"`
	IPLookupURL string `envconfig:"IP_LOOKUP_URL" default:"https://api.ipify.org?format=json"`

	// Answer given when the client asks for notification permission.
	NotifyPermission string `envconfig:"NOTIFY_PERMISSION" default:"granted"`

	// Optional sinks. Empty disables them.
	RedisAddr    string        `envconfig:"REDIS_ADDR"`
	PresenceTTL  time.Duration `envconfig:"PRESENCE_TTL" default:"0s"`
	KafkaBrokers []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string        `envconfig:"KAFKA_TOPIC" default:"chat-transcript"`
	MetricsAddr  string        `envconfig:"METRICS_ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads env files that exist, then the environment. Variables already set in
// the environment win over file values. The result is not validated so callers can
// apply overrides first; call Validate afterwards.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks a config after flags were applied.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL is required")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("RELAY_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_URL must use ws or wss, got %q", u.Scheme)
	}
	if c.Attempts == 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be greater than 0")
	}
	if c.Delay < 0 {
		return fmt.Errorf("RECONNECT_DELAY must not be negative")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be greater than 0")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.PushEndpoint != "" {
		if _, err := url.ParseRequestURI(c.PushEndpoint); err != nil {
			return fmt.Errorf("PUSH_ENDPOINT is invalid: %w", err)
		}
	}
	switch model.Permission(c.NotifyPermission) {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionDefault:
	default:
		return fmt.Errorf("NOTIFY_PERMISSION must be granted, denied or default")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required with KAFKA_BROKERS")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
