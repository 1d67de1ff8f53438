package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	return &Config{
		RelayURL:         "ws://localhost:8080/ws",
		Attempts:         5,
		Delay:            time.Second,
		HandshakeTimeout: 10 * time.Second,
		DataDir:          ".connectify",
		IPLookupURL:      "https://api.ipify.org?format=json",
		NotifyPermission: "granted",
		KafkaTopic:       "chat-transcript",
		LogLevel:         "info",
	}
}

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg func() *Config
	}{
		{
			name:    "defaults (no env set)",
			env:     map[string]string{},
			wantCfg: defaults,
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"RELAY_URL":          "wss://relay.example/ws",
				"RECONNECT_ATTEMPTS": "3",
				"RECONNECT_DELAY":    "250ms",
				"VAPID_PUBLIC_KEY":   "BKey",
				"PUSH_ENDPOINT":      "https://push.example/v1",
				"KAFKA_BROKERS":      "k1:9092,k2:9092",
				"REDIS_ADDR":         "localhost:6379",
				"LOG_LEVEL":          "debug",
			},
			wantCfg: func() *Config {
				c := defaults()
				c.RelayURL = "wss://relay.example/ws"
				c.Attempts = 3
				c.Delay = 250 * time.Millisecond
				c.VAPIDPublicKey = "BKey"
				c.PushEndpoint = "https://push.example/v1"
				c.KafkaBrokers = []string{"k1:9092", "k2:9092"}
				c.RedisAddr = "localhost:6379"
				c.LogLevel = "debug"
				return c
			},
		},
		{
			name:    "http relay",
			env:     map[string]string{"RELAY_URL": "http://relay.example"},
			wantErr: true,
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"RECONNECT_ATTEMPTS": "0"},
			wantErr: true,
		},
		{
			name:    "bad duration",
			env:     map[string]string{"RECONNECT_DELAY": "soon"},
			wantErr: true,
		},
		{
			name:    "bad permission",
			env:     map[string]string{"NOTIFY_PERMISSION": "maybe"},
			wantErr: true,
		},
		{
			name:    "bad push endpoint",
			env:     map[string]string{"PUSH_ENDPOINT": "not a url"},
			wantErr: true,
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "loud"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if err == nil {
				err = cfg.Validate()
			}
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantCfg(), cfg)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("DATA_DIR=/var/lib/connectify\nLOG_LEVEL=warn\n"), 0o600))

	// the environment wins over the file
	t.Setenv("LOG_LEVEL", "error")
	t.Cleanup(func() { _ = os.Unsetenv("DATA_DIR") })

	cfg, err := Load(filepath.Join(dir, "missing.env"), file)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/connectify", cfg.DataDir)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level())
}

func TestLoadLeavesValidationToCaller(t *testing.T) {
	t.Setenv("RELAY_URL", "http://relay.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.RelayURL = "wss://relay.example/ws"
	require.NoError(t, cfg.Validate())
}
