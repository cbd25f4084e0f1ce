package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendMemory, cfg.Server.Backend)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
}

func TestValidate(t *testing.T) {
	admin := func(c *Config) {
		c.Server.Backend = BackendAdmin
		c.Firebase.CredentialsPath = "sa.json"
		c.Firebase.ProjectID = "demo"
		c.Firebase.DatabaseURL = "https://demo.firebaseio.com"
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"buffers", func(c *Config) { c.WebRTC.BufferedAmountLowThreshold = c.WebRTC.MaxBufferedAmount }, ErrInvalidBufferConfig},
		{"backend", func(c *Config) { c.Server.Backend = "sqlite" }, ErrInvalidBackend},
		{"listen", func(c *Config) { c.Server.Listen = "" }, ErrInvalidListenAddr},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"token ttl", func(c *Config) { c.Memory.TokenTTL = 0 }, ErrInvalidTokenTTL},
		{"admin credentials", func(c *Config) { admin(c); c.Firebase.CredentialsPath = "" }, ErrInvalidFirebaseConfig},
		{"admin project", func(c *Config) { admin(c); c.Firebase.ProjectID = "" }, ErrInvalidFirebaseProjectID},
		{"admin url", func(c *Config) { admin(c); c.Firebase.DatabaseURL = "" }, ErrInvalidFirebaseDatabaseURL},
		{"admin poll", func(c *Config) { admin(c); c.Firebase.PollInterval = 0 }, ErrInvalidPollInterval},
		{"admin ok", admin, nil},
		{"webrtc needs firebase", func(c *Config) { c.Server.WebRTC = true }, ErrInvalidFirebaseConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
log:
  level: debug
  format: json
memory:
  token_secret: s3cret
  token_ttl: 10m
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
`), 0o600))
	t.Setenv("FIRELINK_MEMORY_REQUIRE_AUTH", "true")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "s3cret", cfg.Memory.TokenSecret)
	require.Equal(t, 10*time.Minute, cfg.Memory.TokenTTL)
	require.True(t, cfg.Memory.RequireAuth)
	require.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	require.Equal(t, BackendMemory, cfg.Server.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FIRELINK_SERVER_BACKEND", "nope")
	_, err := Load(viper.New())
	require.ErrorIs(t, err, ErrInvalidBackend)
}
