package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const (
	BackendAdmin  = "admin"
	BackendMemory = "memory"
)

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidBackend             = errors.New("backend must be admin or memory")
	ErrInvalidListenAddr          = errors.New("server listen address must be set")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidPollInterval        = errors.New("Firebase poll interval must be positive")
	ErrInvalidLogFormat           = errors.New("log format must be console or json")
	ErrInvalidTokenTTL            = errors.New("memory token TTL must be positive")
)

// Config holds all application configuration
type Config struct {
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Server   ServerConfig   `mapstructure:"server"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Log      LogConfig      `mapstructure:"log"`
	Memory   MemoryConfig   `mapstructure:"memory"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string        `mapstructure:"project_id"`
	DatabaseURL     string        `mapstructure:"database_url"`
	CredentialsPath string        `mapstructure:"credentials_path"`
	APIKey          string        `mapstructure:"api_key"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// ServerConfig holds the host settings
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	Backend        string        `mapstructure:"backend"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WebRTC         bool          `mapstructure:"webrtc"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers                 []webrtc.ICEServer `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64             `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64             `mapstructure:"max_buffered_amount"`
	Label                      string             `mapstructure:"label"`
	SessionTTL                 time.Duration      `mapstructure:"session_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MemoryConfig configures the in-memory backend
type MemoryConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	RequireAuth bool          `mapstructure:"require_auth"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	SeedFile    string        `mapstructure:"seed_file"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Firebase: FirebaseConfig{
			PollInterval: time.Second,
		},
		Server: ServerConfig{
			Listen:       ":8080",
			Backend:      BackendMemory,
			PingInterval: 30 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			BufferedAmountLowThreshold: 512 * 1024,  // 512 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
			Label:                      "firelink",
			SessionTTL:                 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Memory: MemoryConfig{
			TokenTTL: time.Hour,
		},
	}
}

// SetDefaults registers the defaults of NewDefaultConfig with v so that
// environment variables are picked up for every key.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("firebase.project_id", d.Firebase.ProjectID)
	v.SetDefault("firebase.database_url", d.Firebase.DatabaseURL)
	v.SetDefault("firebase.credentials_path", d.Firebase.CredentialsPath)
	v.SetDefault("firebase.api_key", d.Firebase.APIKey)
	v.SetDefault("firebase.poll_interval", d.Firebase.PollInterval)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.backend", d.Server.Backend)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.webrtc", d.Server.WebRTC)
	v.SetDefault("webrtc.buffered_amount_low_threshold", d.WebRTC.BufferedAmountLowThreshold)
	v.SetDefault("webrtc.max_buffered_amount", d.WebRTC.MaxBufferedAmount)
	v.SetDefault("webrtc.label", d.WebRTC.Label)
	v.SetDefault("webrtc.session_ttl", d.WebRTC.SessionTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("memory.token_secret", d.Memory.TokenSecret)
	v.SetDefault("memory.require_auth", d.Memory.RequireAuth)
	v.SetDefault("memory.token_ttl", d.Memory.TokenTTL)
	v.SetDefault("memory.seed_file", d.Memory.SeedFile)
}

// Load builds a Config from v on top of the defaults. FIRELINK_SERVER_LISTEN
// style environment variables override file values.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("FIRELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if c.Server.Listen == "" {
		return ErrInvalidListenAddr
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return ErrInvalidLogFormat
	}
	switch c.Server.Backend {
	case BackendMemory:
		if c.Memory.TokenTTL <= 0 {
			return ErrInvalidTokenTTL
		}
	case BackendAdmin:
		if err := c.Firebase.Validate(); err != nil {
			return err
		}
	default:
		return ErrInvalidBackend
	}
	// signalling always goes through a Firebase database
	if c.Server.WebRTC {
		return c.Firebase.Validate()
	}
	return nil
}

func (c *FirebaseConfig) Validate() error {
	if c.CredentialsPath == "" {
		return ErrInvalidFirebaseConfig
	}
	if c.ProjectID == "" {
		return ErrInvalidFirebaseProjectID
	}
	if c.DatabaseURL == "" {
		return ErrInvalidFirebaseDatabaseURL
	}
	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}
