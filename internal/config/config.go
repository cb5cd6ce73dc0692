package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Mux      MuxConfig      `mapstructure:"mux"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// AdminConfig holds the seed credentials for the initial admin account,
// applied only when the admin_users table is empty.
type AdminConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

type JWTConfig struct {
	PrivateKey    string        `mapstructure:"private_key"` // Base64-encoded PEM
	PublicKey     string        `mapstructure:"public_key"`  // Base64-encoded PEM
	AccessExpiry time.Duration `mapstructure:"access_expiry"`
	Issuer       string        `mapstructure:"issuer"`
}

type CryptoConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"` // 64-char hex string
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MuxConfig tunes the rtmux endpoints this process drives: the one hosted at
// the inbound websocket listener, and the ones dialed out to peers.
type MuxConfig struct {
	Name              string        `mapstructure:"name"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	SendQueueCapacity int           `mapstructure:"send_queue_capacity"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	// CompatMode enables the /ws/legacy inbound listener for peers that can
	// only speak the polled half-duplex protocol.
	CompatMode     bool          `mapstructure:"compat_mode"`
	PolledCooldown time.Duration `mapstructure:"polled_cooldown"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3200)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("jwt.access_expiry", 15*time.Minute)
	v.SetDefault("jwt.issuer", "rtmuxd")

	v.SetDefault("cors.allow_origins", []string{"http://localhost:3000", "http://localhost:3100"})

	v.SetDefault("mux.name", "rtmuxd")
	v.SetDefault("mux.request_timeout", 30*time.Second)
	v.SetDefault("mux.reconnect_backoff", 3*time.Second)
	v.SetDefault("mux.send_queue_capacity", 256)
	v.SetDefault("mux.health_interval", 30*time.Second)
	v.SetDefault("mux.compat_mode", false)
	v.SetDefault("mux.polled_cooldown", time.Millisecond)

	// Env mapping
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config keys
	envMap := map[string]string{
		"database.url":          "DATABASE_URL",
		"jwt.private_key":       "JWT_PRIVATE_KEY",
		"jwt.public_key":        "JWT_PUBLIC_KEY",
		"jwt.issuer":            "JWT_ISSUER",
		"crypto.encryption_key": "ENCRYPTION_KEY",
		"server.port":           "PORT",
		"server.mode":           "GIN_MODE",
		"mux.name":              "MUX_NAME",
		"mux.request_timeout":   "MUX_REQUEST_TIMEOUT",
		"admin.email":           "ADMIN_EMAIL",
		"admin.password":        "ADMIN_PASSWORD",
	}

	for key, env := range envMap {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWT.PrivateKey == "" || cfg.JWT.PublicKey == "" {
		return nil, fmt.Errorf("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required")
	}
	if cfg.Crypto.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	return &cfg, nil
}
