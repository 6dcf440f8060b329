// Package config loads the gateway's immutable settings record.
//
// Settings are read from an optional YAML file and then overridden by
// environment variables, mirroring the precedence of the Python service
// this gateway replaces (pydantic_settings layering env over file
// defaults). Once Load returns, the Config value is never mutated again;
// callers may share it across goroutines without synchronization.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process-scoped settings record. Fields mirror the
// original service's settings.Settings 1:1.
type Config struct {
	AppName      string            `yaml:"app_name"`
	ListenAddr   string            `yaml:"listen_addr"`
	JWTSecretKey string            `yaml:"jwt_secret_key"`
	Services     map[string]string `yaml:"services"`

	MaxConnectionPoolSize int     `yaml:"max_connection_pool_size"`
	MaxKeepaliveConns     int     `yaml:"max_keepalive_connections"`
	KeepaliveExpiry       float64 `yaml:"keepalive_expiry"`
	RequestTimeout        float64 `yaml:"request_timeout"`
	ConnectTimeout        float64 `yaml:"connect_timeout"`
	MaxRequestSize        int64   `yaml:"max_request_size"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	BreakerFailureThreshold int     `yaml:"breaker_failure_threshold"`
	BreakerTimeout          float64 `yaml:"breaker_timeout_seconds"`
}

// serviceEnvVars maps each logical service name to the environment
// variable that carries its base URL, per spec.md §6.
var serviceEnvVars = map[string]string{
	"user":         "USER_SERVICE_URL",
	"auth":         "AUTH_SERVICE_URL",
	"badge":        "BADGE_SERVICE_URL",
	"feed":         "FEED_SERVICE_URL",
	"messaging":    "MESSAGING_SERVICE_URL",
	"notification": "NOTIFICATION_SERVICE_URL",
	"project":      "PROJECT_SERVICE_URL",
	"new":          "NEW_SERVICE_URL",
}

func defaults() Config {
	return Config{
		AppName:      "Gateway Service",
		ListenAddr:   ":8000",
		JWTSecretKey: "your_secret_key",
		Services: map[string]string{
			"user":         "http://user-service:8001",
			"auth":         "http://auth-service:8002",
			"badge":        "http://badge-service:8003",
			"feed":         "http://feed-service:8004",
			"messaging":    "http://messaging-service:8005",
			"notification": "http://notification-service:8006",
			"project":      "http://project-service:8007",
			"new":          "http://new-service:8008",
		},
		MaxConnectionPoolSize: 100,
		MaxKeepaliveConns:     20,
		KeepaliveExpiry:       60,
		RequestTimeout:        30,
		ConnectTimeout:        10,
		MaxRequestSize:        10 * 1024 * 1024,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"https://tracklore.com",
			"https://www.tracklore.com",
		},
		BreakerFailureThreshold: 3,
		BreakerTimeout:          30,
	}
}

// Load reads the YAML file at path (if it exists), applies built-in
// defaults for anything left unset, then overrides with environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(b, &fileCfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
			mergeNonZero(&cfg, &fileCfg)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeNonZero(dst, src *Config) {
	if src.AppName != "" {
		dst.AppName = src.AppName
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.JWTSecretKey != "" {
		dst.JWTSecretKey = src.JWTSecretKey
	}
	for name, url := range src.Services {
		dst.Services[name] = url
	}
	if src.MaxConnectionPoolSize != 0 {
		dst.MaxConnectionPoolSize = src.MaxConnectionPoolSize
	}
	if src.MaxKeepaliveConns != 0 {
		dst.MaxKeepaliveConns = src.MaxKeepaliveConns
	}
	if src.KeepaliveExpiry != 0 {
		dst.KeepaliveExpiry = src.KeepaliveExpiry
	}
	if src.RequestTimeout != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.ConnectTimeout != 0 {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.MaxRequestSize != 0 {
		dst.MaxRequestSize = src.MaxRequestSize
	}
	if len(src.AllowedOrigins) > 0 {
		dst.AllowedOrigins = src.AllowedOrigins
	}
	if src.BreakerFailureThreshold != 0 {
		dst.BreakerFailureThreshold = src.BreakerFailureThreshold
	}
	if src.BreakerTimeout != 0 {
		dst.BreakerTimeout = src.BreakerTimeout
	}
}

func applyEnvOverrides(cfg *Config) {
	for name, envVar := range serviceEnvVars {
		if v := os.Getenv(envVar); v != "" {
			cfg.Services[name] = v
		}
	}
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		cfg.JWTSecretKey = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

// Validate rejects a Config that cannot safely serve traffic.
func Validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	for name, envVar := range serviceEnvVars {
		if _, ok := cfg.Services[name]; !ok {
			return fmt.Errorf("missing base url for service %q (set %s)", name, envVar)
		}
	}
	if cfg.JWTSecretKey == "" {
		return fmt.Errorf("jwt_secret_key is required")
	}
	if cfg.MaxRequestSize <= 0 {
		return fmt.Errorf("max_request_size must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker_failure_threshold must be > 0")
	}
	if cfg.BreakerTimeout <= 0 {
		return fmt.Errorf("breaker_timeout_seconds must be > 0")
	}
	return nil
}
