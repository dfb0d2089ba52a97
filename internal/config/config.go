// Package config loads and validates the gateway configuration from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/mailer"
)

// Config aggregates every configuration section of the gateway: the
// listener, the credential service, the session backend, the registered
// downstream services, health probing, rate limiting, alert mail and
// logging.
type Config struct {
	Server    Server        `yaml:"server"`
	Auth      Auth          `yaml:"auth"`
	Session   Session       `yaml:"session"`
	Services  []Service     `yaml:"services"`
	Health    Health        `yaml:"health"`
	RateLimit RateLimit     `yaml:"rate_limit"`
	Mail      mailer.Config `yaml:"mail"`
	Logging   Logging       `yaml:"logging"`
}

// Server configures the gateway's own HTTP listener.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Environment     string        `yaml:"environment"`
}

// Auth configures the credential service.
type Auth struct {
	JWTSecret            string        `yaml:"jwt_secret"`
	Issuer               string        `yaml:"issuer"`
	DatabasePath         string        `yaml:"database_path"`
	AccessTTL            time.Duration `yaml:"access_ttl"`
	RefreshTTL           time.Duration `yaml:"refresh_ttl"`
	MaxLoginAttempts     int           `yaml:"max_login_attempts"`
	LockDuration         time.Duration `yaml:"lock_duration"`
	PasswordHistoryLimit int           `yaml:"password_history_limit"`
	BaseURL              string        `yaml:"base_url"`
}

// Session selects and configures the session store backend.
type Session struct {
	Backend       string        `yaml:"backend"` // "memory", "sqlite" or "redis"
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Service declares a downstream service the gateway routes to, with its
// route guard and circuit breaker settings.
type Service struct {
	Name             string        `yaml:"name"`
	URL              string        `yaml:"url"`
	Prefix           string        `yaml:"prefix"`
	Roles            []string      `yaml:"roles"`
	Permissions      []string      `yaml:"permissions"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryCount       int           `yaml:"retry_count"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HealthPath       string        `yaml:"health_path"`
	WebSocket        bool          `yaml:"websocket"`
}

// Health configures the background prober.
type Health struct {
	Interval time.Duration `yaml:"interval"`
}

// RateLimit throttles the unauthenticated auth endpoints per client IP.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Logging configures the zap logger and its file rotation.
type Logging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and validates a configuration file, applying defaults for
// everything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "alqvimia-gateway"
	}
	if cfg.Auth.DatabasePath == "" {
		cfg.Auth.DatabasePath = "auth.db"
	}

	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = "sessions.db"
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 5 * time.Minute
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the sections that cannot be defaulted.
func (cfg *Config) Validate() error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch cfg.Session.Backend {
	case "memory", "sqlite":
	case "redis":
		if cfg.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown session backend: %s", cfg.Session.Backend)
	}

	seen := make(map[string]struct{}, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = struct{}{}

		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %s: invalid url %q", svc.Name, svc.URL)
		}
		if svc.Prefix == "" {
			svc.Prefix = "/" + svc.Name + "/"
		}
	}
	return nil
}
