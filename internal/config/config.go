package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MinTokenSecretLength is the shortest auth.token_secret accepted.
const MinTokenSecretLength = 16

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Anonymous AnonymousConfig `mapstructure:"anonymous"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Migration MigrationConfig `mapstructure:"migration"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PublicURL prefixes endpoint paths in API responses. When empty the
	// URL is derived from the incoming request.
	PublicURL string `mapstructure:"public_url"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AnonymousConfig struct {
	MaxRequestsPerEndpoint int           `mapstructure:"max_requests_per_endpoint"`
	SessionTTL             time.Duration `mapstructure:"session_ttl"`
}

type AuthConfig struct {
	TokenSecret  string        `mapstructure:"token_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
	DevLogin     bool          `mapstructure:"dev_login"`
}

type CaptureConfig struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type FanoutConfig struct {
	Buffer       int    `mapstructure:"buffer"`
	RedisURL     string `mapstructure:"redis_url"`
	RedisChannel string `mapstructure:"redis_channel"`
}

type MigrationConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	EndpointTTL time.Duration `mapstructure:"endpoint_ttl"`
	Interval    time.Duration `mapstructure:"interval"`
}

func Load(path string) (*Config, error) {
	// a missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hookdebug")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookdebug")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKDEBUG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return errors.New("storage.driver must be sqlite or postgres")
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return errors.New("storage.postgres.dsn is required for the postgres driver")
	}
	if c.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret is required")
	}
	if len(c.Auth.TokenSecret) < MinTokenSecretLength {
		return fmt.Errorf("auth.token_secret must be at least %d bytes", MinTokenSecretLength)
	}
	if c.Capture.MaxBodyBytes <= 0 {
		return errors.New("capture.max_body_bytes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.public_url", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/hookdebug.db")
	v.SetDefault("storage.postgres.dsn", "")

	v.SetDefault("anonymous.max_requests_per_endpoint", 100)
	v.SetDefault("anonymous.session_ttl", 24*time.Hour)

	// required; set per deployment
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.cookie_secure", false)
	v.SetDefault("auth.dev_login", false)

	v.SetDefault("capture.max_body_bytes", 10<<20)

	v.SetDefault("fanout.buffer", 64)
	v.SetDefault("fanout.redis_url", "")
	v.SetDefault("fanout.redis_channel", "hookdebug:events")

	v.SetDefault("migration.parallelism", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.endpoint_ttl", 60*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)
}
