// Package config loads relay settings from an optional file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	Address              string              `mapstructure:"address"`
	LogLevel             string              `mapstructure:"log_level"`
	AllowedOrigins       []string            `mapstructure:"allowed_origins"`
	MaxMessageSize       int64               `mapstructure:"max_message_size"`
	RateLimit            RateLimitConfig     `mapstructure:"rate_limit"`
	IdleTimeout          time.Duration       `mapstructure:"idle_timeout"`
	PingInterval         time.Duration       `mapstructure:"ping_interval"`
	WriteTimeout         time.Duration       `mapstructure:"write_timeout"`
	SendBuffer           int                 `mapstructure:"send_buffer"`
	ShutdownGracePeriod  time.Duration       `mapstructure:"shutdown_grace_period"`
	CloseUnauthenticated bool                `mapstructure:"close_unauthenticated"`
	CloseReplaced        bool                `mapstructure:"close_replaced"`
	Auth                 AuthConfig          `mapstructure:"auth"`
	Redis                RedisConfig         `mapstructure:"redis"`
	Postgres             PostgresConfig      `mapstructure:"postgres"`
	Groups               map[string][]string `mapstructure:"groups"`
	GroupCache           GroupCacheConfig    `mapstructure:"group_cache"`
}

// RateLimitConfig is the per-connection token bucket.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// AuthConfig enables handshake token verification when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTAlg    string `mapstructure:"jwt_alg"`
}

// RedisConfig points the group resolver at a Redis instance. Empty Addr
// disables it.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	GroupPrefix string `mapstructure:"group_prefix"`
}

// PostgresConfig enables the Postgres message store and group resolver.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// GroupCacheConfig bounds the membership cache in front of Redis/Postgres.
type GroupCacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

const (
	defaultAddress             = ":8080"
	defaultLogLevel            = "info"
	defaultOrigin              = "http://localhost:8080"
	defaultMaxMessageSize      = 4096
	defaultBurst               = 20
	defaultRefillInterval      = time.Second
	defaultIdleTimeout         = 60 * time.Second
	defaultPingInterval        = 54 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultSendBuffer          = 256
	defaultShutdownGracePeriod = 10 * time.Second
	defaultJWTAlg              = "HS256"
	defaultGroupPrefix         = "relay:group:"
	defaultGroupCacheSize      = 1024
	defaultGroupCacheTTL       = 30 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAY_ and override
// file values, e.g. RELAY_RATE_LIMIT_BURST. Viper folds keys to lower case,
// so group ids declared under "groups" are lower-cased.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", defaultAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("allowed_origins", []string{defaultOrigin})
	v.SetDefault("max_message_size", defaultMaxMessageSize)
	v.SetDefault("rate_limit.burst", defaultBurst)
	v.SetDefault("rate_limit.refill_interval", defaultRefillInterval.String())
	v.SetDefault("idle_timeout", defaultIdleTimeout.String())
	v.SetDefault("ping_interval", defaultPingInterval.String())
	v.SetDefault("write_timeout", defaultWriteTimeout.String())
	v.SetDefault("send_buffer", defaultSendBuffer)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("close_unauthenticated", false)
	v.SetDefault("close_replaced", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_alg", defaultJWTAlg)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.group_prefix", defaultGroupPrefix)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("group_cache.size", defaultGroupCacheSize)
	v.SetDefault("group_cache.ttl", defaultGroupCacheTTL.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if c.PingInterval >= c.IdleTimeout {
		return fmt.Errorf("ping_interval (%s) must be shorter than idle_timeout (%s)", c.PingInterval, c.IdleTimeout)
	}
	if c.SendBuffer < 0 {
		return fmt.Errorf("send_buffer must not be negative")
	}
	return nil
}
