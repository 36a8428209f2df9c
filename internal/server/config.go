// Package server provides the relay's runtime settings with defaults and
// sanitization of zero values.
package server

import (
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings including security controls.
type Config struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	// CloseUnauthenticated closes a connection that sends anything but auth
	// before binding an identity, instead of dropping the envelope.
	CloseUnauthenticated bool
	// CloseReplaced closes the previous connection of an identity that
	// authenticates again, instead of leaving it orphaned.
	CloseReplaced bool
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		IdleTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   256,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}

	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout * 9 / 10
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
