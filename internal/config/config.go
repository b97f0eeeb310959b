// Package config loads the service configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds everything the server needs to wire itself up.
type Config struct {
	Port            string
	UpstreamTimeout time.Duration

	// Upstream base URLs.
	CartURL string
	AuthURL string

	// FlushDebounce is the trailing debounce before buffered quantity
	// deltas are written upstream.
	FlushDebounce time.Duration

	// GuestStore selects the guest cart backend: memory, file, redis,
	// or postgres.
	GuestStore    string
	GuestStoreDir string
	GuestCartTTL  time.Duration

	RedisURL    string
	DatabaseURL string
	RabbitURL   string

	SessionTTL time.Duration
}

// Load reads the configuration, applying defaults for anything unset.
func Load() Config {
	return Config{
		Port:            getenv("PORT", "8080"),
		UpstreamTimeout: duration(getenv("UPSTREAM_TIMEOUT", "10s"), 10*time.Second),

		CartURL: getenv("CART_URL", "http://cart-service:8081"),
		AuthURL: getenv("AUTH_URL", "http://auth-service:8082"),

		FlushDebounce: duration(getenv("FLUSH_DEBOUNCE", "300ms"), 300*time.Millisecond),

		GuestStore:    strings.ToLower(getenv("GUEST_STORE", "memory")),
		GuestStoreDir: getenv("GUEST_STORE_DIR", "./data/guest-carts"),
		GuestCartTTL:  duration(getenv("GUEST_CART_TTL", "168h"), 168*time.Hour),

		RedisURL:    os.Getenv("REDIS_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RabbitURL:   os.Getenv("RABBITMQ_URL"),

		SessionTTL: duration(getenv("SESSION_TTL", "30m"), 30*time.Minute),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
