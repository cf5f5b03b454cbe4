// Package relay implements the signaling relay server: room metadata in
// Redis, a REST API for room lifecycle, and WebSocket fan-out of signaling
// messages between call participants.
package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the relay server settings, populated from the environment.
type Config struct {
	Port           string
	AllowedOrigins []string
	JWTSecret      string
	RoomTTL        time.Duration
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoadConfig reads the relay configuration from environment variables,
// falling back to development defaults.
func LoadConfig() *Config {
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	ttl := 24 * time.Hour
	if raw := os.Getenv("ROOM_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			ttl = d
		}
	}

	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			db = n
		}
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		RoomTTL:        ttl,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       db,
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
