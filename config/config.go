package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	DatabasePath   string
	Redis          RedisConfig
	Relay          RelayConfig
	Delivery       DeliveryConfig

	// Warnings lists rejected env values. Load runs before logging is set
	// up, so the caller logs them.
	Warnings []string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig tunes the room broker and socket transport.
type RelayConfig struct {
	SendBufferSize  int
	RoomIdleTimeout time.Duration
	RoomTTL         time.Duration
}

// DeliveryConfig tunes the simulated courier loop.
type DeliveryConfig struct {
	Tick                 time.Duration
	DeliveredProbability float64
	Jitter               float64
}

func Load() *Config {
	l := &loader{}

	// Parse allowed origins (comma-separated)
	origins := getEnvCSV("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"})

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		DatabasePath:   getEnv("DATABASE_PATH", "deliveries.db"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       l.getInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			SendBufferSize:  l.getInt("SEND_BUFFER_SIZE", 256),
			RoomIdleTimeout: l.getDuration("ROOM_IDLE_TIMEOUT", 30*time.Minute),
			RoomTTL:         l.getDuration("ROOM_TTL", 24*time.Hour),
		},
		Delivery: DeliveryConfig{
			Tick:                 l.getDuration("DELIVERY_TICK", 5*time.Second),
			DeliveredProbability: l.getFloat("DELIVERED_PROBABILITY", 0.1),
			Jitter:               l.getFloat("DELIVERY_JITTER", 0.001),
		},
	}
	cfg.Warnings = l.warnings
	return cfg
}

// loader reads typed env values, recording the ones it rejects.
type loader struct {
	warnings []string
}

func (l *loader) reject(key, value string, fallback any) {
	l.warnings = append(l.warnings, fmt.Sprintf("invalid %s=%q, falling back to %v", key, value, fallback))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		l.reject(key, value, defaultValue)
		return defaultValue
	}
	return i
}

func (l *loader) getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.reject(key, value, defaultValue)
		return defaultValue
	}
	return f
}

// getDuration accepts Go duration strings ("5s", "30m").
func (l *loader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		l.reject(key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getEnvCSV(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
