package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port    string
	JWKSURL string // empty disables JWT verification on the API
}

// StoreConfig holds the shared store location.
type StoreConfig struct {
	DatabasePath string
}

// OAuthConfig holds the client credentials used for token refresh.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// SyncConfig bounds one orchestrator pass.
type SyncConfig struct {
	Interval        time.Duration
	MaxMessages     int
	PassBudget      time.Duration
	FetchRatePerSec float64
}

// EventsConfig holds the downstream classification signal settings.
type EventsConfig struct {
	NATSURL string
}

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	OAuth  OAuthConfig
	Sync   SyncConfig
	Events EventsConfig
}

// Load reads .env when present and builds the config from the environment.
func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		Server: ServerConfig{
			Port:    getEnv("PORT", "8080"),
			JWKSURL: os.Getenv("JWKS_URL"),
		},
		Store: StoreConfig{
			DatabasePath: getEnv("DATABASE_PATH", "data/mailsync.db"),
		},
		OAuth: OAuthConfig{
			ClientID:     os.Getenv("OAUTH_CLIENT_ID"),
			ClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
			TokenURL:     getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		},
		Sync: SyncConfig{
			Interval:        getDuration("SYNC_INTERVAL", 2*time.Minute),
			MaxMessages:     getInt("SYNC_MAX_MESSAGES", 50),
			PassBudget:      getDuration("SYNC_PASS_BUDGET", 5*time.Minute),
			FetchRatePerSec: getFloat("SYNC_FETCH_RATE", 10),
		},
		Events: EventsConfig{
			NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
