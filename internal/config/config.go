package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by REFINERY_ENV (or .env by
// default), then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("REFINERY_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// APIKey returns the shared key required on every HTTP request.
// Empty disables authentication (local development).
func APIKey() string {
	return os.Getenv("API_KEY")
}

// RefineThreshold returns the global retained-mass floor applied when
// an agent has no per-agent override. Defaults to 0.75.
func RefineThreshold() float64 {
	t, err := strconv.ParseFloat(os.Getenv("REFINE_THRESHOLD"), 64)
	if err != nil || t <= 0 || t > 1 {
		return 0.75
	}
	return t
}

// SessionIdleTimeout returns how long an active session may sit idle
// before the reaper releases its lease. Defaults to 1h.
func SessionIdleTimeout() time.Duration {
	d, err := time.ParseDuration(os.Getenv("SESSION_IDLE_TIMEOUT"))
	if err != nil || d <= 0 {
		return 1 * time.Hour
	}
	return d
}

// ReaperInterval returns how often the stale-session reaper runs.
// Defaults to 10m.
func ReaperInterval() time.Duration {
	d, err := time.ParseDuration(os.Getenv("REAPER_INTERVAL"))
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// MigrationsPath returns the directory holding schema migrations.
func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}
