// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	_ = godotenv.Load()
}

const (
	defaultPort            = "4200"
	defaultEnvironment     = "development"
	defaultDataFile        = "./data/huddle.json"
	defaultShutdownTimeout = 10 * time.Second
)

// SeedAdmin describes the admin account created on first boot when the store
// holds no users at all.
type SeedAdmin struct {
	Email    string
	Name     string
	Password string
}

type Config struct {
	Port            string
	Environment     string
	DataFile        string
	ShutdownTimeout time.Duration
	SeedAdmin       SeedAdmin
}

func Load() (Config, error) {
	cfg := Config{
		Port:        firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		Environment: resolveEnvironment(),
		DataFile: firstNonEmpty(
			strings.TrimSpace(os.Getenv("HUDDLE_DATA_FILE")),
			defaultDataFile,
		),
		SeedAdmin: SeedAdmin{
			Email:    strings.TrimSpace(os.Getenv("HUDDLE_SEED_ADMIN_EMAIL")),
			Name:     strings.TrimSpace(os.Getenv("HUDDLE_SEED_ADMIN_NAME")),
			Password: os.Getenv("HUDDLE_SEED_ADMIN_PASSWORD"),
		},
	}

	shutdownTimeout, err := parseDuration("HUDDLE_SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout = shutdownTimeout

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataFile == "" {
		return fmt.Errorf("HUDDLE_DATA_FILE must not be empty")
	}

	if c.SeedAdmin.Email != "" {
		if c.SeedAdmin.Name == "" {
			return fmt.Errorf("HUDDLE_SEED_ADMIN_NAME is required when HUDDLE_SEED_ADMIN_EMAIL is set")
		}
		if c.SeedAdmin.Password == "" {
			return fmt.Errorf("HUDDLE_SEED_ADMIN_PASSWORD is required when HUDDLE_SEED_ADMIN_EMAIL is set")
		}
	}

	return nil
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
