// Package config loads CLI configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting. Command-line flags override these values
// after Load.
type Config struct {
	ServerURL      string        `env:"SERVER_URL"       envDefault:"http://localhost:8000"`
	TokenFile      string        `env:"TOKEN_FILE"       envDefault:".follo-session.json"`
	ProfileFile    string        `env:"PROFILE_FILE"     envDefault:".follo-profile.json"`
	EventsFile     string        `env:"EVENTS_FILE"`
	AuthTimeout    time.Duration `env:"AUTH_TIMEOUT"     envDefault:"10s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"300s"`
	SyncInterval   time.Duration `env:"SYNC_INTERVAL"    envDefault:"15m"`
	SyncWindowDays int           `env:"SYNC_WINDOW_DAYS" envDefault:"5"`
	MetricsAddr    string        `env:"METRICS_ADDR"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT"       envDefault:"text"`
	LogFile        string        `env:"LOG_FILE"`
}

// Load reads .env files (missing ones are ignored) and then the environment.
// Variables already set in the environment win over .env entries.
func Load(dotenv ...string) (Config, error) {
	_ = godotenv.Load(dotenv...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if c.TokenFile == "" {
		return errors.New("TOKEN_FILE cannot be empty")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be positive, got %s", c.AuthTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.SyncWindowDays <= 0 {
		return fmt.Errorf("SYNC_WINDOW_DAYS must be positive, got %d", c.SyncWindowDays)
	}
	return nil
}

// InsecureTransport reports whether tokens would travel in plaintext.
func (c Config) InsecureTransport() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

// ValidateServerURL validates that the server URL is properly formatted.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
