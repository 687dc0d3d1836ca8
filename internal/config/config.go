package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide settings read from the environment.
type Config struct {
	StagingDir      string
	CredentialsPath string
	LogLevel        slog.Level
	FetchRetryMax   int
	FetchTimeout    time.Duration
	LockTTL         time.Duration
	LedgerDSN       string
	CDSBaseURL      string
	CDSAPIKey       string
}

type ErrMissingRequiredEnvVar struct {
	Name string
}

func (e *ErrMissingRequiredEnvVar) Error() string {
	return fmt.Sprintf("required environment variable %q is not set", e.Name)
}

// ErrInvalidEnvVar reports an environment variable that is set but cannot be parsed.
type ErrInvalidEnvVar struct {
	Name  string
	Value string
	Err   error
}

func (e *ErrInvalidEnvVar) Error() string {
	return fmt.Sprintf("environment variable %q has invalid value %q: %v", e.Name, e.Value, e.Err)
}

func (e *ErrInvalidEnvVar) Unwrap() error {
	return e.Err
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads configuration from environment variables.
// Unset variables fall back to defaults; malformed ones are an error.
func Load() (*Config, error) {
	config := Config{
		StagingDir:      getEnv("OBSYNC_STAGING_DIR", "staging"),
		CredentialsPath: os.Getenv("OBSYNC_CREDENTIALS"),
		LedgerDSN:       os.Getenv("OBSYNC_LEDGER_DSN"),
		CDSBaseURL:      getEnv("OBSYNC_CDS_URL", "https://cds.climate.copernicus.eu/api/retrieve/v1"),
		CDSAPIKey:       os.Getenv("OBSYNC_CDS_KEY"),
	}

	level := getEnv("OBSYNC_LOG_LEVEL", "info")
	if err := config.LogLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, &ErrInvalidEnvVar{Name: "OBSYNC_LOG_LEVEL", Value: level, Err: err}
	}

	retries := getEnv("OBSYNC_FETCH_RETRY_MAX", "4")
	n, err := strconv.Atoi(retries)
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("must not be negative")
		}
		return nil, &ErrInvalidEnvVar{Name: "OBSYNC_FETCH_RETRY_MAX", Value: retries, Err: err}
	}
	config.FetchRetryMax = n

	if config.FetchTimeout, err = durationEnv("OBSYNC_FETCH_TIMEOUT", "5m"); err != nil {
		return nil, err
	}
	if config.LockTTL, err = durationEnv("OBSYNC_LOCK_TTL", "24h"); err != nil {
		return nil, err
	}

	return &config, nil
}

func durationEnv(key, fallback string) (time.Duration, error) {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ErrInvalidEnvVar{Name: key, Value: raw, Err: err}
	}
	if d <= 0 {
		return 0, &ErrInvalidEnvVar{Name: key, Value: raw, Err: fmt.Errorf("must be positive")}
	}
	return d, nil
}

// ResolveCredentialsPath prefers an explicit flag value and falls back to OBSYNC_CREDENTIALS.
func (c *Config) ResolveCredentialsPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if c.CredentialsPath != "" {
		return c.CredentialsPath, nil
	}
	return "", &ErrMissingRequiredEnvVar{Name: "OBSYNC_CREDENTIALS"}
}
