package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
)

var (
	ErrMissingEnv   = errors.New("required environment variable is not set")
	ErrInvalidValue = errors.New("invalid configuration value")
)

// EmojiConfig holds the reaction names used on chat messages that contain review links.
type EmojiConfig struct {
	Queued    string
	Duplicate string
}

// Config holds all application configuration.
type Config struct {
	// Core settings
	ReviewServerURL string
	ChatAPIToken    string
	DefaultChannel  string
	BotUserID       string
	ControlAPIKey   string
	EnableListener  bool

	// Control API OIDC callers, e.g. Cloud Scheduler
	ControlOIDCAudience       string
	ControlOIDCServiceAccount string

	// Cloud Tasks dispatch; scheduled runs execute in-process when CloudTasksQueue is empty
	CloudTasksProjectID string
	CloudTasksLocation  string
	CloudTasksQueue     string
	ServiceURL          string

	// Storage settings
	StoreBackend        string
	FirestoreProjectID  string
	FirestoreDatabaseID string
	SQLitePath          string
	DatabaseURL         string

	// Server settings
	Port                  string
	GinMode               string
	LogLevel              string
	ServerReadTimeout     time.Duration
	ServerWriteTimeout    time.Duration
	ServerShutdownTimeout time.Duration

	// Processing settings
	Locale         string
	Timezone       string
	TickInterval   time.Duration
	GerritTimeout  time.Duration
	SlackRateLimit float64

	// Emoji settings
	Emoji EmojiConfig
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ReviewServerURL: strings.TrimRight(os.Getenv("GERRIT_URL"), "/"),
		ChatAPIToken:    os.Getenv("SLACK_BOT_TOKEN"),
		DefaultChannel:  os.Getenv("SLACK_DEFAULT_CHANNEL"),
		BotUserID:       os.Getenv("SLACK_BOT_USER_ID"),
		ControlAPIKey:   os.Getenv("CONTROL_API_KEY"),

		ControlOIDCAudience:       os.Getenv("CONTROL_OIDC_AUDIENCE"),
		ControlOIDCServiceAccount: os.Getenv("CONTROL_OIDC_SERVICE_ACCOUNT"),

		CloudTasksProjectID: getEnvDefault("CLOUD_TASKS_PROJECT_ID", os.Getenv("FIRESTORE_PROJECT_ID")),
		CloudTasksLocation:  getEnvDefault("CLOUD_TASKS_LOCATION", "us-central1"),
		CloudTasksQueue:     os.Getenv("CLOUD_TASKS_QUEUE"),
		ServiceURL:          strings.TrimRight(os.Getenv("SERVICE_URL"), "/"),

		StoreBackend:        getEnvDefault("STORE_BACKEND", StoreFirestore),
		FirestoreProjectID:  os.Getenv("FIRESTORE_PROJECT_ID"),
		FirestoreDatabaseID: getEnvDefault("FIRESTORE_DATABASE_ID", "(default)"),
		SQLitePath:          getEnvDefault("SQLITE_PATH", "notifier.db"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),

		Port:     getEnvDefault("PORT", "8080"),
		GinMode:  getEnvDefault("GIN_MODE", "debug"),
		LogLevel: getEnvDefault("LOG_LEVEL", "info"),

		Locale:   getEnvDefault("LOCALE", "en"),
		Timezone: getEnvDefault("TZ", "Local"),

		Emoji: EmojiConfig{
			Queued:    getEnvDefault("EMOJI_QUEUED", "eyes"),
			Duplicate: getEnvDefault("EMOJI_DUPLICATE", "repeat"),
		},
	}

	var err error
	if cfg.EnableListener, err = getEnvBool("ENABLE_LISTENER", true); err != nil {
		return nil, err
	}
	if cfg.SlackRateLimit, err = getEnvFloat("SLACK_RATE_LIMIT", 1); err != nil {
		return nil, err
	}

	durations := []struct {
		target *time.Duration
		key    string
		def    time.Duration
	}{
		{&cfg.ServerReadTimeout, "SERVER_READ_TIMEOUT", 30 * time.Second},
		{&cfg.ServerWriteTimeout, "SERVER_WRITE_TIMEOUT", 30 * time.Second},
		{&cfg.ServerShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT", 30 * time.Second},
		{&cfg.TickInterval, "SCHEDULER_TICK", 5 * time.Second},
		{&cfg.GerritTimeout, "GERRIT_TIMEOUT", 30 * time.Second},
	}
	for _, d := range durations {
		if *d.target, err = getEnvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	required := map[string]string{
		"GERRIT_URL":      c.ReviewServerURL,
		"SLACK_BOT_TOKEN": c.ChatAPIToken,
	}
	switch c.StoreBackend {
	case StoreFirestore:
		required["FIRESTORE_PROJECT_ID"] = c.FirestoreProjectID
	case StorePostgres:
		required["DATABASE_URL"] = c.DatabaseURL
	case StoreSQLite:
		required["SQLITE_PATH"] = c.SQLitePath
	default:
		return fmt.Errorf("%w: STORE_BACKEND=%s (must be firestore, sqlite or postgres)", ErrInvalidValue, c.StoreBackend)
	}

	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%w: %s", ErrMissingEnv, name)
		}
	}

	u, err := url.Parse(c.ReviewServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: GERRIT_URL=%s (must be an absolute URL)", ErrInvalidValue, c.ReviewServerURL)
	}

	if (c.ControlOIDCAudience == "") != (c.ControlOIDCServiceAccount == "") {
		return fmt.Errorf("%w: CONTROL_OIDC_AUDIENCE and CONTROL_OIDC_SERVICE_ACCOUNT must be set together", ErrInvalidValue)
	}

	if c.CloudTasksQueue != "" {
		if c.CloudTasksProjectID == "" || c.ServiceURL == "" {
			return fmt.Errorf("%w: CLOUD_TASKS_QUEUE needs CLOUD_TASKS_PROJECT_ID and SERVICE_URL", ErrInvalidValue)
		}
		// Tasks authenticate to the control API with the OIDC service account.
		if c.ControlOIDCServiceAccount == "" {
			return fmt.Errorf("%w: CLOUD_TASKS_QUEUE needs CONTROL_OIDC_SERVICE_ACCOUNT", ErrInvalidValue)
		}
	}

	if c.GinMode != "debug" && c.GinMode != "release" && c.GinMode != "test" {
		return fmt.Errorf("%w: GIN_MODE=%s (must be debug, release, or test)", ErrInvalidValue, c.GinMode)
	}

	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		return fmt.Errorf("%w: LOG_LEVEL=%s (must be debug, info, warn, or error)", ErrInvalidValue, c.LogLevel)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: TZ=%s: %w", ErrInvalidValue, c.Timezone, err)
	}

	// The scheduler compares against whole minutes, so a tick must fit inside one.
	if c.TickInterval <= 0 || c.TickInterval >= time.Minute {
		return fmt.Errorf("%w: SCHEDULER_TICK must be between 0 and 1m", ErrInvalidValue)
	}
	if c.GerritTimeout <= 0 {
		return fmt.Errorf("%w: GERRIT_TIMEOUT must be positive", ErrInvalidValue)
	}
	if c.SlackRateLimit <= 0 {
		return fmt.Errorf("%w: SLACK_RATE_LIMIT must be positive", ErrInvalidValue)
	}
	if c.ServerReadTimeout <= 0 || c.ServerWriteTimeout <= 0 || c.ServerShutdownTimeout <= 0 {
		return fmt.Errorf("%w: server timeouts must be positive", ErrInvalidValue)
	}
	return nil
}

// Location returns the time zone schedules are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// getEnvDefault gets an environment variable with a default value.
func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%s is not a boolean", ErrInvalidValue, key, value)
	}
	return b, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%s is not a number", ErrInvalidValue, key, value)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%s is not a duration", ErrInvalidValue, key, value)
	}
	return d, nil
}
