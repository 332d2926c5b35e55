// Package config provides centralized configuration management for Waitline.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail
// fast with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port           int
	DBType         string // "sqlite" or "postgres"
	DBDSN          string
	ShutdownTimeout time.Duration

	// CORS
	AllowedOrigins []string

	// Host-cookie / queue authority
	HostAuthSecret string

	// CAPTCHA (Turnstile) verifier
	TurnstileSecretKey string

	// Web Push / VAPID
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// OAuth providers
	GitHubClientID     string
	GitHubClientSecret string
	GoogleClientID     string
	GoogleClientSecret string
	AppBaseURL         string

	// Admin gate
	AdminEmails []string

	// Archival (optional)
	S3ArchiveBucket string
	S3ArchiveRegion string
	S3ArchiveEndpoint string

	// Coordinator tuning
	CallWindow     time.Duration
	MailboxSize    int
	ETAPrior       time.Duration
	ETAHistoryN    int
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort            = 8080
	DefaultDBType          = "sqlite"
	DefaultDBDSN           = "waitline.db"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultCallWindow      = 2 * time.Minute
	DefaultMailboxSize     = 1024
	DefaultETAPrior        = 5 * time.Minute
	DefaultETAHistoryN     = 20
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            DefaultPort,
		DBType:          DefaultDBType,
		DBDSN:           DefaultDBDSN,
		ShutdownTimeout: DefaultShutdownTimeout,
		CallWindow:      DefaultCallWindow,
		MailboxSize:     DefaultMailboxSize,
		ETAPrior:        DefaultETAPrior,
		ETAHistoryN:     DefaultETAHistoryN,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("DB_TYPE"); v != "" {
		c.DBType = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		c.DBDSN = v
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "SHUTDOWN_TIMEOUT",
				Message: fmt.Sprintf("invalid timeout: %q (must be a positive integer of seconds)", v),
			})
		} else {
			c.ShutdownTimeout = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}

	if v := os.Getenv("HOST_AUTH_SECRET"); v != "" {
		c.HostAuthSecret = v
	}

	if v := os.Getenv("TURNSTILE_SECRET_KEY"); v != "" {
		c.TurnstileSecretKey = v
	}

	if v := os.Getenv("VAPID_PUBLIC"); v != "" {
		c.VAPIDPublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE"); v != "" {
		c.VAPIDPrivateKey = v
	}
	if v := os.Getenv("VAPID_SUBJECT"); v != "" {
		c.VAPIDSubject = v
	}

	if v := os.Getenv("GITHUB_CLIENT_ID"); v != "" {
		c.GitHubClientID = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		c.GitHubClientSecret = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.GoogleClientSecret = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		c.AppBaseURL = v
	}

	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		c.AdminEmails = splitCSV(v)
	}

	if v := os.Getenv("S3_ARCHIVE_BUCKET"); v != "" {
		c.S3ArchiveBucket = v
	}
	if v := os.Getenv("S3_ARCHIVE_REGION"); v != "" {
		c.S3ArchiveRegion = v
	}
	if v := os.Getenv("S3_ARCHIVE_ENDPOINT"); v != "" {
		c.S3ArchiveEndpoint = v
	}

	if v := os.Getenv("CALL_WINDOW_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "CALL_WINDOW_SECONDS",
				Message: fmt.Sprintf("invalid call window: %q (must be a positive integer of seconds)", v),
			})
		} else {
			c.CallWindow = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("MAILBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MAILBOX_SIZE",
				Message: fmt.Sprintf("invalid mailbox size: %q (must be a positive integer)", v),
			})
		} else {
			c.MailboxSize = n
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if c.DBType != "sqlite" && c.DBType != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "DB_TYPE",
			Message: fmt.Sprintf("must be sqlite or postgres, got %q", c.DBType),
		})
	}

	if c.DBDSN == "" {
		errs = append(errs, ValidationError{Field: "DB_DSN", Message: "database DSN cannot be empty"})
	}

	if c.HostAuthSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "HOST_AUTH_SECRET",
			Message: "host auth secret is required to sign host cookies",
		})
	} else if len(c.HostAuthSecret) < 16 {
		errs = append(errs, ValidationError{
			Field:   "HOST_AUTH_SECRET",
			Message: "host auth secret must be at least 16 bytes",
		})
	}

	if c.MailboxSize <= 0 {
		errs = append(errs, ValidationError{Field: "MAILBOX_SIZE", Message: "must be positive"})
	}

	return errs
}

// IsAdmin reports whether email (case-insensitive) is in the configured
// admin list.
func (c *Config) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	for _, a := range c.AdminEmails {
		if strings.EqualFold(a, email) {
			return true
		}
	}
	return false
}

// MustLoad loads configuration and exits the process if it fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
