package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Relay
	RelayHost      string        `env:"RELAY_HOST" default:""`
	RelayPort      int           `env:"RELAY_PORT" default:"7070"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" default:"6m"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	MaxPayloadSize int           `env:"MAX_PAYLOAD_SIZE" default:"0"` // 0 = unlimited
	AcceptRate     float64       `env:"ACCEPT_RATE" default:"0"`      // connections/s, 0 = off
	AcceptBurst    int           `env:"ACCEPT_BURST" default:"0"`
	StatsInterval  time.Duration `env:"STATS_INTERVAL" default:"10s"`

	// Admin API
	AdminEnabled      bool   `env:"ADMIN_ENABLED" default:"false"`
	AdminPort         int    `env:"ADMIN_PORT" default:"7071"`
	AdminUser         string `env:"ADMIN_USER" default:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"` // bcrypt

	// Authentication
	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" default:"1h"`

	// Redis presence (empty = off)
	RedisURL      string `env:"REDIS_URL"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// PostgreSQL session audit (empty = off)
	DatabaseURL        string        `env:"DATABASE_URL"`
	AuditBatchSize     int           `env:"AUDIT_BATCH_SIZE" default:"500"`
	AuditFlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" default:"30s"`

	// Development
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; system env vars still apply without it
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Warning: .env file not loaded: %v\n", err)
	}
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}

	// Relay
	if err := loadEnvString(&config.RelayHost, "RELAY_HOST", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RelayPort, "RELAY_PORT", 7070); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.IdleTimeout, "IDLE_TIMEOUT", 360000*time.Millisecond); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.WriteTimeout, "WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.MaxPayloadSize, "MAX_PAYLOAD_SIZE", 0); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.AcceptRate, "ACCEPT_RATE", 0); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AcceptBurst, "ACCEPT_BURST", 0); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.StatsInterval, "STATS_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	// Admin API
	if err := loadEnvBool(&config.AdminEnabled, "ADMIN_ENABLED", false); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", 7071); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.AdminUser, "ADMIN_USER", "admin"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.AdminPasswordHash, "ADMIN_PASSWORD_HASH", ""); err != nil {
		return nil, err
	}

	// Authentication
	if err := loadEnvString(&config.JWTSecret, "JWT_SECRET", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.JWTExpiry, "JWT_EXPIRY", time.Hour); err != nil {
		return nil, err
	}

	// Redis
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}

	// Database
	if err := loadEnvString(&config.DatabaseURL, "DATABASE_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AuditBatchSize, "AUDIT_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.AuditFlushInterval, "AUDIT_FLUSH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "json"); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// loadEnvDuration accepts Go durations ("6m", "10s") or a bare number of
// milliseconds ("360000"), the unit the idle probe carries on the wire.
func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		*target = time.Duration(ms) * time.Millisecond
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s: %v", key, err)
	}
	*target = parsed
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	if c.RelayPort < 1 || c.RelayPort > 65535 {
		errors = append(errors, "RELAY_PORT must be between 1 and 65535")
	}
	if c.IdleTimeout < 0 {
		errors = append(errors, "IDLE_TIMEOUT must not be negative")
	}
	// the probe carries the threshold as uint32 milliseconds
	if c.IdleTimeout.Milliseconds() > int64(^uint32(0)) {
		errors = append(errors, "IDLE_TIMEOUT must fit in 32-bit milliseconds")
	}
	// a recipient that stops reading would block its sender forever
	if c.WriteTimeout <= 0 {
		errors = append(errors, "WRITE_TIMEOUT must be positive")
	}
	if c.MaxPayloadSize < 0 || int64(c.MaxPayloadSize) > int64(^uint32(0)) {
		errors = append(errors, "MAX_PAYLOAD_SIZE must be between 0 and 4294967295")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		errors = append(errors, "ACCEPT_RATE and ACCEPT_BURST must not be negative")
	}
	if c.StatsInterval < 0 {
		errors = append(errors, "STATS_INTERVAL must not be negative")
	}

	if c.AdminEnabled {
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			errors = append(errors, "ADMIN_PORT must be between 1 and 65535")
		}
		if c.AdminPort == c.RelayPort {
			errors = append(errors, "ADMIN_PORT must differ from RELAY_PORT")
		}
		if c.AdminPasswordHash == "" {
			errors = append(errors, "ADMIN_PASSWORD_HASH is required when ADMIN_ENABLED")
		}
		// Validate JWT secret length (should be at least 32 characters for security)
		if len(c.JWTSecret) < 32 {
			errors = append(errors, "JWT_SECRET should be at least 32 characters long")
		}
		if c.JWTExpiry <= 0 {
			errors = append(errors, "JWT_EXPIRY must be positive")
		}
	}

	if c.DatabaseURL != "" {
		if c.AuditBatchSize < 1 {
			errors = append(errors, "AUDIT_BATCH_SIZE must be at least 1")
		}
		if c.AuditFlushInterval <= 0 {
			errors = append(errors, "AUDIT_FLUSH_INTERVAL must be positive")
		}
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	// Validate log format
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// RelayAddr is the host:port the relay binds to.
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.RelayHost, c.RelayPort)
}

// AdminAddr is the host:port of the admin API.
func (c *Config) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.RelayHost, c.AdminPort)
}

// SlogLevel maps LOG_LEVEL onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
