package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration for browser sessions
	JWT JWTConfig

	// Realtime backend connection and credential
	Backend BackendConfig

	// Realtime manager tunables
	Realtime RealtimeConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsDir   string
	AutoMigrate     bool
}

// JWTConfig holds the settings used to validate client tokens
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
	AdminRole      string
}

// BackendConfig holds the realtime backend connection and the service
// credential presented to it
type BackendConfig struct {
	URL               string
	APIKey            string
	JWTSecret         string
	ServiceSubject    string
	ServiceRole       string
	TokenTTL          time.Duration
	RefreshBefore     time.Duration
	HeartbeatInterval time.Duration
}

// RealtimeConfig holds channel lifecycle and batching tunables
type RealtimeConfig struct {
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MinRejoinInterval    time.Duration
	FlushInterval        time.Duration
	TypingExpiry         time.Duration
	TypingAutoStop       time.Duration
	TypingResendInterval time.Duration
	ResyncSettle         time.Duration
	JoinTimeout          time.Duration
	LeaveTimeout         time.Duration
	Presence             bool
	PresenceKey          string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	AdminRPS          float64 // Stricter limit for admin endpoints
	AdminBurst        int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	MessageRate     float64 // Inbound messages per second per session
	MessageBurst    int
	RequestTimeout  time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrationsDir:   getEnvOrDefault("DB_MIGRATIONS_DIR", "migrations"),
			AutoMigrate:     getBoolOrDefault("DB_AUTO_MIGRATE", false),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			Issuer:         os.Getenv("JWT_ISSUER"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
			AdminRole:      getEnvOrDefault("JWT_ADMIN_ROLE", "admin"),
		},
		Backend: BackendConfig{
			URL:               os.Getenv("REALTIME_URL"),
			APIKey:            os.Getenv("REALTIME_API_KEY"),
			JWTSecret:         os.Getenv("REALTIME_JWT_SECRET"),
			ServiceSubject:    getEnvOrDefault("REALTIME_SERVICE_SUBJECT", "lnked-realtime"),
			ServiceRole:       getEnvOrDefault("REALTIME_SERVICE_ROLE", "service_role"),
			TokenTTL:          getDurationOrDefault("REALTIME_TOKEN_TTL", 1*time.Hour),
			RefreshBefore:     getDurationOrDefault("REALTIME_TOKEN_REFRESH_BEFORE", 5*time.Minute),
			HeartbeatInterval: getDurationOrDefault("REALTIME_HEARTBEAT_INTERVAL", 25*time.Second),
		},
		Realtime: RealtimeConfig{
			BackoffBase:          getDurationOrDefault("RT_BACKOFF_BASE", 2*time.Second),
			BackoffMax:           getDurationOrDefault("RT_BACKOFF_MAX", 30*time.Second),
			MinRejoinInterval:    getDurationOrDefault("RT_MIN_REJOIN_INTERVAL", 1*time.Second),
			FlushInterval:        getDurationOrDefault("RT_FLUSH_INTERVAL", 100*time.Millisecond),
			TypingExpiry:         getDurationOrDefault("RT_TYPING_EXPIRY", 5*time.Second),
			TypingAutoStop:       getDurationOrDefault("RT_TYPING_AUTO_STOP", 3*time.Second),
			TypingResendInterval: getDurationOrDefault("RT_TYPING_RESEND_INTERVAL", 1*time.Second),
			ResyncSettle:         getDurationOrDefault("RT_RESYNC_SETTLE", 500*time.Millisecond),
			JoinTimeout:          getDurationOrDefault("RT_JOIN_TIMEOUT", 10*time.Second),
			LeaveTimeout:         getDurationOrDefault("RT_LEAVE_TIMEOUT", 5*time.Second),
			Presence:             getBoolOrDefault("RT_PRESENCE", true),
			PresenceKey:          os.Getenv("RT_PRESENCE_KEY"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			AdminRPS:          getFloatOrDefault("RATE_LIMIT_ADMIN_RPS", 1),
			AdminBurst:        getIntOrDefault("RATE_LIMIT_ADMIN_BURST", 5),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 4096)),
			SendBuffer:      getIntOrDefault("WS_SEND_BUFFER", 256),
			MessageRate:     getFloatOrDefault("WS_MESSAGE_RATE", 20),
			MessageBurst:    getIntOrDefault("WS_MESSAGE_BURST", 40),
			RequestTimeout:  getDurationOrDefault("WS_REQUEST_TIMEOUT", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "lnked-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	if c.Backend.URL == "" {
		errs = append(errs, "REALTIME_URL is required")
	}

	if c.Backend.JWTSecret == "" {
		errs = append(errs, "REALTIME_JWT_SECRET is required")
	}

	if c.Backend.RefreshBefore >= c.Backend.TokenTTL {
		errs = append(errs, "REALTIME_TOKEN_REFRESH_BEFORE must be shorter than REALTIME_TOKEN_TTL")
	}

	if c.Realtime.BackoffBase <= 0 || c.Realtime.BackoffMax < c.Realtime.BackoffBase {
		errs = append(errs, "RT_BACKOFF_MAX must be at least RT_BACKOFF_BASE, and both positive")
	}

	if c.Realtime.FlushInterval <= 0 {
		errs = append(errs, "RT_FLUSH_INTERVAL must be positive")
	}

	if c.Realtime.TypingAutoStop >= c.Realtime.TypingExpiry {
		errs = append(errs, "RT_TYPING_AUTO_STOP must be shorter than RT_TYPING_EXPIRY")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.Backend.JWTSecret) < 32 {
			errs = append(errs, "REALTIME_JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, JWT: [REDACTED], Backend: %s, RateLimit: %v, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		c.Backend.URL,
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	// Very basic redaction - in production you'd want something more robust
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
