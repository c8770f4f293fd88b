package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string

	// Neo4j
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Session store
	SessionDBPath string
	SessionTTL    time.Duration

	// Google OAuth
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	// Ingestion
	QueryDays          int
	IgnoredEmails      []string
	IgnoredDomains     []string
	GenerationCooldown time.Duration
	ProgressWait       time.Duration
	FetchConcurrency   int
	IOTimeout          time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8000"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", ""),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		Neo4jURI:           getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:          getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:      getEnv("NEO4J_PASSWORD", "password"),
		SessionDBPath:      getEnv("SESSION_DB_PATH", "data/sessions"),
		SessionTTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		OAuthRedirectURL:   getEnv("OAUTH_REDIRECT_URL", "postmessage"),
		QueryDays:          getEnvInt("QUERY_DAYS", 365),
		IgnoredEmails:      getEnvList("IGNORED_EMAILS", nil),
		IgnoredDomains:     getEnvList("IGNORED_DOMAINS", []string{"@google.com", "@resource.calendar.google.com"}),
		GenerationCooldown: getEnvDuration("GENERATION_COOLDOWN", 30*time.Second),
		ProgressWait:       getEnvDuration("PROGRESS_WAIT", 5*time.Second),
		FetchConcurrency:   getEnvInt("FETCH_CONCURRENCY", 4),
		IOTimeout:          getEnvDuration("IO_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_URI")
	}
	if c.Neo4jUser == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_USER")
	}
	if c.SessionDBPath == "" {
		return apperrors.NewConfigMissingRequired("SESSION_DB_PATH")
	}
	if c.QueryDays <= 0 {
		return fmt.Errorf("QUERY_DAYS must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.ProgressWait <= 0 {
		return fmt.Errorf("PROGRESS_WAIT must be positive")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	// Google credentials are optional for development; the auth endpoint fails without them
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList reads a comma separated list. An explicitly empty value is not
// distinguishable from unset, so the default applies in both cases.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
