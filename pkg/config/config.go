package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Backtest engine
	Engine EngineConfig

	// Series provider
	Data DataConfig

	// Job queue
	Queue QueueConfig

	// Maintenance cron
	Reaper ReaperConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// EngineConfig holds walk-forward engine settings
type EngineConfig struct {
	Concurrency  int // windows evaluated in parallel
	MinTrainSize int // rows in the first training window
}

// DataConfig selects and tunes the series provider
type DataConfig struct {
	Provider  string // postgres, http
	BaseURL   string
	APIKey    string
	RateLimit int // requests per second, 0 = unlimited
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// QueueConfig holds Redis job queue settings
type QueueConfig struct {
	Prefix     string
	Workers    int
	RetryLimit int
	RetryDelay time.Duration
}

// ReaperConfig holds the stale-run reaper schedule
type ReaperConfig struct {
	Schedule   string // cron spec with seconds
	StaleAfter time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},

		Engine: EngineConfig{
			Concurrency:  getEnvAsInt("ENGINE_CONCURRENCY", 4),
			MinTrainSize: getEnvAsInt("ENGINE_MIN_TRAIN_SIZE", 1),
		},

		Data: DataConfig{
			Provider:  getEnv("DATA_PROVIDER", "postgres"),
			BaseURL:   getEnv("DATA_BASE_URL", ""),
			APIKey:    getEnv("DATA_API_KEY", ""),
			RateLimit: getEnvAsInt("DATA_RATE_LIMIT", 10),
			CacheTTL:  getEnvAsDuration("DATA_CACHE_TTL", "1h"),
			Timeout:   getEnvAsDuration("DATA_TIMEOUT", "30s"),
		},

		Queue: QueueConfig{
			Prefix:     getEnv("QUEUE_PREFIX", "backtester"),
			Workers:    getEnvAsInt("QUEUE_WORKERS", 2),
			RetryLimit: getEnvAsInt("QUEUE_RETRY_LIMIT", 3),
			RetryDelay: getEnvAsDuration("QUEUE_RETRY_DELAY", "30s"),
		},

		Reaper: ReaperConfig{
			Schedule:   getEnv("REAPER_SCHEDULE", "0 */5 * * * *"),
			StaleAfter: getEnvAsDuration("REAPER_STALE_AFTER", "2h"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	// Database URL is required
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("ENGINE_CONCURRENCY must be >= 1")
	}
	if c.Engine.MinTrainSize < 1 {
		return fmt.Errorf("ENGINE_MIN_TRAIN_SIZE must be >= 1")
	}

	switch c.Data.Provider {
	case "postgres":
	case "http":
		if c.Data.BaseURL == "" {
			return fmt.Errorf("DATA_BASE_URL is required when DATA_PROVIDER=http")
		}
	default:
		return fmt.Errorf("DATA_PROVIDER must be one of: postgres, http")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env", // Current directory
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
