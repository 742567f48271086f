package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Session
	UserID   string
	Timezone string // IANA name or "Local"

	// StoreDriver selects the notification store: "postgres" or "memory"
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Empty RedisHost disables reservations and rate limiting.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// API rate limit per client IP
	RateLimit       int
	RateLimitWindow time.Duration

	// Local settings cache (sqlite file)
	CachePath string

	// AWS delivery relays. Empty URL/ARN disables that sender.
	AWSRegion          string
	SQSRegion          string
	SQSDesktopQueueURL string
	SQSEndpoint        string // local emulators
	SNSRegion          string
	SNSTopicARN        string
	SNSEndpoint        string

	// SCHEDULE_FILE points at an optional YAML file of rule cadences
	ScheduleFile string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		Timezone:    "Local",
		StoreDriver: "postgres",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "finwatch",
		DBPassword: "",
		DBName:     "finwatch",
		DBSSLMode:  "disable",

		RedisPort: 6379,

		RateLimit:       120,
		RateLimitWindow: time.Minute,

		CachePath: defaultCachePath(),

		AWSRegion: "us-east-1",
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	cfg.UserID = os.Getenv("USER_ID")

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
		}
		cfg.Timezone = tz
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		if driver != "postgres" && driver != "memory" {
			return nil, fmt.Errorf("invalid STORE_DRIVER %q: want postgres or memory", driver)
		}
		cfg.StoreDriver = driver
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	cfg.RedisHost = os.Getenv("REDIS_HOST")
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if cfg.RateLimit, err = intEnv("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if path := os.Getenv("CACHE_PATH"); path != "" {
		cfg.CachePath = path
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS desktop relay
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SQSDesktopQueueURL = os.Getenv("SQS_DESKTOP_QUEUE_URL")
	cfg.SQSEndpoint = os.Getenv("SQS_ENDPOINT")

	// SNS topic fan-out
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	cfg.SNSEndpoint = os.Getenv("SNS_ENDPOINT")

	cfg.ScheduleFile = os.Getenv("SCHEDULE_FILE")

	return cfg, nil
}

// Location resolves Timezone
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DatabaseURL builds the postgres connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "finwatch-cache.db")
	}
	return filepath.Join(home, ".config", "finwatch", "cache.db")
}
