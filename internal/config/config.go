// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Artifacts
	ArtifactsDir     string
	FeatureOrderPath string
	EncodingMapsPath string
	GroupKeysPath    string // optional
	CategoriesPath   string // optional
	ModelsDir        string

	// Scoring
	Threshold         float64
	TopK              int
	ReviewScore       float64
	BlockScore        float64
	FlattenCollisions string // "warn" or "reject"

	// Storage
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL       string // optional result cache
	ResultCacheTTL time.Duration

	// Streaming
	KafkaBrokers     string
	KafkaGroupID     string
	KafkaInputTopic  string
	KafkaOutputTopic string
	KafkaDLQTopic    string

	// Observability
	OTLPEndpoint string

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultArtifactsDir      = "./artifacts"
	DefaultThreshold         = 0.5
	DefaultTopK              = 5
	DefaultReviewScore       = 0.3
	DefaultBlockScore        = 0.7
	DefaultFlattenCollisions = "warn"
	DefaultResultCacheTTL    = 10 * time.Minute
	DefaultKafkaGroupID      = "entropy-scorer"
	DefaultKafkaInputTopic   = "transactions"
	DefaultKafkaOutputTopic  = "predictions"
	DefaultKafkaDLQTopic     = "transactions.dlq"
	DefaultRateLimitRPM      = 600
	DefaultRateLimitBurst    = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	dir := getEnv("ARTIFACTS_DIR", DefaultArtifactsDir)
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		ArtifactsDir:      dir,
		FeatureOrderPath:  getEnv("FEATURE_ORDER_PATH", filepath.Join(dir, "feature_order.json")),
		EncodingMapsPath:  getEnv("ENCODING_MAPS_PATH", filepath.Join(dir, "encoding_maps.json")),
		GroupKeysPath:     getEnv("GROUP_KEYS_PATH", filepath.Join(dir, "group_keys.json")),
		CategoriesPath:    getEnv("CATEGORIES_PATH", filepath.Join(dir, "categories.json")),
		ModelsDir:         getEnv("MODELS_DIR", filepath.Join(dir, "models")),
		Threshold:         getEnvFloat("THRESHOLD", DefaultThreshold),
		TopK:              int(getEnvInt64("TOP_K", DefaultTopK)),
		ReviewScore:       getEnvFloat("REVIEW_SCORE", DefaultReviewScore),
		BlockScore:        getEnvFloat("BLOCK_SCORE", DefaultBlockScore),
		FlattenCollisions: strings.ToLower(getEnv("FLATTEN_COLLISIONS", DefaultFlattenCollisions)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		ResultCacheTTL:    getEnvDuration("RESULT_CACHE_TTL", DefaultResultCacheTTL),
		KafkaBrokers:      os.Getenv("KAFKA_BROKERS"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaInputTopic:   getEnv("KAFKA_INPUT_TOPIC", DefaultKafkaInputTopic),
		KafkaOutputTopic:  getEnv("KAFKA_OUTPUT_TOPIC", DefaultKafkaOutputTopic),
		KafkaDLQTopic:     getEnv("KAFKA_DLQ_TOPIC", DefaultKafkaDLQTopic),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that scoring cut-offs and policies are consistent
func (c *Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("THRESHOLD must be within [0, 1], got %v", c.Threshold)
	}
	if c.ReviewScore < 0 || c.BlockScore > 1 {
		return fmt.Errorf("REVIEW_SCORE and BLOCK_SCORE must be within [0, 1]")
	}
	if c.ReviewScore > c.BlockScore {
		return fmt.Errorf("REVIEW_SCORE (%v) must not exceed BLOCK_SCORE (%v)", c.ReviewScore, c.BlockScore)
	}
	if c.TopK < 1 {
		return fmt.Errorf("TOP_K must be at least 1, got %d", c.TopK)
	}
	switch c.FlattenCollisions {
	case "", "warn", "reject":
	default:
		return fmt.Errorf("FLATTEN_COLLISIONS must be warn or reject, got %q", c.FlattenCollisions)
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
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

// KafkaEnabled reports whether a broker list is configured.
func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
