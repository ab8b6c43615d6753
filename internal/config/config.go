/**
 * Configuration for the document extraction worker
 *
 * Loads configuration from environment variables, with defaults that
 * bring up a local single-node deployment (SQLite, local Redis).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Persistence configuration. Scheme selects the driver:
	// postgres:// and postgresql:// use lib/pq, sqlite:// uses modernc.
	DatabaseURL string

	// Redis configuration (task queue and progress channel)
	RedisURL string

	// HTTP API configuration
	HTTPAddr  string
	UploadDir string

	// Upload limits
	MaxFileSize int64

	// OCR configuration
	OCRLanguage         string
	OCRParallelism      int
	MaxConcurrentImages int

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	BranchTimeout     int // milliseconds, 0 disables

	// Qdrant vector index configuration (optional, empty URL disables)
	QdrantURL        string
	QdrantCollection string

	// Embedding service configuration (optional, empty key disables)
	EmbeddingAPIURL string
	EmbeddingAPIKey string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", "sqlite://./extraction.db"),
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		HTTPAddr:            getEnvOrDefault("HTTP_ADDR", ":8080"),
		UploadDir:           getEnvOrDefault("UPLOAD_DIR", "./uploads"),
		MaxFileSize:         getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		OCRLanguage:         getEnvOrDefault("OCR_LANGUAGE", "fra+eng"),
		OCRParallelism:      getEnvAsIntOrDefault("OCR_PARALLELISM", 12),
		MaxConcurrentImages: getEnvAsIntOrDefault("MAX_CONCURRENT_IMAGES", 4),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT_MS", 300000), // 5 minutes
		BranchTimeout:       getEnvAsIntOrDefault("BRANCH_TIMEOUT_MS", 0),
		QdrantURL:           getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:    getEnvOrDefault("QDRANT_COLLECTION", "document_blocks"),
		EmbeddingAPIURL:     getEnvOrDefault("EMBEDDING_API_URL", "https://api.voyageai.com/v1/embeddings"),
		EmbeddingAPIKey:     getEnvOrDefault("EMBEDDING_API_KEY", ""),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	scheme := c.DatabaseURL
	if i := strings.Index(scheme, "://"); i >= 0 {
		scheme = scheme[:i]
	}
	switch scheme {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("DATABASE_URL scheme must be postgres, postgresql or sqlite, got %q", scheme)
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}

	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.OCRParallelism < 1 {
		return fmt.Errorf("OCR_PARALLELISM must be at least 1, got %d", c.OCRParallelism)
	}

	if c.MaxConcurrentImages < 1 {
		return fmt.Errorf("MAX_CONCURRENT_IMAGES must be at least 1, got %d", c.MaxConcurrentImages)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT_MS must be at least 1000, got %d", c.ProcessingTimeout)
	}

	if c.BranchTimeout < 0 {
		return fmt.Errorf("BRANCH_TIMEOUT_MS must not be negative, got %d", c.BranchTimeout)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
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

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
