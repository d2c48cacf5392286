package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration values for the ingestion server.
type Config struct {
	Port             string
	Postgres_DSN     string
	RabbitMQ_URL     string
	MinIO_Endpoint   string
	MinIO_AccessKey  string
	MinIO_SecretKey  string
	MinIO_UseSSL     bool
	MinIO_BucketName string
	DashboardBaseURL string // prefix for dashboard_url in ingestion responses
	LogLevel         string // "debug", "info", "warn", "error"
	RequestTimeout   time.Duration
}

// PipelineConfig holds configuration for the orchestration CLI.
type PipelineConfig struct {
	AIProvider      string // "gemini", "openai", "anthropic"; empty disables analysis
	AIAPIKey        string
	IngestURL       string // base URL of the ingestion server; empty disables submission
	IngestAPIKey    string
	ReportsDir      string
	ReadyTimeout    time.Duration
	AnalysisTimeout time.Duration
	LogLevel        string
}

// Load loads server configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		Postgres_DSN:     getenv("POSTGRES_DSN", "postgres://localhost:5432/velotest?sslmode=disable"),
		RabbitMQ_URL:     getenv("RABBITMQ_URL", "amqp://localhost:5672/"),
		MinIO_Endpoint:   getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinIO_AccessKey:  getenv("MINIO_ACCESS_KEY", ""),
		MinIO_SecretKey:  getenv("MINIO_SECRET_KEY", ""),
		MinIO_UseSSL:     getenvBool("MINIO_USE_SSL", false),
		MinIO_BucketName: getenv("MINIO_BUCKET_NAME", "test-reports"),
		DashboardBaseURL: getenv("DASHBOARD_BASE_URL", "http://localhost:8080/dashboard"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		RequestTimeout:   getenvDuration("REQUEST_TIMEOUT", 15*time.Second),
	}
	return cfg, nil
}

// LoadPipeline loads orchestration CLI configuration from environment variables.
func LoadPipeline() (*PipelineConfig, error) {
	cfg := &PipelineConfig{
		AIProvider:      getenv("AI_PROVIDER", ""),
		AIAPIKey:        getenv("AI_API_KEY", ""),
		IngestURL:       getenv("VELOTEST_URL", ""),
		IngestAPIKey:    getenv("VELOTEST_API_KEY", ""),
		ReportsDir:      getenv("REPORTS_DIR", "velotest-reports"),
		ReadyTimeout:    getenvDuration("READY_TIMEOUT", 30*time.Second),
		AnalysisTimeout: getenvDuration("ANALYSIS_TIMEOUT", 45*time.Second),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(valueStr)
		if err == nil {
			return value
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(valueStr)
		if err == nil {
			return value
		}
	}
	return fallback
}
