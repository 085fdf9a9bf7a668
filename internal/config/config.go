package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Env            string
	LogLevel       string
	LogFormat      string
	OpsPort        string
	DatabaseURL    string
	UseMemoryQueue bool
	UseMemoryStore bool
	WorkerCount    int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	TriageQueueURL       string
	ReportEventsQueueURL string
	WorkflowStepsTable   string

	// LLM providers
	LLMProvider          string
	LLMFallbackProvider  string
	BedrockModelID       string
	BedrockVisionModelID string
	GeminiAPIKey         string
	GeminiModelID        string
	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAIVisionModel    string
	LLMTimeout           time.Duration
	LLMTemperature       float64

	// Workflow tuning
	StepMaxAttempts    int
	StepInitialBackoff time.Duration
	StepMaxBackoff     time.Duration
	StepTimeout        time.Duration
	DebounceWindow     time.Duration
	EncounterWindow    int
	ScanConcurrency    int

	// Object storage
	StorageProvider string
	S3Bucket        string
	SignedURLTTL    time.Duration
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool

	// Outbound events
	EventBus         string
	RabbitMQURL      string
	RabbitMQExchange string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Critical urgency alerts
	AlertEmailProvider string
	AlertEmails        []string
	SESFromEmail       string
	SendGridAPIKey     string
	SendGridFromEmail  string
	AlertFromName      string

	ReportDisclaimerLevel string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		OpsPort:        getEnv("OPS_PORT", "9091"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		TriageQueueURL:       getEnv("TRIAGE_QUEUE_URL", ""),
		ReportEventsQueueURL: getEnv("REPORT_EVENTS_QUEUE_URL", ""),
		WorkflowStepsTable:   getEnv("WORKFLOW_STEPS_TABLE", ""),

		LLMProvider:          strings.ToLower(getEnv("LLM_PROVIDER", "bedrock")),
		LLMFallbackProvider:  strings.ToLower(getEnv("LLM_FALLBACK_PROVIDER", "")),
		BedrockModelID:       getEnv("BEDROCK_MODEL_ID", ""),
		BedrockVisionModelID: getEnv("BEDROCK_VISION_MODEL_ID", ""),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:        getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIVisionModel:    getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
		LLMTimeout:           getEnvAsDuration("LLM_TIMEOUT", 90*time.Second),
		LLMTemperature:       getEnvAsFloat("LLM_TEMPERATURE", 0.2),

		StepMaxAttempts:    getEnvAsInt("STEP_MAX_ATTEMPTS", 3),
		StepInitialBackoff: getEnvAsDuration("STEP_INITIAL_BACKOFF", 2*time.Second),
		StepMaxBackoff:     getEnvAsDuration("STEP_MAX_BACKOFF", 30*time.Second),
		StepTimeout:        getEnvAsDuration("STEP_TIMEOUT", 2*time.Minute),
		DebounceWindow:     getEnvAsDuration("DEBOUNCE_WINDOW", 5*time.Minute),
		EncounterWindow:    getEnvAsInt("ENCOUNTER_WINDOW", 10),
		ScanConcurrency:    getEnvAsInt("SCAN_CONCURRENCY", 3),

		StorageProvider: strings.ToLower(getEnv("STORAGE_PROVIDER", "s3")),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		SignedURLTTL:    getEnvAsDuration("SIGNED_URL_TTL", 15*time.Minute),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:     getEnv("MINIO_BUCKET", ""),
		MinioUseSSL:     getEnvAsBool("MINIO_USE_SSL", true),

		EventBus:         strings.ToLower(getEnv("EVENT_BUS", "sqs")),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "triage.events"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AlertEmailProvider: strings.ToLower(getEnv("ALERT_EMAIL_PROVIDER", "")),
		AlertEmails:        getEnvAsList("ALERT_EMAILS"),
		SESFromEmail:       getEnv("SES_FROM_EMAIL", ""),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:  getEnv("SENDGRID_FROM_EMAIL", ""),
		AlertFromName:      getEnv("ALERT_FROM_NAME", "Triage Alerts"),

		ReportDisclaimerLevel: strings.ToLower(getEnv("REPORT_DISCLAIMER_LEVEL", "medium")),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
