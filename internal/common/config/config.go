package config

import (
	"os"
	"strconv"
	"strings"
)

// Version is reported by the health endpoint and startup logs.
const Version = "0.1.0"

// defaultEntities is the detector entity set requested when PII_ENTITIES is unset.
var defaultEntities = []string{
	"PERSON",
	"EMAIL_ADDRESS",
	"PHONE_NUMBER",
	"CREDIT_CARD",
	"IBAN_CODE",
	"IP_ADDRESS",
	"LOCATION",
	"DATE_TIME",
	"NRP",
	"MEDICAL_LICENSE",
	"US_SSN",
	"US_PASSPORT",
	"US_DRIVER_LICENSE",
	"CRYPTO",
	"UK_NHS",
}

type Config struct {
	Host        string
	Port        string
	Environment string

	OpenAIBaseURL          string
	OpenAIAPIKey           string
	UpstreamTimeoutSeconds int

	// RedisURL selects the counter-store backend. Empty means the in-memory
	// store, which is only safe for a single gateway instance.
	RedisURL string

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailOpen      bool

	JWTSecret        string
	JWTExpireMinutes int

	DetectorURL            string
	DetectorTimeoutSeconds int
	PIILanguage            string
	SupportedLanguages     []string
	PIIEntities            []string

	// DatabaseURL enables the usage audit trail. Empty disables it.
	DatabaseURL string

	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENVIRONMENT", "production"),

		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		UpstreamTimeoutSeconds: getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 30),

		RedisURL: getEnvAllowEmpty("REDIS_URL", "redis://localhost:6379"),

		RateLimitRequests:      getEnvAsInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailOpen:      getEnvAsBool("RATE_LIMIT_FAIL_OPEN", false),

		JWTSecret:        getEnv("JWT_SECRET_KEY", "default-secret-key"),
		JWTExpireMinutes: getEnvAsInt("JWT_EXPIRE_MINUTES", 60),

		DetectorURL:            getEnv("PII_DETECTOR_URL", "http://localhost:5002"),
		DetectorTimeoutSeconds: getEnvAsInt("PII_DETECTOR_TIMEOUT_SECONDS", 10),
		PIILanguage:            getEnv("PII_LANGUAGE", "en"),
		SupportedLanguages:     getEnvAsSlice("PII_SUPPORTED_LANGUAGES", []string{"en"}),
		PIIEntities:            getEnvAsSlice("PII_ENTITIES", defaultEntities),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty distinguishes unset from explicitly empty, so a variable
// can be blanked to switch a feature off.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// getEnvAsInt parses an environment variable as an integer
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool parses an environment variable as a boolean
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsSlice parses a comma-separated environment variable
func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
