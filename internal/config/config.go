package config

import (
	"os"
	"strconv"
	"time"
)

// Backend selection values.
const (
	BackendHuggingFace = "huggingface"
	BackendLocal       = "local"
)

// DefaultModelID is the species classifier served when none is configured.
const DefaultModelID = "chriamue/bird-species-classifier"

const defaultInferenceBase = "https://api-inference.huggingface.co/models/"

// Config is read from the environment once at startup and passed explicitly
// to each component. It is never mutated afterwards.
type Config struct {
	Port    string
	Backend string

	ModelID        string
	InferenceURL   string
	Token          string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	LocalModelPath    string
	LocalMetadataPath string

	VerifyEndpoint      string
	VerifyMinConfidence float64
	VerifyMaxLabels     int
	VerifyMatchLabel    string

	DatabaseDSN string
	RedisAddr   string
	JWTSecret   string
	JWTAudience string
}

// Load reads the service configuration from the environment.
func Load() Config {
	cfg := Config{
		Port:    getEnv("PORT", "8080"),
		Backend: getEnv("BIRDID_BACKEND", BackendHuggingFace),

		ModelID:        getEnv("MODEL_ID", DefaultModelID),
		Token:          os.Getenv("HF_TOKEN"),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxRetries:     getInt("MAX_RETRIES", 3),
		InitialBackoff: getDuration("INITIAL_BACKOFF", 2*time.Second),
		MaxBackoff:     getDuration("MAX_BACKOFF", 16*time.Second),

		LocalModelPath:    getEnv("LOCAL_MODEL_PATH", "models/bird-species.onnx"),
		LocalMetadataPath: getEnv("LOCAL_MODEL_METADATA", "models/metadata.json"),

		VerifyEndpoint:      os.Getenv("VERIFY_ENDPOINT"),
		VerifyMinConfidence: getFloat("VERIFY_MIN_CONFIDENCE", 0.85),
		VerifyMaxLabels:     getInt("VERIFY_MAX_LABELS", 10),
		VerifyMatchLabel:    getEnv("VERIFY_MATCH_LABEL", "bird"),

		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=birdid port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
	}
	cfg.InferenceURL = getEnv("INFERENCE_URL", defaultInferenceBase+cfg.ModelID)
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
