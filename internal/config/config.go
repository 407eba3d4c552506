package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	GinMode         string
	LogLevel        string
	ModelPath       string
	MetadataPath    string
	OnnxLibPath     string
	ImageSize       int
	MaxUploadBytes  int64
	MaxImagePixels  int
	RedisAddr       string
	CacheTTL        time.Duration
	HistoryDriver   string
	HistoryDSN      string
	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "release"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ModelPath:       getEnv("MODEL_PATH", "models/model.onnx"),
		MetadataPath:    getEnv("METADATA_PATH", "models/model_metadata.json"),
		OnnxLibPath:     getEnv("ONNXRUNTIME_LIB", ""),
		ImageSize:       getEnvAsInt("IMAGE_SIZE", 224),
		MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		MaxImagePixels:  getEnvAsInt("MAX_IMAGE_PIXELS", 64<<20),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		CacheTTL:        getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		HistoryDriver:   getEnv("HISTORY_DRIVER", ""),
		HistoryDSN:      getEnv("HISTORY_DSN", ""),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
