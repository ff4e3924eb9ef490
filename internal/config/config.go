package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     string
	LogLevel string

	// Credentials
	ServiceAccountsJSON string
	CredentialsDir      string

	// Remote OCR service
	DriveScope    string
	OCRLanguage   string
	RemoteTimeout time.Duration

	// Limits
	MaxImageBytes    int64
	SessionPoolSize  int
	MaxConcurrentOCR int

	// Static assets
	StaticDir string
}

func Load() (*Config, error) {
	maxImageMB, err := getEnvInt("MAX_IMAGE_MB", 10)
	if err != nil {
		return nil, err
	}
	poolSize, err := getEnvInt("SESSION_POOL_SIZE", 10)
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := getEnvInt("MAX_CONCURRENT_OCR", 10)
	if err != nil {
		return nil, err
	}
	timeoutSeconds, err := getEnvInt("REMOTE_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ServiceAccountsJSON: getEnv("SERVICE_ACCOUNTS_JSON", ""),
		CredentialsDir:      getEnv("CREDENTIALS_DIR", "./credentials"),
		DriveScope:          getEnv("DRIVE_SCOPE", "https://www.googleapis.com/auth/drive"),
		OCRLanguage:         getEnv("OCR_LANGUAGE", ""),
		RemoteTimeout:       time.Duration(timeoutSeconds) * time.Second,
		MaxImageBytes:       int64(maxImageMB) * 1024 * 1024,
		SessionPoolSize:     poolSize,
		MaxConcurrentOCR:    maxConcurrent,
		StaticDir:           getEnv("STATIC_DIR", "./web"),
	}

	if maxImageMB <= 0 {
		return nil, fmt.Errorf("MAX_IMAGE_MB must be positive, got %d", maxImageMB)
	}
	if cfg.SessionPoolSize <= 0 {
		return nil, fmt.Errorf("SESSION_POOL_SIZE must be positive, got %d", cfg.SessionPoolSize)
	}
	if cfg.MaxConcurrentOCR <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_OCR must be positive, got %d", cfg.MaxConcurrentOCR)
	}
	if timeoutSeconds <= 0 {
		return nil, fmt.Errorf("REMOTE_TIMEOUT_SECONDS must be positive, got %d", timeoutSeconds)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return parsed, nil
}
