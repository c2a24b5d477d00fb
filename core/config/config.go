// Package config loads all runtime configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Coordinator CoordinatorConfig
	WorkerPool  WorkerPoolConfig
	OpenAI      OpenAIConfig
	Gateway     GatewayConfig
	Chatwoot    ChatwootConfig
}

type AppConfig struct {
	Version            string
	Port               string
	Debug              bool
	Environment        string
	BasicAuth          []string
	BasePath           string
	TrustedProxies     []string
	CorsAllowedOrigins []string
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string // File path for SQLite, DB name for Postgres
	ValkeyEnabled   bool
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

type CoordinatorConfig struct {
	DebounceSeconds int
	SchedulerMode   string // "timer" (in-process) or "durable" (db-backed)
	PollInterval    time.Duration
	HistoryLimit    int
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

type OpenAIConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

type GatewayConfig struct {
	BaseURL string
	APIKey  string
}

type ChatwootConfig struct {
	BaseURL      string
	AccountID    int64
	AccountToken string
}

// Debounce returns the quiet interval a burst must hold before it settles.
func (c CoordinatorConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	baseDir := getEnv("APP_BASE_DIR", "storages")

	debug := getEnvBool("APP_DEBUG", false) || getEnvBool("DEBUG", false)

	var basicAuth []string
	if v := os.Getenv("APP_BASIC_AUTH"); v != "" {
		basicAuth = strings.Split(v, ",")
	}

	corsOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if v := os.Getenv("APP_CORS_ALLOWED_ORIGINS"); v != "" {
		corsOrigins = strings.Split(v, ",")
	}

	appCfg := AppConfig{
		Version:            "v1.2.0",
		Port:               getEnv("APP_PORT", "3000"),
		Debug:              debug,
		Environment:        getEnv("APP_ENV", "development"),
		BasicAuth:          basicAuth,
		BasePath:           getEnv("APP_BASE_PATH", ""),
		CorsAllowedOrigins: corsOrigins,
	}
	if v := os.Getenv("APP_TRUSTED_PROXIES"); v != "" {
		appCfg.TrustedProxies = strings.Split(v, ",")
	}

	dbCfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "sqlite"),
		Name:            getEnv("DB_NAME", filepath.Join(baseDir, "chatburst.db")),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		ValkeyEnabled:   getEnvBool("VALKEY_ENABLED", false),
		ValkeyAddress:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		ValkeyPassword:  getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:        getEnvInt("VALKEY_DB", 0),
		ValkeyKeyPrefix: getEnv("VALKEY_KEY_PREFIX", "chatburst:"),
	}

	coordCfg := CoordinatorConfig{
		DebounceSeconds: getEnvInt("DEBOUNCE_SECONDS", 5),
		SchedulerMode:   getEnv("SCHEDULER_MODE", "timer"),
		PollInterval:    time.Duration(getEnvInt("SCHEDULER_POLL_MS", 1000)) * time.Millisecond,
		HistoryLimit:    getEnvInt("COMPLETION_HISTORY_LIMIT", 20),
	}

	cfg := &Config{
		App:         appCfg,
		Database:    dbCfg,
		Coordinator: coordCfg,
		WorkerPool: WorkerPoolConfig{
			Size:      getEnvInt("MESSAGE_WORKER_POOL_SIZE", 20),
			QueueSize: getEnvInt("MESSAGE_WORKER_QUEUE_SIZE", 1000),
		},
		OpenAI: OpenAIConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			SystemPrompt: getEnv("AI_GLOBAL_SYSTEM_PROMPT", ""),
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("WAGATEWAY_BASE_URL", ""),
			APIKey:  getEnv("WAGATEWAY_API_KEY", ""),
		},
		Chatwoot: ChatwootConfig{
			BaseURL:      getEnv("CHATWOOT_BASE_URL", ""),
			AccountID:    getEnvInt64("CHATWOOT_ACCOUNT_ID", 0),
			AccountToken: getEnv("CHATWOOT_ACCOUNT_TOKEN", ""),
		},
	}

	Global = cfg
	return cfg, nil
}
