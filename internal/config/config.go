package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// External URLs
	AppBaseURL   string
	AIBackendURL string

	// Database
	DatabaseURL string

	// WhatsApp session storage
	AuthDir string // root for per-agent credential stores, always absolute
	TempDir string // media preview staging area

	// Inbound dispatch scheduler
	Scheduler *SchedulerConfig `yaml:"scheduler"`

	// Developer fallback notifications
	DeveloperJID string `yaml:"developer_jid"`

	// QR codes
	QRTerminal bool // also render QR codes to the terminal, for local dev

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Media fetching
	MediaFetchTimeout time.Duration

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "3000"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// External URLs
		AppBaseURL:   getEnvOrDefault("APP_BASE_URL", "http://localhost:3000"),
		AIBackendURL: getEnvOrDefault("AI_BACKEND_URL", "http://localhost:8000"),

		// Database
		DatabaseURL: getEnvOrDefault("DB_URL", "postgres://localhost/whatsapp_gateway?sslmode=disable"),

		// WhatsApp session storage
		AuthDir: getEnvOrDefault("WWEBJS_AUTH_DIR", ".wwebjs_auth"),
		TempDir: getEnvOrDefault("TEMP_DIR", "/tmp/wwebjs"),

		// QR codes
		QRTerminal: getEnvOrDefault("QR_TERMINAL", "false") == "true",

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Media fetching
		MediaFetchTimeout: getEnvAsDuration("MEDIA_FETCH_TIMEOUT", 30*time.Second),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSOrigins: getEnvOrDefault("CORS_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// The auth dir is handed to the WhatsApp engine and to os.RemoveAll on
	// teardown, so it must not depend on the process working directory.
	absAuthDir, err := filepath.Abs(AppConfig.AuthDir)
	if err != nil {
		log.Fatalf("Failed to resolve auth dir %q: %v", AppConfig.AuthDir, err)
	}
	AppConfig.AuthDir = absAuthDir

	// Optional tuning file for settings that should not be overridden by
	// environment variables, like scheduler rates and the developer JID.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		log.Printf("Loading config file: %v", configFilePath)

		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.Scheduler == nil {
		AppConfig.Scheduler = DefaultSchedulerConfig()
	}

	if AppConfig.AIBackendURL == "" {
		log.Println("Warning: AI backend URL is missing. Please set AI_BACKEND_URL environment variable.")
	}

	if AppConfig.DeveloperJID == "" {
		log.Println("Warning: developer JID is not configured; AI failure notifications will be dropped.")
	}

	log.Printf("Auth dir: %s, temp dir: %s", AppConfig.AuthDir, AppConfig.TempDir)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// EndpointBase returns the AI backend base URL with trailing slashes
// stripped and an /agents segment guaranteed. Agent run endpoints default
// to {EndpointBase}/{agentId}/execute when the agent record carries none.
func (c *Config) EndpointBase() string {
	base := strings.TrimRight(c.AIBackendURL, "/")
	if !strings.HasSuffix(base, "/agents") {
		base += "/agents"
	}
	return base
}
