// Package config provides application configuration management.
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

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string

	// Event stream configuration
	StreamURL            string
	StreamProtocols      []string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	ReconnectJitter      float64
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	StrictEventOrdering  bool
	TaskFilter           string
	RetryInitialConnect  bool

	// Task API (request/response collaborator)
	APIBaseURL string
	APIToken   string

	// Persistence configuration
	StatePath        string
	DataStoreDriver  string
	DataStoreDSN     string
	SnapshotKey      string
	SnapshotInterval time.Duration

	// Redis configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	EventsStream     string
	EventsStreamMax  int

	// Token required by the read API; empty disables auth.
	ServerToken string
}

// Load loads configuration from environment variables with defaults. A .env
// file in the working directory (or at TASKSTREAM_ENV_FILE) is read first;
// variables already set in the environment win.
func Load() *Config {
	loadDotEnv()

	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := strings.ToLower(getEnv("DATASTORE_DRIVER", "sqlite"))
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" && dataStoreDriver == "sqlite" {
		dataStoreDSN = filepath.Join(statePath, "taskstream.db")
	}
	return &Config{
		ServerPort:           getEnv("SERVER_PORT", "8080"),
		StreamURL:            getEnv("TASKSTREAM_URL", "ws://localhost:3000/ws"),
		StreamProtocols:      getEnvList("TASKSTREAM_PROTOCOLS"),
		ReconnectInterval:    getEnvDuration("RECONNECT_INTERVAL", time.Second),
		MaxReconnectInterval: getEnvDuration("RECONNECT_MAX_INTERVAL", 30*time.Second),
		MaxReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectJitter:      getEnvFloat("RECONNECT_JITTER", 0.1),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		PongTimeout:          getEnvDuration("PONG_TIMEOUT", 0),
		StrictEventOrdering:  getEnvBool("STRICT_EVENT_ORDERING", false),
		TaskFilter:           getEnv("TASKSTREAM_TASK_ID", ""),
		RetryInitialConnect:  getEnvBool("RECONNECT_ON_START", true),
		APIBaseURL:           getEnv("API_BASE_URL", ""),
		APIToken:             os.Getenv("API_TOKEN"),
		StatePath:            statePath,
		DataStoreDriver:      dataStoreDriver,
		DataStoreDSN:         dataStoreDSN,
		SnapshotKey:          getEnv("SNAPSHOT_KEY", "taskstream:snapshot"),
		SnapshotInterval:     getEnvDuration("SNAPSHOT_INTERVAL", time.Minute),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisUsername:        getEnv("REDIS_USERNAME", ""),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:      getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:     getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:        getEnv("EVENTS_CHANNEL", ""),
		EventsStream:         getEnv("EVENTS_STREAM", ""),
		EventsStreamMax:      getEnvInt("EVENTS_STREAM_MAXLEN", 10000),
		ServerToken:          os.Getenv("TASKSTREAM_SERVER_TOKEN"),
	}
}

func loadDotEnv() {
	path := getEnv("TASKSTREAM_ENV_FILE", ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("Failed to load %s: %v", path, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid float for %s: %s, using default %f", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
