// Package config provides environment configuration for the chat server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// NATS settings. Empty URL runs the hub in single-instance mode.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	AuditEnabled bool

	// Redis presence mirror. Empty address disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT settings
	JWTSecret string

	// Realtime settings
	WSWriteWait        time.Duration
	WSPongWait         time.Duration
	WSMaxMessageSize   int64
	SendBufferSize     int
	PollTimeout        time.Duration
	PollSessionIdle    time.Duration
	InboundRatePerSec  float64
	InboundBurst       int
	DeletedPlaceholder string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		AuditEnabled: getBoolEnv("AUDIT_ENABLED", true),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Realtime
		WSWriteWait:        getDurationEnv("WS_WRITE_WAIT", 10*time.Second),
		WSPongWait:         getDurationEnv("WS_PONG_WAIT", 60*time.Second),
		WSMaxMessageSize:   int64(getIntEnv("WS_MAX_MESSAGE_SIZE", 64*1024)),
		SendBufferSize:     getIntEnv("REALTIME_SEND_BUFFER", 256),
		PollTimeout:        getDurationEnv("POLL_TIMEOUT", 25*time.Second),
		PollSessionIdle:    getDurationEnv("POLL_SESSION_IDLE", 60*time.Second),
		InboundRatePerSec:  getFloatEnv("REALTIME_INBOUND_RATE", 20),
		InboundBurst:       getIntEnv("REALTIME_INBOUND_BURST", 40),
		DeletedPlaceholder: getEnv("DELETED_PLACEHOLDER", "[This message was deleted]"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// ClientConfig holds configuration for the chat client.
type ClientConfig struct {
	ServerURL  string
	Token      string
	Transports []string

	OpenTimeout       time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Used by the token command to mint development tokens.
	JWTSecret string
	LogLevel  string
}

// LoadClient reads client configuration from environment variables.
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerURL:  getEnv("CHAT_SERVER_URL", "http://localhost:8080"),
		Token:      getEnv("CHAT_TOKEN", ""),
		Transports: getListEnv("CHAT_TRANSPORTS", []string{"websocket", "polling"}),

		OpenTimeout:       getDurationEnv("CHAT_OPEN_TIMEOUT", 10*time.Second),
		MaxRetries:        getIntEnv("CHAT_MAX_RETRIES", 5),
		InitialBackoff:    getDurationEnv("CHAT_RETRY_DELAY", 2*time.Second),
		MaxBackoff:        getDurationEnv("CHAT_RETRY_DELAY_MAX", 10*time.Second),
		BackoffMultiplier: getFloatEnv("CHAT_RETRY_MULTIPLIER", 2),

		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),
		LogLevel:  getEnv("LOG_LEVEL", "warn"),
	}
}
