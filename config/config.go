package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Calls          CallConfig
	Log            LogConfig
	ICEServers     []webrtc.ICEServer
	// EchoUserID enables the auto-answering participant when set
	EchoUserID     string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig tunes session storage and expiry
type CallConfig struct {
	Store           string // memory, redis
	RingTimeout     time.Duration
	MaxSessionAge   time.Duration
	JanitorInterval time.Duration
	SessionTTL      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	iceServers, err := loadICEServers()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Calls: CallConfig{
			Store:           getEnv("CALL_STORE", "memory"),
			RingTimeout:     getEnvAsDuration("CALL_RING_TIMEOUT", 45*time.Second),
			MaxSessionAge:   getEnvAsDuration("CALL_MAX_SESSION_AGE", 4*time.Hour),
			JanitorInterval: getEnvAsDuration("CALL_JANITOR_INTERVAL", 10*time.Second),
			SessionTTL:      getEnvAsDuration("CALL_SESSION_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		ICEServers: iceServers,
		EchoUserID: getEnv("ECHO_USER_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Calls.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("CALL_STORE must be memory or redis, got %q", c.Calls.Store)
	}

	if c.Calls.RingTimeout <= 0 || c.Calls.MaxSessionAge <= 0 || c.Calls.JanitorInterval <= 0 {
		return fmt.Errorf("call timeouts must be positive")
	}
	if c.Calls.MaxSessionAge < c.Calls.RingTimeout {
		return fmt.Errorf("CALL_MAX_SESSION_AGE must not be shorter than CALL_RING_TIMEOUT")
	}
	return nil
}

// RedisAddr is host:port for the redis client
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("45s") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if parts := splitCommaSeparated(os.Getenv(key)); len(parts) > 0 {
		return parts
	}
	return defaultValue
}
