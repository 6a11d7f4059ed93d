package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds everything the desk client needs to reach the backend and
// shape its retry/reconnect behavior. Environment variables win over the
// optional policies file.
type Config struct {
	// Backend
	BackendURL string `yaml:"backend_url"` // e.g. https://desk-api.example.com
	WSURL      string `yaml:"ws_url"`      // e.g. wss://desk-api.example.com/ws

	// Chat transport
	PreferChannelForChat bool          `yaml:"prefer_channel_for_chat"` // chat over the websocket when connected
	LegacyTextChat       bool          `yaml:"legacy_text_chat"`        // "chat:<msg>" frames instead of JSON commands
	ChannelTimeout       time.Duration `yaml:"channel_timeout"`         // wait for a channel answer before HTTP fallback

	// Request retry budget
	Retry RetryPolicy `yaml:"retry"`

	// Websocket reconnect budget
	Reconnect ReconnectPolicy `yaml:"reconnect"`

	// History
	HistoryPath string `yaml:"history_path"` // sqlite transcript file, empty disables

	// Observability sidecar (metrics + healthz); empty disables.
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RetryPolicy is the budget for one logical HTTP request.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
}

// ReconnectPolicy is the budget for the persistent channel.
type ReconnectPolicy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseInterval time.Duration `yaml:"base_interval"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	Jitter       time.Duration `yaml:"jitter"`
}

// Load reads .env (if present), the optional policies file named by
// RETRIEVER_CONFIG, and the environment, in that order of precedence
// (environment last, winning).
func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := defaults()

	if path := os.Getenv("RETRIEVER_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Printf("Warning: cannot open config file %s: %v", path, err)
		} else {
			defer f.Close()
			if err := LoadConfigFile(f, cfg); err != nil {
				log.Printf("Warning: cannot parse config file %s: %v", path, err)
			}
		}
	}

	applyEnv(cfg)

	return cfg
}

func defaults() *Config {
	return &Config{
		BackendURL:           "http://localhost:8000",
		WSURL:                "ws://localhost:8000/ws",
		PreferChannelForChat: false,
		LegacyTextChat:       false,
		ChannelTimeout:       10 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			Jitter:      250 * time.Millisecond,
		},
		Reconnect: ReconnectPolicy{
			MaxAttempts:  5,
			BaseInterval: time.Second,
			MaxInterval:  30 * time.Second,
			Jitter:       time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func applyEnv(cfg *Config) {
	cfg.BackendURL = getEnvOrDefault("BACKEND_URL", cfg.BackendURL)
	cfg.WSURL = getEnvOrDefault("WS_URL", cfg.WSURL)

	cfg.PreferChannelForChat = getEnvAsBool("PREFER_CHANNEL_FOR_CHAT", cfg.PreferChannelForChat)
	cfg.LegacyTextChat = getEnvAsBool("LEGACY_TEXT_CHAT", cfg.LegacyTextChat)
	cfg.ChannelTimeout = getEnvAsDuration("CHANNEL_TIMEOUT", cfg.ChannelTimeout)

	cfg.Retry.MaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = getEnvAsDuration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvAsDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.Jitter = getEnvAsDuration("RETRY_JITTER", cfg.Retry.Jitter)

	cfg.Reconnect.MaxAttempts = getEnvAsInt("RECONNECT_MAX_ATTEMPTS", cfg.Reconnect.MaxAttempts)
	cfg.Reconnect.BaseInterval = getEnvAsDuration("RECONNECT_BASE_INTERVAL", cfg.Reconnect.BaseInterval)
	cfg.Reconnect.MaxInterval = getEnvAsDuration("RECONNECT_MAX_INTERVAL", cfg.Reconnect.MaxInterval)
	cfg.Reconnect.Jitter = getEnvAsDuration("RECONNECT_JITTER", cfg.Reconnect.Jitter)

	cfg.HistoryPath = getEnvOrDefault("HISTORY_PATH", cfg.HistoryPath)
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", cfg.MetricsAddr)

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
}

// LoadConfigFile decodes a yaml policies document into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as bool, using default %t: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
