// Package config provides environment and file configuration for the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the client.
type Config struct {
	// Endpoints
	APIURL    string `toml:"api_url"`
	SocketURL string `toml:"socket_url"`
	Token     string `toml:"token"`

	// Identity handed over by the auth subsystem
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`

	// Reconnect policy
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `toml:"reconnect_max_delay"`
	DedupWindow       time.Duration `toml:"dedup_window"`

	// Requests
	RequestTimeout time.Duration `toml:"request_timeout"`
	ReceiptRate    float64       `toml:"receipt_rate"`
	ReceiptBurst   int           `toml:"receipt_burst"`

	// Debounce
	ReadDebounce   time.Duration `toml:"read_debounce"`
	TypingDebounce time.Duration `toml:"typing_debounce"`

	// Logging
	LogLevel string `toml:"log_level"`

	// Metrics
	MetricsAddr string `toml:"metrics_addr"`

	// Development relay
	RelayAddr string `toml:"relay_addr"`
}

// Load reads configuration from a .env file, if present, and the environment.
func Load() *Config {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	return &Config{
		APIURL:    getEnv("CHATSYNC_API_URL", "http://localhost:8081"),
		SocketURL: getEnv("CHATSYNC_SOCKET_URL", "ws://localhost:8081/ws"),
		Token:     getEnv("CHATSYNC_TOKEN", ""),

		UserID:   getEnv("CHATSYNC_USER_ID", ""),
		UserName: getEnv("CHATSYNC_USER_NAME", ""),

		ReconnectAttempts: getIntEnv("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getDurationEnv("RECONNECT_DELAY", time.Second),
		ReconnectMaxDelay: getDurationEnv("RECONNECT_MAX_DELAY", 5*time.Second),
		DedupWindow:       getDurationEnv("DEDUP_WINDOW", time.Second),

		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 15*time.Second),
		ReceiptRate:    getFloatEnv("RECEIPT_RATE", 20),
		ReceiptBurst:   getIntEnv("RECEIPT_BURST", 10),

		ReadDebounce:   getDurationEnv("READ_DEBOUNCE", 100*time.Millisecond),
		TypingDebounce: getDurationEnv("TYPING_DEBOUNCE", 300*time.Millisecond),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		MetricsAddr: getEnv("METRICS_ADDR", ""),

		RelayAddr: getEnv("RELAY_ADDR", ":8081"),
	}
}

// LoadFile loads the environment configuration and overlays the TOML file at path.
// Keys absent from the file keep their environment or default value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api url is required"))
	}
	if c.SocketURL == "" {
		errs = append(errs, errors.New("socket url is required"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect attempts must not be negative, got %d", c.ReconnectAttempts))
	}
	if c.ReconnectDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectDelay {
		errs = append(errs, fmt.Errorf("invalid reconnect delays %s/%s", c.ReconnectDelay, c.ReconnectMaxDelay))
	}
	if c.ReceiptRate <= 0 || c.ReceiptBurst <= 0 {
		errs = append(errs, errors.New("receipt rate and burst must be positive"))
	}
	return errors.Join(errs...)
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

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
