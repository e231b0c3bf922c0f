// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// HeartbeatCeiling is the longest idle gap the messaging platform tolerates
// before dropping a web session.
const HeartbeatCeiling = 3 * time.Minute

// Rebuild policies.
const (
	RebuildResume = "resume"
	RebuildRepair = "repair"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthAddr string // empty disables the gRPC health service
	CORSOrigins    []string
	DBPath         string
	SessionKey     string
	LogLevel       slog.Level

	Generator GeneratorConfig
	Session   SessionConfig
	Browser   BrowserConfig
}

// GeneratorConfig controls the text-generation backend and its retry loop.
type GeneratorConfig struct {
	Provider   string // "openai" or "claude"
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// SessionConfig controls the supervisor, watchdog and heartbeat.
type SessionConfig struct {
	ReconnectBudget   int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffJitter     time.Duration
	WatchdogInterval  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatAddress  string // empty disables the heartbeat
	HeartbeatMessage  string
	RebuildPolicy     string
}

// BrowserConfig controls the headless browser the session runs in.
type BrowserConfig struct {
	Bin      string
	Headless bool
	URL      string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"*"}),
		DBPath:         getEnv("DB_PATH", "./data/session.db"),
		SessionKey:     getEnv("SESSION_KEY", "whatsapp-session"),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Generator: GeneratorConfig{
			Provider:   strings.ToLower(getEnv("GENERATOR_PROVIDER", "openai")),
			APIKey:     getEnv("API_KEY", ""),
			Model:      getEnv("GENERATOR_MODEL", ""),
			BaseURL:    getEnv("GENERATOR_BASE_URL", ""),
			Timeout:    getEnvDuration("GENERATION_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvInt("GENERATION_MAX_RETRIES", 3),
		},
		Session: SessionConfig{
			ReconnectBudget:   getEnvInt("RECONNECT_BUDGET", 5),
			BackoffBase:       getEnvDuration("BACKOFF_BASE", time.Second),
			BackoffCap:        getEnvDuration("BACKOFF_CAP", 10*time.Second),
			BackoffJitter:     getEnvDuration("BACKOFF_JITTER", time.Second),
			WatchdogInterval:  getEnvDuration("WATCHDOG_INTERVAL", 30*time.Second),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
			HeartbeatAddress:  getEnv("HEARTBEAT_ADDRESS", ""),
			HeartbeatMessage:  getEnv("HEARTBEAT_MESSAGE", "still alive"),
			RebuildPolicy:     strings.ToLower(getEnv("REBUILD_POLICY", RebuildResume)),
		},
		Browser: BrowserConfig{
			Bin:      getEnv("BROWSER_BIN", ""),
			Headless: getEnvBool("BROWSER_HEADLESS", true),
			URL:      getEnv("WHATSAPP_URL", "https://web.whatsapp.com"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadStore reads only what is needed to open the credential store. Commands
// that never talk to the generator use it so API_KEY is not required.
func LoadStore() (dbPath, sessionKey string) {
	return getEnv("DB_PATH", "./data/session.db"), getEnv("SESSION_KEY", "whatsapp-session")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Generator.APIKey == "" {
		return fmt.Errorf("API_KEY environment variable is not set")
	}
	switch c.Generator.Provider {
	case "openai", "claude":
	default:
		return fmt.Errorf("GENERATOR_PROVIDER must be openai or claude, got %q", c.Generator.Provider)
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("GENERATION_MAX_RETRIES must be >= 0")
	}
	if c.Session.ReconnectBudget < 0 {
		return fmt.Errorf("RECONNECT_BUDGET must be >= 0")
	}
	if c.Session.BackoffBase <= 0 || c.Session.BackoffCap < c.Session.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be > 0 and <= BACKOFF_CAP")
	}
	if c.Session.BackoffJitter < 0 {
		return fmt.Errorf("BACKOFF_JITTER must be >= 0")
	}
	if c.Session.WatchdogInterval <= 0 {
		return fmt.Errorf("WATCHDOG_INTERVAL must be > 0")
	}
	if c.Session.HeartbeatInterval <= 0 || c.Session.HeartbeatInterval > HeartbeatCeiling {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be in (0, %s]", HeartbeatCeiling)
	}
	switch c.Session.RebuildPolicy {
	case RebuildResume, RebuildRepair:
	default:
		return fmt.Errorf("REBUILD_POLICY must be %s or %s, got %q", RebuildResume, RebuildRepair, c.Session.RebuildPolicy)
	}
	if c.Browser.URL == "" {
		return fmt.Errorf("WHATSAPP_URL cannot be empty")
	}
	return nil
}

// HeartbeatEnabled reports whether a keep-alive destination is configured.
func (c *Config) HeartbeatEnabled() bool {
	return strings.TrimSpace(c.Session.HeartbeatAddress) != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
