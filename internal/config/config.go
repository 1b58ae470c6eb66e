// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/replybot/internal/governor"
	"github.com/ashureev/replybot/internal/ledger"
	"github.com/ashureev/replybot/internal/middleware"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	LogLevel        string
	DBPath          string
	RepliesPath     string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	Dispatch        DispatchConfig
	Ledger          LedgerConfig
	Bridge          BridgeConfig
	ConversationLog ConversationLogConfig
}

// DispatchConfig controls admission, pacing and delivery.
type DispatchConfig struct {
	BaseDelay    time.Duration
	JitterPct    int
	PerMinuteCap int
	SendTimeout  time.Duration
	// RetryAttempts counts the first try; 1 disables retries.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// LedgerConfig controls idle record eviction. IdleTTL of 0 keeps records forever.
type LedgerConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// BridgeConfig controls who may attach as the messaging bridge.
type BridgeConfig struct {
	Token         string
	AllowedOrigin string
}

// ConversationLogConfig controls inbound message persistence.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	DBEnabled bool
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "3000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DBPath:          getEnv("DB_PATH", "./data/replybot.db"),
		RepliesPath:     getEnv("REPLIES_PATH", ""),
		CORSOrigins:     middleware.ParseOrigins(getEnv("CORS_ALLOWED_ORIGINS", "")),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Dispatch: DispatchConfig{
			BaseDelay:     time.Duration(getEnvInt("MESSAGE_DELAY_MS", 1000)) * time.Millisecond,
			JitterPct:     getEnvInt("MESSAGE_DELAY_JITTER_PCT", governor.DefaultJitterPct),
			PerMinuteCap:  getEnvInt("MESSAGE_LIMIT_PER_MIN", governor.DefaultPerMinuteCap),
			SendTimeout:   getEnvDuration("SEND_TIMEOUT", governor.DefaultSendTimeout),
			RetryAttempts: getEnvInt("SEND_RETRY_ATTEMPTS", 1),
			RetryBackoff:  getEnvDuration("SEND_RETRY_BACKOFF", 2*time.Second),
		},
		Ledger: LedgerConfig{
			IdleTTL:       getEnvDuration("LEDGER_IDLE_TTL", 0),
			SweepInterval: getEnvDuration("LEDGER_SWEEP_INTERVAL", ledger.DefaultSweepInterval),
		},
		Bridge: BridgeConfig{
			Token:         getEnv("BRIDGE_TOKEN", ""),
			AllowedOrigin: getEnv("BRIDGE_ALLOWED_ORIGIN", "*"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			DBEnabled: getEnvBool("CONVERSATION_LOG_DB_ENABLED", true),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Dispatch.BaseDelay < 0 {
		return fmt.Errorf("MESSAGE_DELAY_MS must be >= 0")
	}
	if c.Dispatch.JitterPct < 0 || c.Dispatch.JitterPct > 100 {
		return fmt.Errorf("MESSAGE_DELAY_JITTER_PCT must be between 0 and 100")
	}
	if c.Dispatch.PerMinuteCap <= 0 {
		return fmt.Errorf("MESSAGE_LIMIT_PER_MIN must be > 0")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if c.Dispatch.RetryAttempts < 1 {
		return fmt.Errorf("SEND_RETRY_ATTEMPTS must be >= 1")
	}
	if c.Dispatch.RetryBackoff < 0 {
		return fmt.Errorf("SEND_RETRY_BACKOFF must be >= 0")
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0")
	}
	return nil
}

// validateLedger keeps eviction from touching any record that admission or
// pacing could still read.
func (c *Config) validateLedger() error {
	ttl := c.Ledger.IdleTTL
	if ttl < 0 {
		return fmt.Errorf("LEDGER_IDLE_TTL must be >= 0")
	}
	if ttl == 0 {
		return nil
	}
	if ttl < ledger.DefaultWindow {
		return fmt.Errorf("LEDGER_IDLE_TTL must be at least %s", ledger.DefaultWindow)
	}
	if maxGap := c.MaxGap(); ttl < maxGap {
		return fmt.Errorf("LEDGER_IDLE_TTL must be at least the maximum pacing gap %s", maxGap)
	}
	if c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("LEDGER_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// MaxGap is the largest pacing gap the configured jitter can draw.
func (c *Config) MaxGap() time.Duration {
	return c.Dispatch.BaseDelay * time.Duration(100+c.Dispatch.JitterPct) / 100
}

// Governor converts the dispatch settings for the governor.
func (c *Config) Governor() governor.Config {
	return governor.Config{
		BaseDelay:       c.Dispatch.BaseDelay,
		JitterPct:       c.Dispatch.JitterPct,
		PerMinuteCap:    c.Dispatch.PerMinuteCap,
		SendTimeout:     c.Dispatch.SendTimeout,
		RateLimitNotice: governor.DefaultRateLimitNotice,
	}
}

// RetryPolicy returns the policy the router applies to failed sends.
func (c *Config) RetryPolicy() governor.RetryPolicy {
	return governor.PolicyFor(c.Dispatch.RetryAttempts, c.Dispatch.RetryBackoff)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
