// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Binds
	HTTPBind       string // Control API + WebSocket endpoint
	TickEgressBind string // Binary tick publisher socket

	// Store
	AccountStorePath string // sqlite file for the accounts table

	// Health monitor
	HealthInterval  time.Duration
	CanaryThreshold time.Duration
	DebounceWindow  time.Duration
	CanarySymbols   map[domain.GatewayType][]string
	TickMaxSkew     time.Duration

	// Recovery controller
	CooldownMin         time.Duration
	CooldownMax         time.Duration
	MaxRestartAttempts  int
	RecoveryObservation time.Duration

	// Aggregation
	CrossTypeFailover bool

	// WebSocket broadcaster
	WSPingInterval  time.Duration
	WSPongTimeout   time.Duration
	WSMaxEventsPerS int

	// Misc
	GatewayMock bool // replace vendor adaptors with the deterministic mock
	LogLevel    string
	DevMode     bool

	// Optional accounts store backup to S3-compatible storage
	Backup BackupConfig
}

// BackupConfig holds the optional S3 snapshot settings. Backup is enabled
// when Bucket is non-empty.
type BackupConfig struct {
	Bucket    string
	Endpoint  string // S3-compatible endpoint URL (empty = AWS)
	Region    string
	AccessKey string
	SecretKey string
	Schedule  string // cron spec, default daily at 02:00
	// RetentionDays prunes uploaded snapshots older than this; 0 keeps all.
	RetentionDays int
}

// Enabled reports whether backups are configured.
func (b BackupConfig) Enabled() bool { return b.Bucket != "" }

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	storePath := getEnv("ACCOUNT_STORE_URL", "")
	if storePath == "" {
		storePath = filepath.Join("data", "accounts.db")
	}
	if !strings.HasPrefix(storePath, "file:") {
		abs, err := filepath.Abs(storePath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve account store path: %w", err)
		}
		storePath = abs
	}

	cfg := &Config{
		HTTPBind:         getEnv("HTTP_BIND", getEnv("WS_BIND", ":8002")),
		TickEgressBind:   getEnv("TICK_EGRESS_BIND", ":5556"),
		AccountStorePath: storePath,

		HealthInterval:  getEnvAsMillis("HEALTH_INTERVAL_MS", 1000),
		CanaryThreshold: getEnvAsSeconds("CANARY_THRESHOLD_SEC", 60),
		DebounceWindow:  getEnvAsSeconds("DEBOUNCE_SEC", 3),
		TickMaxSkew:     getEnvAsSeconds("TICK_SKEW_SEC", 10),
		CanarySymbols: map[domain.GatewayType][]string{
			domain.GatewayCTP:  parseCSV(getEnv("CANARY_SYMBOLS_CTP", "rb2601")),
			domain.GatewaySOPT: parseCSV(getEnv("CANARY_SYMBOLS_SOPT", "")),
		},

		CooldownMin:         getEnvAsSeconds("COOLDOWN_MIN_SEC", 5),
		CooldownMax:         getEnvAsSeconds("COOLDOWN_MAX_SEC", 300),
		MaxRestartAttempts:  getEnvAsInt("MAX_RESTART_ATTEMPTS", 5),
		RecoveryObservation: getEnvAsSeconds("RECOVERY_OBSERVATION_SEC", 30),

		CrossTypeFailover: getEnvAsBool("CROSS_TYPE_FAILOVER", false),

		WSPingInterval:  getEnvAsSeconds("WS_PING_INTERVAL_SEC", 30),
		WSPongTimeout:   getEnvAsSeconds("WS_PONG_TIMEOUT_SEC", 10),
		WSMaxEventsPerS: getEnvAsInt("WS_MAX_EVENTS_PER_SEC", 100),

		GatewayMock: getEnvAsBool("GATEWAY_MOCK", false),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DevMode:     getEnvAsBool("DEV_MODE", false),

		Backup: BackupConfig{
			Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:        getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
			Schedule:      getEnv("BACKUP_SCHEDULE", "0 2 * * *"),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.HealthInterval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL_MS must be positive")
	}
	if c.CooldownMin <= 0 || c.CooldownMax < c.CooldownMin {
		return fmt.Errorf("cooldown bounds invalid: min=%s max=%s", c.CooldownMin, c.CooldownMax)
	}
	if c.MaxRestartAttempts < 1 {
		return fmt.Errorf("MAX_RESTART_ATTEMPTS must be >= 1")
	}
	if c.WSMaxEventsPerS < 1 {
		return fmt.Errorf("WS_MAX_EVENTS_PER_SEC must be >= 1")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

// parseCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
