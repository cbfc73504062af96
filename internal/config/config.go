// Package config loads the process-level configuration for the rebalance
// binaries: a Config struct populated by Load(), which reads .env,
// validates required secrets with log.Fatalf, and fills defaults via
// getEnv* helpers. Execution-core tunables live in ExecutionConfig,
// loaded separately so tests and the decomposer CLI don't need broker
// secrets.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the process-level parameters of the worker binary; the
// decomposer binary reads only ExecutionConfig.
type Config struct {
	LogLevel      string // Environment: REBALANCE_LOG_LEVEL
	LogFile       string // Environment: REBALANCE_LOG_FILE
	MaxLogSizeMB  int64  // Environment: REBALANCE_MAX_LOG_SIZE_MB
	MaxLogBackups int    // Environment: REBALANCE_MAX_LOG_BACKUPS

	StorePath   string // Environment: REBALANCE_STORE_PATH (sqlite file)
	MetricsAddr string // Environment: REBALANCE_METRICS_ADDR

	StrategyID string // Environment: REBALANCE_STRATEGY_ID

	// WorkerPollIntervalMs paces the queue-drain loop; WorkerBatchSize is
	// the max messages pulled per receive.
	WorkerPollIntervalMs int // Environment: WORKER_POLL_INTERVAL_MS
	WorkerBatchSize      int // Environment: WORKER_BATCH_SIZE

	// VisibilityTimeoutSec is the in-process transport's redelivery window.
	VisibilityTimeoutSec int // Environment: VISIBILITY_TIMEOUT_SEC

	// ReconcileIntervalMins paces the stuck-run sweep; StuckRunAgeMins is
	// how old a non-terminal run must be before the sweep touches it.
	ReconcileIntervalMins int // Environment: RECONCILE_INTERVAL_MINS
	StuckRunAgeMins       int // Environment: STUCK_RUN_AGE_MINS

	// PhasePolicyPath optionally overrides the built-in time-aware phase
	// table (YAML, see internal/execution/timeaware.LoadPhasePolicy).
	PhasePolicyPath string // Environment: PHASE_POLICY_PATH

	// NotificationsEnabled gates the Telegram event observer. The Telegram
	// credentials themselves stay in the environment and are read by the
	// notifier, which degrades to a warning when they are missing.
	NotificationsEnabled bool // Environment: NOTIFICATIONS_ENABLED
}

// Load initializes the configuration. It reads .env, checks required
// broker secrets, and populates the Config struct.
func Load() *Config {
	// Load .env variables into the process environment without overwriting existing env vars
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	// 1. Validation: Fatal check for required secrets
	requiredSecretVars := map[string]bool{
		"APCA_API_KEY_ID":     true,
		"APCA_API_SECRET_KEY": true,
		"APCA_API_BASE_URL":   true,
	}

	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		log.Fatalf("CRITICAL: Missing required environment variables: %v", missing)
	}

	// 2. Print variables explicitly defined in the local .env file (for debugging)
	envMap, err := godotenv.Read()
	if err == nil {
		log.Println("--- .env File Variables ---")
		for key, val := range envMap {
			if requiredSecretVars[key] || key == "TELEGRAM_BOT_TOKEN" {
				// Mask secret values (last 4 chars visible)
				masked := "***"
				if len(val) > 4 {
					masked = "***" + val[len(val)-4:]
				}
				log.Printf("%s=%s", key, masked)
			} else {
				log.Printf("%s=%s", key, val)
			}
		}
		log.Println("---------------------------")
	}

	// 3. Populate Config struct with Defaults + Env Overrides
	cfg := &Config{
		LogLevel:      getEnv("REBALANCE_LOG_LEVEL", "INFO"),
		LogFile:       getEnv("REBALANCE_LOG_FILE", "rebalance.log"),
		MaxLogSizeMB:  getEnvAsInt64("REBALANCE_MAX_LOG_SIZE_MB", 5),
		MaxLogBackups: getEnvAsInt("REBALANCE_MAX_LOG_BACKUPS", 3),

		StorePath:   getEnv("REBALANCE_STORE_PATH", "rebalance.db"),
		MetricsAddr: getEnv("REBALANCE_METRICS_ADDR", ":9464"),

		StrategyID: getEnv("REBALANCE_STRATEGY_ID", "rebalance"),

		WorkerPollIntervalMs: getEnvAsInt("WORKER_POLL_INTERVAL_MS", 250),
		WorkerBatchSize:      getEnvAsInt("WORKER_BATCH_SIZE", 4),
		VisibilityTimeoutSec: getEnvAsInt("VISIBILITY_TIMEOUT_SEC", 300),

		ReconcileIntervalMins: getEnvAsInt("RECONCILE_INTERVAL_MINS", 5),
		StuckRunAgeMins:       getEnvAsInt("STUCK_RUN_AGE_MINS", 15),

		PhasePolicyPath: getEnv("PHASE_POLICY_PATH", ""),

		NotificationsEnabled: getEnvAsBool("NOTIFICATIONS_ENABLED", false),
	}

	log.Printf("Configuration Loaded: LogLevel=%s, Store=%s, Metrics=%s, Batch=%d",
		cfg.LogLevel, cfg.StorePath, cfg.MetricsAddr, cfg.WorkerBatchSize)

	return cfg
}

// Helper to get string env with default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// Helper to get int env with default
func getEnvAsInt(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return parseInt(valueStr, fallback)
}

func getEnvAsInt64(key string, fallback int64) int64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return parseInt64(valueStr, fallback)
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil {
		log.Printf("Warning: Invalid int for config %s, using default %d", s, fallback)
		return fallback
	}
	return val
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Printf("Warning: Invalid int64 for config %s, using default %d", s, fallback)
		return fallback
	}
	return val
}

func getEnvAsBool(key string, fallback bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return fallback
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: Invalid bool for config %s, using default %v", key, fallback)
		return fallback
	}
	return val
}
