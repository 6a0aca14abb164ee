package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	GRPCAddr string

	// Files
	DBPath           string
	AccountsFile     string
	CapabilitiesFile string
	BlacklistFile    string
	ReviewLogPath    string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Execution
	DryRun           bool
	DryRunBalance    float64
	EmergencyMode    bool
	SellOnly         []string // canonical symbols, or "*" for every symbol
	CycleInterval    time.Duration
	DegradedProbe    time.Duration
	LoopCooldown     time.Duration
	ConnectJitter    time.Duration
	CallTimeout      time.Duration
	MaxOrderAttempts int
	RequestsPerSec   float64
	QueueSize        int

	// Ledger
	ReconcileInterval time.Duration
	DustFloorUSD      float64
	CapabilityRefresh time.Duration
	BalanceMaxAge     time.Duration

	// Intake
	MinConfidence float64
	IntakeBuffer  int
	UserStreams   bool

	// API
	JWTSecret    string
	RateLimitRPS float64
	RateBurst    int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCAddr:          getEnv("GRPC_ADDR", ":50051"),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		AccountsFile:      getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
		CapabilitiesFile:  getEnv("CAPABILITIES_FILE", ""),
		BlacklistFile:     getEnv("BLACKLIST_FILE", "./data/dust_blacklist.json"),
		ReviewLogPath:     getEnv("REVIEW_LOG_PATH", "./data/manual_review.jsonl"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		LogOutput:         getEnv("LOG_OUTPUT", "stdout"),
		DryRun:            getEnvBool("DRY_RUN", false),
		DryRunBalance:     getEnvFloat("DRY_RUN_BALANCE", 10000),
		EmergencyMode:     getEnvBool("EMERGENCY_MODE", false),
		SellOnly:          splitAndTrim(getEnv("SELL_ONLY_SYMBOLS", "")),
		CycleInterval:     getEnvDuration("CYCLE_INTERVAL", 15*time.Second),
		DegradedProbe:     getEnvDuration("DEGRADED_PROBE_INTERVAL", 30*time.Second),
		LoopCooldown:      getEnvDuration("LOOP_COOLDOWN", 10*time.Second),
		ConnectJitter:     getEnvDuration("CONNECT_JITTER", 3*time.Second),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		MaxOrderAttempts:  getEnvInt("MAX_ORDER_ATTEMPTS", 4),
		RequestsPerSec:    getEnvFloat("REQUESTS_PER_SEC", 8),
		QueueSize:         getEnvInt("INTENT_QUEUE_SIZE", 64),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		DustFloorUSD:      getEnvFloat("DUST_FLOOR_USD", 1.0),
		CapabilityRefresh: getEnvDuration("CAPABILITY_REFRESH", 6*time.Hour),
		BalanceMaxAge:     getEnvDuration("BALANCE_MAX_AGE", 2*time.Minute),
		MinConfidence:     getEnvFloat("MIN_CONFIDENCE", 0),
		IntakeBuffer:      getEnvInt("INTAKE_BUFFER", 128),
		UserStreams:       getEnvBool("USER_STREAMS", true),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		RateLimitRPS:      getEnvFloat("API_RATE_LIMIT_RPS", 20),
		RateBurst:         getEnvInt("API_RATE_BURST", 50),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
