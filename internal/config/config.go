// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP server ports; the admin listener serves authorization changes only
	Port      string
	AdminPort string

	// Bearer token required on the admin listener; empty disables it
	AdminToken string

	LogLevel  string
	LogFormat string

	// sqlite file for observations and fitted models; empty keeps state in memory
	DBPath string

	// Daily price source
	AlphaVantageURL    string
	AlphaVantageAPIKey string
	RequestTimeout     time.Duration

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Coordination
	FitTimeout    time.Duration
	SubmitTimeout time.Duration
	BusyPolicy    string

	// Forecasting
	StaleModelPolicy string
	ModelMaxAge      time.Duration

	// Ledger
	LedgerMode          string
	Network             string
	RPCEndpoint         string
	OracleContract      string
	SubmitterPrivateKey string
	Confirmations       int
	GasLimit            int
	GrantsFile          string
	RevocationGrace     time.Duration

	// Browser origins allowed to call the API
	CORSOrigins []string

	// Inbound rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Circuit breaker in front of ledger writes
	BreakerMaxVariance float64
	BreakerMaxJump     float64
	BreakerMaxFailures int
	CircuitResetDelay  time.Duration

	// Accepted records are batched and posted to the webhook; empty URL disables export
	WebhookURL      string
	WebhookAPIKey   string
	ExportBatchSize int
	ExportInterval  time.Duration
}

// lookup resolves a key to a raw value
type lookup func(key string) (string, bool)

// Load creates a new Config from environment variables
func Load() Config {
	return load(GetEnv)
}

func load(get lookup) Config {
	s := settings{get: get}
	return Config{
		Port:                s.str("PORT", "8000"),
		AdminPort:           s.str("ADMIN_PORT", "8001"),
		AdminToken:          s.str("ADMIN_TOKEN", ""),
		LogLevel:            strings.ToLower(s.str("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(s.str("LOG_FORMAT", "text")),
		DBPath:              s.str("DB_PATH", "vol-oracle.db"),
		AlphaVantageURL:     s.str("ALPHA_VANTAGE_URL", "https://www.alphavantage.co/query"),
		AlphaVantageAPIKey:  s.str("ALPHA_VANTAGE_API_KEY", ""),
		RequestTimeout:      s.duration("REQUEST_TIMEOUT", 30*time.Second),
		OtelEndpoint:        s.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		FitTimeout:          s.duration("FIT_TIMEOUT", 2*time.Minute),
		SubmitTimeout:       s.duration("SUBMIT_TIMEOUT", 3*time.Minute),
		BusyPolicy:          strings.ToLower(s.str("BUSY_POLICY", "queue")),
		StaleModelPolicy:    strings.ToLower(s.str("STALE_MODEL_POLICY", "off")),
		ModelMaxAge:         s.duration("MODEL_MAX_AGE", 24*time.Hour),
		LedgerMode:          strings.ToLower(s.str("LEDGER_MODE", "memory")),
		Network:             strings.ToLower(s.str("NETWORK", "mantle-testnet")),
		RPCEndpoint:         s.str("RPC_ENDPOINT", ""),
		OracleContract:      s.str("ORACLE_CONTRACT", ""),
		SubmitterPrivateKey: s.str("SUBMITTER_PRIVATE_KEY", ""),
		Confirmations:       s.integer("CONFIRMATIONS", 1),
		GasLimit:            s.integer("GAS_LIMIT", 500000),
		GrantsFile:          s.str("GRANTS_FILE", ""),
		RevocationGrace:     s.duration("REVOCATION_GRACE", 3*time.Minute),
		CORSOrigins:         s.list("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"),
		RateLimitRPS:        s.float("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      s.integer("RATE_LIMIT_BURST", 40),
		BreakerMaxVariance:  s.float("BREAKER_MAX_VARIANCE", 0.04),
		BreakerMaxJump:      s.float("BREAKER_MAX_JUMP", 0),
		BreakerMaxFailures:  s.integer("BREAKER_MAX_FAILURES", 3),
		CircuitResetDelay:   s.duration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		WebhookURL:          s.str("WEBHOOK_URL", ""),
		WebhookAPIKey:       s.str("WEBHOOK_API_KEY", ""),
		ExportBatchSize:     s.integer("EXPORT_BATCH_SIZE", 50),
		ExportInterval:      s.duration("EXPORT_INTERVAL", time.Minute),
	}
}

type settings struct {
	get lookup
}

func (s settings) str(key, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

func (s settings) list(key, def string) []string {
	var out []string
	for _, item := range strings.Split(s.str(key, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s settings) integer(key string, def int) int {
	if v, ok := s.get(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func (s settings) float(key string, def float64) float64 {
	if v, ok := s.get(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (s settings) duration(key string, def time.Duration) time.Duration {
	if v, ok := s.get(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	return settings{get: GetEnv}.str(key, defaultValue)
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	return settings{get: GetEnv}.integer(key, defaultValue)
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	return settings{get: GetEnv}.float(key, defaultValue)
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	return settings{get: GetEnv}.duration(key, defaultValue)
}
