// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP ingestion gate, storage (SQL + Redis), the durable task queue, the
// agent loop, outbound bridge/transcription clients, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "site-agent")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// QueueConfig controls the durable task queue and its worker pool.
type QueueConfig struct {
	Concurrency  int           // WORKER_CONCURRENCY
	PollInterval time.Duration // WORKER_POLL_INTERVAL
	TaskTimeout  time.Duration // TASK_TIMEOUT (hard wall-clock per task)
	LeaseGrace   time.Duration // LEASE_GRACE (added to TaskTimeout for the lease)
	MaxAttempts  int           // TASK_MAX_ATTEMPTS
	RetryBackoff time.Duration // RETRY_BACKOFF
	DrainTimeout time.Duration // DRAIN_TIMEOUT
}

// AgentConfig controls the reasoning loop and tool validation.
type AgentConfig struct {
	OpenAIKey       string
	OpenAIBaseURL   string
	Model           string
	MaxIterations   int
	Similarity      float64 // vocabulary "close match" threshold in [0,1]
	MaxDescription  int     // runes
	ReportBatchSize int
	MemoryTTL       time.Duration
	MemoryMaxTurns  int
}

// BridgeConfig configures the outbound messaging bridge client.
type BridgeConfig struct {
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	RPS          float64
	Burst        int
}

// STTConfig configures the transcription client.
type STTConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN
	RedisURL    string

	// Ingestion gate
	WebhookSecret   string
	MaxBodyBytes    int64
	RateMax         int           // accepted events per window per tenant
	RateWindow      time.Duration // sliding window size
	DedupRetention  time.Duration
	SiteCacheTTL    time.Duration
	SequenceLockTTL time.Duration // upper bound for holding a tenant sequence lock
	SequenceWait    time.Duration // bounded wait to acquire it

	Queue  QueueConfig
	Agent  AgentConfig
	Bridge BridgeConfig
	STT    STTConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "siteagent.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),

		// Ingestion gate
		WebhookSecret:   getenv("WEBHOOK_SECRET", ""),
		MaxBodyBytes:    int64(getint("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateMax:         getint("RATE_LIMIT_MAX_MESSAGES", 20),
		RateWindow:      getdur("RATE_LIMIT_WINDOW", 60*time.Second),
		DedupRetention:  getdur("DEDUP_RETENTION", 24*time.Hour),
		SiteCacheTTL:    getdur("SITE_CACHE_TTL", 5*time.Minute),
		SequenceLockTTL: getdur("SEQUENCE_LOCK_TTL", 30*time.Second),
		SequenceWait:    getdur("SEQUENCE_LOCK_WAIT", 5*time.Second),

		Queue: QueueConfig{
			Concurrency:  getint("WORKER_CONCURRENCY", 10),
			PollInterval: getdur("WORKER_POLL_INTERVAL", time.Second),
			TaskTimeout:  getdur("TASK_TIMEOUT", 300*time.Second),
			LeaseGrace:   getdur("LEASE_GRACE", 30*time.Second),
			MaxAttempts:  getint("TASK_MAX_ATTEMPTS", 3),
			RetryBackoff: getdur("RETRY_BACKOFF", 0),
			DrainTimeout: getdur("DRAIN_TIMEOUT", 30*time.Second),
		},

		Agent: AgentConfig{
			OpenAIKey:       getenv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getenv("OPENAI_BASE_URL", ""),
			Model:           getenv("OPENAI_MODEL", "gpt-4.1-mini"),
			MaxIterations:   getint("AGENT_MAX_ITERATIONS", 3),
			Similarity:      getfloat("VOCAB_SIMILARITY", 0.6),
			MaxDescription:  getint("MAX_DESCRIPTION_LENGTH", 500),
			ReportBatchSize: getint("REPORT_BATCH_SIZE", 20),
			MemoryTTL:       getdur("MEMORY_TTL", 7*24*time.Hour),
			MemoryMaxTurns:  getint("MEMORY_MAX_TURNS", 20),
		},

		Bridge: BridgeConfig{
			BaseURL:      getenv("BRIDGE_URL", "http://localhost:3000"),
			Timeout:      getdur("BRIDGE_TIMEOUT", 15*time.Second),
			Retries:      getint("BRIDGE_RETRIES", 3),
			RetryWait:    getdur("BRIDGE_RETRY_WAIT", time.Second),
			RetryMaxWait: getdur("BRIDGE_RETRY_MAX_WAIT", 4*time.Second),
			RPS:          getfloat("BRIDGE_RPS", 10),
			Burst:        getint("BRIDGE_BURST", 20),
		},

		STT: STTConfig{
			BaseURL:      getenv("SONIOX_BASE_URL", "https://api.soniox.com"),
			APIKey:       getenv("SONIOX_API_KEY", ""),
			Model:        getenv("SONIOX_MODEL", "stt-async-preview"),
			PollInterval: getdur("STT_POLL_INTERVAL", time.Second),
			Timeout:      getdur("STT_TIMEOUT", 60*time.Second),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "site-agent"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return cfg, errors.New("REDIS_URL must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if cfg.RateMax < 1 {
		return cfg, errors.New("RATE_LIMIT_MAX_MESSAGES must be >= 1")
	}
	if cfg.RateWindow <= 0 {
		return cfg, errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if cfg.DedupRetention <= 0 {
		return cfg, errors.New("DEDUP_RETENTION must be > 0")
	}
	if cfg.SequenceWait <= 0 || cfg.SequenceLockTTL <= 0 {
		return cfg, errors.New("SEQUENCE_LOCK_WAIT and SEQUENCE_LOCK_TTL must be > 0")
	}
	if cfg.Queue.Concurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Queue.PollInterval <= 0 || cfg.Queue.TaskTimeout <= 0 || cfg.Queue.DrainTimeout <= 0 {
		return cfg, errors.New("queue intervals must be positive durations")
	}
	if cfg.Queue.LeaseGrace < 0 || cfg.Queue.RetryBackoff < 0 {
		return cfg, errors.New("LEASE_GRACE and RETRY_BACKOFF must be >= 0")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return cfg, errors.New("TASK_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Agent.MaxIterations < 1 {
		return cfg, errors.New("AGENT_MAX_ITERATIONS must be >= 1")
	}
	if cfg.Agent.Similarity < 0 || cfg.Agent.Similarity > 1 {
		return cfg, errors.New("VOCAB_SIMILARITY must be between 0 and 1")
	}
	if cfg.Agent.ReportBatchSize < 1 {
		return cfg, errors.New("REPORT_BATCH_SIZE must be >= 1")
	}
	if cfg.Bridge.Retries < 0 || cfg.Bridge.RPS <= 0 || cfg.Bridge.Burst < 1 {
		return cfg, errors.New("BRIDGE_RETRIES must be >= 0, BRIDGE_RPS > 0 and BRIDGE_BURST >= 1")
	}
	if cfg.STT.PollInterval <= 0 || cfg.STT.Timeout <= 0 {
		return cfg, errors.New("STT_POLL_INTERVAL and STT_TIMEOUT must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

// getdur accepts Go durations ("90s") and bare integers as seconds ("60"),
// matching how the bridge deployment historically set *_SECONDS values.
func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
