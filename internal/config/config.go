// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, database,
// upstream API, pipeline and observability settings, plus the optional YAML
// seed of resources and voice identities.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "review-pipeline")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ReviewAPIConfig configures the external review API client.
type ReviewAPIConfig struct {
	BaseURL  string        // REVIEW_API_BASE_URL
	Token    string        // REVIEW_API_TOKEN (bearer)
	Timeout  time.Duration // REVIEW_API_TIMEOUT
	PageSize int           // REVIEW_API_PAGE_SIZE
}

// LLMConfig configures the completion API and analysis limits.
type LLMConfig struct {
	Endpoint         string        // LLM_ENDPOINT (full URL of the completions route)
	APIKey           string        // LLM_API_KEY
	Model            string        // LLM_MODEL
	Timeout          time.Duration // LLM_TIMEOUT
	RPS              float64       // LLM_RPS, 0 disables pacing
	Burst            int           // LLM_BURST
	MaxTopics        int           // MAX_TOPICS per review
	MalformedRetries int           // MALFORMED_RETRIES
	StrictIdentity   bool          // STRICT_IDENTITY
}

// PipelineConfig configures the background run.
type PipelineConfig struct {
	CronSecret       string        // CRON_SECRET shared with the scheduler
	MaxBudget        time.Duration // RUN_BUDGET, hard wall-clock limit of one run
	DefaultLimit     int           // RUN_LIMIT rows per run
	BatchSize        int           // CLAIM_BATCH
	LockTTL          time.Duration // LOCK_TTL
	JobStaleAfter    time.Duration // JOB_STALE_AFTER
	RetryMaxAttempts int           // RETRY_MAX_ATTEMPTS
	RetryBaseDelay   time.Duration // RETRY_BASE_DELAY
	RetryMaxDelay    time.Duration // RETRY_MAX_DELAY
	Schedule         string        // SCHEDULE_CRON, empty disables the embedded scheduler
	ScheduleTZ       string        // SCHEDULE_TZ (IANA name)
	ResourcesFile    string        // RESOURCES_FILE (YAML seed)
}

// AMQPConfig configures optional event publishing.
type AMQPConfig struct {
	URL      string // AMQP_URL, empty disables publishing
	Exchange string // AMQP_EXCHANGE
}

// S3Config configures optional raw page archiving.
type S3Config struct {
	Bucket    string // ARCHIVE_BUCKET, empty disables archiving
	Prefix    string // ARCHIVE_PREFIX
	Region    string // ARCHIVE_REGION
	Endpoint  string // ARCHIVE_ENDPOINT for S3-compatible stores
	AccessKey string // ARCHIVE_ACCESS_KEY
	SecretKey string // ARCHIVE_SECRET_KEY
	PathStyle bool   // ARCHIVE_PATH_STYLE
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

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Database
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Upstreams and pipeline
	ReviewAPI ReviewAPIConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	AMQP      AMQPConfig
	Archive   S3Config

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
// Missing upstream secrets are not a load error; see MissingSecrets.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api")),

		// Database
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "reviews.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 1.0),
		RateBurst: getint("RATE_BURST", 3),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		ReviewAPI: ReviewAPIConfig{
			BaseURL:  getenv("REVIEW_API_BASE_URL", ""),
			Token:    getenv("REVIEW_API_TOKEN", ""),
			Timeout:  getdur("REVIEW_API_TIMEOUT", 15*time.Second),
			PageSize: getint("REVIEW_API_PAGE_SIZE", 50),
		},
		LLM: LLMConfig{
			Endpoint:         getenv("LLM_ENDPOINT", ""),
			APIKey:           getenv("LLM_API_KEY", ""),
			Model:            getenv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:          getdur("LLM_TIMEOUT", 30*time.Second),
			RPS:              getfloat("LLM_RPS", 2),
			Burst:            getint("LLM_BURST", 2),
			MaxTopics:        getint("MAX_TOPICS", 8),
			MalformedRetries: getint("MALFORMED_RETRIES", 2),
			StrictIdentity:   getbool("STRICT_IDENTITY", false),
		},
		Pipeline: PipelineConfig{
			CronSecret:       getenv("CRON_SECRET", ""),
			MaxBudget:        getdur("RUN_BUDGET", 50*time.Second),
			DefaultLimit:     getint("RUN_LIMIT", 50),
			BatchSize:        getint("CLAIM_BATCH", 5),
			LockTTL:          getdur("LOCK_TTL", 5*time.Minute),
			JobStaleAfter:    getdur("JOB_STALE_AFTER", 10*time.Minute),
			RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 4),
			RetryBaseDelay:   getdur("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:    getdur("RETRY_MAX_DELAY", 8*time.Second),
			Schedule:         getenv("SCHEDULE_CRON", ""),
			ScheduleTZ:       getenv("SCHEDULE_TZ", "UTC"),
			ResourcesFile:    getenv("RESOURCES_FILE", ""),
		},
		AMQP: AMQPConfig{
			URL:      getenv("AMQP_URL", ""),
			Exchange: getenv("AMQP_EXCHANGE", "reviews"),
		},
		Archive: S3Config{
			Bucket:    getenv("ARCHIVE_BUCKET", ""),
			Prefix:    getenv("ARCHIVE_PREFIX", "review-pages"),
			Region:    getenv("ARCHIVE_REGION", "us-east-1"),
			Endpoint:  getenv("ARCHIVE_ENDPOINT", ""),
			AccessKey: getenv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getenv("ARCHIVE_SECRET_KEY", ""),
			PathStyle: getbool("ARCHIVE_PATH_STYLE", false),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "review-pipeline"),
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
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if cfg.Pipeline.MaxBudget <= 0 {
		return cfg, errors.New("RUN_BUDGET must be > 0")
	}
	if cfg.Pipeline.DefaultLimit < 1 || cfg.Pipeline.BatchSize < 1 {
		return cfg, errors.New("RUN_LIMIT and CLAIM_BATCH must be >= 1")
	}
	if cfg.Pipeline.LockTTL <= 0 || cfg.Pipeline.JobStaleAfter <= 0 {
		return cfg, errors.New("LOCK_TTL and JOB_STALE_AFTER must be > 0")
	}
	if cfg.Pipeline.RetryMaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Pipeline.RetryBaseDelay < 0 || cfg.Pipeline.RetryMaxDelay < cfg.Pipeline.RetryBaseDelay {
		return cfg, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY >= 0")
	}
	if cfg.LLM.MaxTopics < 1 {
		return cfg, errors.New("MAX_TOPICS must be >= 1")
	}
	if cfg.LLM.MalformedRetries < 0 || cfg.LLM.RPS < 0 {
		return cfg, errors.New("MALFORMED_RETRIES and LLM_RPS must be >= 0")
	}

	return cfg, nil
}

// MissingSecrets lists the required upstream settings that are unset. The
// service still starts without them so the trigger can report the problem.
func (c Config) MissingSecrets() []string {
	var missing []string
	for _, kv := range []struct{ name, val string }{
		{"CRON_SECRET", c.Pipeline.CronSecret},
		{"REVIEW_API_BASE_URL", c.ReviewAPI.BaseURL},
		{"REVIEW_API_TOKEN", c.ReviewAPI.Token},
		{"LLM_ENDPOINT", c.LLM.Endpoint},
		{"LLM_API_KEY", c.LLM.APIKey},
	} {
		if strings.TrimSpace(kv.val) == "" {
			missing = append(missing, kv.name)
		}
	}
	return missing
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

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
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
