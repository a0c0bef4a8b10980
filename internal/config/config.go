// Package config provides centralized configuration management for the import service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Cache and store backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendHTTP     = "http"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Mapping  MappingConfig
	Import   ImportConfig
	Session  SessionConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-streaming requests (default: 120s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Only required when a postgres backend is selected.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// EnsureSchema creates the mapping cache / product tables on startup (default: true)
	EnsureSchema bool `env:"DB_ENSURE_SCHEMA" default:"true"`
}

// RedisConfig holds Redis connection settings for the redis mapping cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`

	// KeyPrefix namespaces all keys written by the mapping cache (default: catalogimport)
	KeyPrefix string `env:"REDIS_KEY_PREFIX" default:"catalogimport"`
}

// IngestConfig holds file ingestion settings.
type IngestConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"INGEST_MAX_FILE_SIZE" envAlt:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// StreamingThreshold is the size at or above which files are parsed
	// through a temporary artifact instead of in memory (default: 10MB)
	StreamingThreshold int64 `env:"INGEST_STREAMING_THRESHOLD" default:"10485760"`

	// PreviewRows is the number of rows returned by a fast preview (default: 10)
	PreviewRows int `env:"INGEST_PREVIEW_ROWS" default:"10"`

	// SampleRows is the number of rows kept for streaming results (default: 5)
	SampleRows int `env:"INGEST_SAMPLE_ROWS" default:"5"`

	// TempDir holds streaming artifacts (default: OS temp dir)
	TempDir string `env:"INGEST_TEMP_DIR"`

	// MaxConcurrent is the maximum number of parallel ingests (default: 5)
	MaxConcurrent int `env:"INGEST_MAX_CONCURRENT" envAlt:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an ingest slot (default: 30s)
	MaxWaitTime time.Duration `env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds a single ingest operation (default: 10m)
	Timeout time.Duration `env:"INGEST_TIMEOUT" default:"10m"`
}

// MappingConfig holds field mapping thresholds and collaborators.
type MappingConfig struct {
	FuzzyKeepThreshold   float64 `env:"MAPPING_FUZZY_KEEP" default:"60"`
	FuzzyAcceptThreshold float64 `env:"MAPPING_FUZZY_ACCEPT" default:"70"`
	HistoricalThreshold  float64 `env:"MAPPING_HISTORICAL_ACCEPT" default:"60"`
	StatisticalThreshold float64 `env:"MAPPING_STATISTICAL_ACCEPT" default:"50"`
	SemanticThreshold    float64 `env:"MAPPING_SEMANTIC_ACCEPT" default:"60"`
	SemanticCap          float64 `env:"MAPPING_SEMANTIC_CAP" default:"95"`
	LowConfidenceWarning float64 `env:"MAPPING_LOW_CONFIDENCE" default:"70"`

	// CacheBackend is one of memory, postgres, redis (default: memory)
	CacheBackend string `env:"MAPPING_CACHE_BACKEND" default:"memory"`

	// SemanticURL enables the semantic inference fallback when set
	SemanticURL     string        `env:"MAPPING_SEMANTIC_URL"`
	SemanticAPIKey  string        `env:"MAPPING_SEMANTIC_API_KEY"`
	SemanticTimeout time.Duration `env:"MAPPING_SEMANTIC_TIMEOUT" default:"15s"`
	SemanticRPS     float64       `env:"MAPPING_SEMANTIC_RPS" default:"2"`

	// DomainHint is passed to the semantic service (default: ecommerce products)
	DomainHint string `env:"MAPPING_DOMAIN_HINT" default:"ecommerce products"`
}

// ImportConfig holds batched execution settings.
type ImportConfig struct {
	// BatchSize is the number of records per batch (default: 100)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"100"`

	// Workers bounds concurrently dispatched batches (default: 4)
	Workers int `env:"IMPORT_WORKERS" default:"4"`

	// WriteTimeout bounds a single product store call (default: 10s)
	WriteTimeout time.Duration `env:"IMPORT_WRITE_TIMEOUT" default:"10s"`

	// MaxRetryAttempts is how many times a failed record may be retried (default: 3)
	MaxRetryAttempts int `env:"IMPORT_MAX_RETRY_ATTEMPTS" default:"3"`

	// WritesPerSecond throttles product store writes; 0 disables (default: 0)
	WritesPerSecond float64 `env:"IMPORT_WRITES_PER_SECOND" default:"0"`

	// StoreBackend is one of memory, http, postgres (default: memory)
	StoreBackend string `env:"PRODUCT_STORE_BACKEND" default:"memory"`
	StoreURL     string `env:"PRODUCT_STORE_URL"`
	StoreAPIKey  string `env:"PRODUCT_STORE_API_KEY"`

	// Channels is a comma-separated list of syndication webhook URLs
	Channels           []string      `env:"SYNDICATION_CHANNELS"`
	SyndicationTimeout time.Duration `env:"SYNDICATION_TIMEOUT" default:"30s"`
}

// SessionConfig holds upload session lifetime settings.
type SessionConfig struct {
	// TTL is how long an idle session is kept (default: 2h)
	TTL time.Duration `env:"SESSION_TTL" default:"2h"`

	// SweepInterval is how often expired sessions are removed (default: 5m)
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" default:"5m"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 300)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"300"`

	// UploadLimit is requests per minute for ingest endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// AllowedOrigins restricts WebSocket upgrades; empty allows same-origin only
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// NeedsDatabase reports whether any configured backend requires PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Mapping.CacheBackend == BackendPostgres || c.Import.StoreBackend == BackendPostgres
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
