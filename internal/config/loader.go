package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Backends
	if !oneOf(c.Mapping.CacheBackend, BackendMemory, BackendPostgres, BackendRedis) {
		errs = append(errs, fmt.Sprintf("MAPPING_CACHE_BACKEND (%q) must be one of: memory, postgres, redis", c.Mapping.CacheBackend))
	}
	if !oneOf(c.Import.StoreBackend, BackendMemory, BackendHTTP, BackendPostgres) {
		errs = append(errs, fmt.Sprintf("PRODUCT_STORE_BACKEND (%q) must be one of: memory, http, postgres", c.Import.StoreBackend))
	}
	if c.Import.StoreBackend == BackendHTTP && c.Import.StoreURL == "" {
		errs = append(errs, "PRODUCT_STORE_URL is required when PRODUCT_STORE_BACKEND=http")
	}

	// Database validation
	if c.NeedsDatabase() && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required when a postgres backend is selected")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Ingest validation
	if c.Ingest.MaxFileSize <= 0 {
		errs = append(errs, "INGEST_MAX_FILE_SIZE must be positive")
	}
	if c.Ingest.StreamingThreshold <= 0 || c.Ingest.StreamingThreshold > c.Ingest.MaxFileSize {
		errs = append(errs, "INGEST_STREAMING_THRESHOLD must be positive and <= INGEST_MAX_FILE_SIZE")
	}
	if c.Ingest.PreviewRows <= 0 {
		errs = append(errs, "INGEST_PREVIEW_ROWS must be positive")
	}
	if c.Ingest.SampleRows <= 0 {
		errs = append(errs, "INGEST_SAMPLE_ROWS must be positive")
	}
	if c.Ingest.MaxConcurrent <= 0 {
		errs = append(errs, "INGEST_MAX_CONCURRENT must be positive")
	}
	if c.Ingest.MaxWaitTime <= 0 {
		errs = append(errs, "INGEST_MAX_WAIT_TIME must be positive")
	}
	if c.Ingest.Timeout <= 0 {
		errs = append(errs, "INGEST_TIMEOUT must be positive")
	}

	// Mapping thresholds keep the cascade ordering meaningful
	m := c.Mapping
	for name, v := range map[string]float64{
		"MAPPING_FUZZY_KEEP":         m.FuzzyKeepThreshold,
		"MAPPING_FUZZY_ACCEPT":       m.FuzzyAcceptThreshold,
		"MAPPING_HISTORICAL_ACCEPT":  m.HistoricalThreshold,
		"MAPPING_STATISTICAL_ACCEPT": m.StatisticalThreshold,
		"MAPPING_SEMANTIC_ACCEPT":    m.SemanticThreshold,
		"MAPPING_SEMANTIC_CAP":       m.SemanticCap,
		"MAPPING_LOW_CONFIDENCE":     m.LowConfidenceWarning,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Sprintf("%s (%g) must be 0-100", name, v))
		}
	}
	if m.FuzzyKeepThreshold > m.FuzzyAcceptThreshold {
		errs = append(errs, "MAPPING_FUZZY_KEEP must be <= MAPPING_FUZZY_ACCEPT")
	}
	if m.SemanticCap < m.SemanticThreshold {
		errs = append(errs, "MAPPING_SEMANTIC_CAP must be >= MAPPING_SEMANTIC_ACCEPT")
	}
	if m.SemanticURL != "" && m.SemanticTimeout <= 0 {
		errs = append(errs, "MAPPING_SEMANTIC_TIMEOUT must be positive")
	}

	// Import validation
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.Workers <= 0 {
		errs = append(errs, "IMPORT_WORKERS must be positive")
	}
	if c.Import.WriteTimeout <= 0 {
		errs = append(errs, "IMPORT_WRITE_TIMEOUT must be positive")
	}
	if c.Import.MaxRetryAttempts < 0 {
		errs = append(errs, "IMPORT_MAX_RETRY_ATTEMPTS must be non-negative")
	}
	if c.Import.WritesPerSecond < 0 {
		errs = append(errs, "IMPORT_WRITES_PER_SECOND must be non-negative")
	}

	// Session validation
	if c.Session.TTL <= 0 {
		errs = append(errs, "SESSION_TTL must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, "SESSION_SWEEP_INTERVAL must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// String returns a safe string representation of the config for logging.
// Credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d}, ", mask(c.Database.URL), c.Database.MaxConns))
	b.WriteString(fmt.Sprintf("Redis: {Addr: %q, Password: %s}, ", c.Redis.Addr, mask(c.Redis.Password)))
	b.WriteString(fmt.Sprintf("Ingest: {MaxFileSize: %d, StreamingThreshold: %d, MaxConcurrent: %d}, ",
		c.Ingest.MaxFileSize, c.Ingest.StreamingThreshold, c.Ingest.MaxConcurrent))
	b.WriteString(fmt.Sprintf("Mapping: {CacheBackend: %q, Semantic: %v}, ",
		c.Mapping.CacheBackend, c.Mapping.SemanticURL != ""))
	b.WriteString(fmt.Sprintf("Import: {BatchSize: %d, Workers: %d, StoreBackend: %q, Channels: %d}, ",
		c.Import.BatchSize, c.Import.Workers, c.Import.StoreBackend, len(c.Import.Channels)))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

func mask(secret string) string {
	if secret == "" {
		return "[EMPTY]"
	}
	return "[MASKED]"
}
