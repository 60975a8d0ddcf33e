// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultJWTSecret is the development-only HS256 secret. Production
// startup fails when it is still in effect.
const DefaultJWTSecret = "dev-secret-change-in-production"

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	Enabled   bool   // require bearer tokens on /v1 routes (default: true)
	JWTSecret string // HS256 shared secret
	Audience  string // required audience claim when set
	NameClaim string // JWT claim for the principal display name (default: "email")
}

// Config holds the configuration for the pipeline service.
type Config struct {
	CacheDBPath       string // path to the SQLite cache file
	DocumentsPath     string // path to the query documents YAML file
	ListenAddr        string // HTTP listen address (default ":8080")
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	LogLevel          string // log level: debug, info, warn, error (default "info")
	Env               string // environment: "development" (default) or "production"

	// Remote fetch
	DefaultEndpointURL   string        // GraphQL endpoint used when a document has no url key
	DefaultEndpointToken string        // bearer token for the default endpoint
	FetchTimeout         time.Duration // per-request timeout (default 30s)

	// Transformer sandbox
	TransformTimeout  time.Duration // wall-clock limit per transformer run (default 2s)
	TransformMaxSteps int64         // interpreter step limit (default 200000)

	// Freshness detection
	FreshnessCron    string // cron spec for scheduled probes; empty disables
	FreshnessOnStart bool   // probe all documents when they are loaded (default: true)

	// Background work
	WorkerEnabled      bool          // run the pipeline on the worker channel (default: true)
	BackfillQueueSize  int           // pending backfill jobs before enqueue drops (default 64)
	BackfillStartDelay time.Duration // pause between backfill jobs (default 100ms)

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Auth holds API authentication configuration.
	Auth AuthConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		CacheDBPath:          os.Getenv("CACHE_DB_PATH"),
		DocumentsPath:        os.Getenv("DOCUMENTS_PATH"),
		ListenAddr:           os.Getenv("LISTEN_ADDR"),
		TLSCertFile:          os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:           os.Getenv("TLS_KEY_FILE"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		Env:                  os.Getenv("ENV"),
		DefaultEndpointURL:   os.Getenv("GRAPHQL_ENDPOINT"),
		DefaultEndpointToken: os.Getenv("GRAPHQL_TOKEN"),
		FreshnessCron:        os.Getenv("FRESHNESS_CRON"),
		FreshnessOnStart:     parseBoolEnvDefault("FRESHNESS_ON_START", true),
		WorkerEnabled:        parseBoolEnvDefault("WORKER_ENABLED", true),
	}

	cfg.FetchTimeout = parseDurationEnv("FETCH_TIMEOUT")
	cfg.TransformTimeout = parseDurationEnv("TRANSFORM_TIMEOUT")
	cfg.BackfillStartDelay = parseDurationEnv("BACKFILL_START_DELAY")

	if v := os.Getenv("TRANSFORM_MAX_STEPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TransformMaxSteps = n
		}
	}
	if v := os.Getenv("BACKFILL_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackfillQueueSize = n
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}
	if strings.EqualFold(os.Getenv("ALLOW_INSECURE_HTTP"), "true") {
		cfg.AllowInsecureHTTP = true
	}

	// Auth config
	cfg.Auth = AuthConfig{
		Enabled:   parseBoolEnvDefault("AUTH_ENABLED", true),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Audience:  os.Getenv("AUTH_AUDIENCE"),
		NameClaim: os.Getenv("AUTH_NAME_CLAIM"),
	}
	if cfg.Auth.NameClaim == "" {
		cfg.Auth.NameClaim = "email"
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = DefaultJWTSecret
		if cfg.Auth.Enabled {
			cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set, using insecure default. Set JWT_SECRET in production!")
		}
	}

	// Defaults
	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = "queryflow_cache.sqlite"
	}
	if cfg.DocumentsPath == "" {
		cfg.DocumentsPath = "queries.yaml"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.TransformTimeout == 0 {
		cfg.TransformTimeout = 2 * time.Second
	}
	if cfg.TransformMaxSteps == 0 {
		cfg.TransformMaxSteps = 200_000
	}
	if cfg.FreshnessCron == "" {
		cfg.FreshnessCron = "@every 5m"
	}
	if cfg.BackfillQueueSize == 0 {
		cfg.BackfillQueueSize = 64
	}
	if cfg.BackfillStartDelay == 0 {
		cfg.BackfillStartDelay = 100 * time.Millisecond
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.DefaultEndpointURL == "" {
		cfg.Warnings = append(cfg.Warnings, "GRAPHQL_ENDPOINT not set, every query document must carry a url key")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.Auth.Enabled && cfg.Auth.JWTSecret == DefaultJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.TLSCertFile == "" && !cfg.AllowInsecureHTTP {
			return nil, fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
	}

	return cfg, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func parseDurationEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
