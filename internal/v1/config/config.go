package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required
	GraphDBPath string
	Port        string

	// Room lifecycle
	RoomTTLSeconds             int
	RoomCleanupIntervalSeconds int
	MaxLLMRunsPerRoom          int
	MaxConcurrentLLMCalls      int

	// Wiki proxy cache
	WikiCacheMaxEntries            int
	WikiCacheTTLSeconds            int
	WikiFetchTimeoutSeconds        int
	WikiFetchConnectTimeoutSeconds int
	WikiHTTPMaxConnections         int
	ResolveArticleCacheTTLSeconds  int

	// Headless local-run tracing (internal/localtrace)
	LocalRunTTLSeconds             int
	LocalRunCleanupIntervalSeconds int

	// Join URL
	PublicHost string

	// Optional / ambient
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (optional: backs the wiki proxy cache and/or the rate limiter store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits (ulule/limiter formatted rates, e.g. "100-M")
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitAPIRooms  string
	RateLimitAPIMoves  string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error joining every problem found, not just the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.GraphDBPath = os.Getenv("WIKISPEEDIA_DB_PATH")
	if cfg.GraphDBPath == "" {
		errs = append(errs, "WIKISPEEDIA_DB_PATH is required")
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RoomTTLSeconds = getEnvIntOrDefault("WIKIRACE_ROOM_TTL_SECONDS", 21600, &errs)
	cfg.RoomCleanupIntervalSeconds = getEnvIntOrDefault("WIKIRACE_ROOM_CLEANUP_INTERVAL_SECONDS", 300, &errs)
	cfg.MaxLLMRunsPerRoom = getEnvIntOrDefault("WIKIRACE_MAX_LLM_RUNS_PER_ROOM", 8, &errs)
	cfg.MaxConcurrentLLMCalls = getEnvIntOrDefault("WIKIRACE_MAX_CONCURRENT_LLM_CALLS", 3, &errs)

	cfg.WikiCacheMaxEntries = getEnvIntOrDefault("WIKIRACE_WIKI_CACHE_MAX_ENTRIES", 512, &errs)
	cfg.WikiCacheTTLSeconds = getEnvIntOrDefault("WIKIRACE_WIKI_CACHE_TTL_SECONDS", 3600, &errs)
	cfg.WikiFetchTimeoutSeconds = getEnvIntOrDefault("WIKIRACE_WIKI_FETCH_TIMEOUT_SECONDS", 10, &errs)
	cfg.WikiFetchConnectTimeoutSeconds = getEnvIntOrDefault("WIKIRACE_WIKI_FETCH_CONNECT_TIMEOUT_SECONDS", 3, &errs)
	cfg.WikiHTTPMaxConnections = getEnvIntOrDefault("WIKIRACE_WIKI_HTTP_MAX_CONNECTIONS", 32, &errs)
	cfg.ResolveArticleCacheTTLSeconds = getEnvIntOrDefault("WIKIRACE_RESOLVE_ARTICLE_CACHE_TTL_SECONDS", 3600, &errs)

	cfg.LocalRunTTLSeconds = getEnvIntOrDefault("WIKIRACE_LOCAL_RUN_TTL_SECONDS", 3600, &errs)
	cfg.LocalRunCleanupIntervalSeconds = getEnvIntOrDefault("WIKIRACE_LOCAL_RUN_CLEANUP_INTERVAL_SECONDS", 300, &errs)

	cfg.PublicHost = os.Getenv("WIKIRACE_PUBLIC_HOST")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("WIKIRACE_REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("WIKIRACE_REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("WIKIRACE_REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "30-M")
	cfg.RateLimitAPIMoves = getEnvOrDefault("RATE_LIMIT_API_MOVES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"graph_db_path", cfg.GraphDBPath,
		"port", cfg.Port,
		"room_ttl_seconds", cfg.RoomTTLSeconds,
		"max_llm_runs_per_room", cfg.MaxLLMRunsPerRoom,
		"max_concurrent_llm_calls", cfg.MaxConcurrentLLMCalls,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault parses an integer env var, falling back to defaultValue
// when unset and appending a validation message to errs when set but not a
// valid positive integer.
func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
