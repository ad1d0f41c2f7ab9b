package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv clears config-relevant env vars and returns a restore func.
func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"WIKISPEEDIA_DB_PATH", "PORT",
		"WIKIRACE_ROOM_TTL_SECONDS", "WIKIRACE_ROOM_CLEANUP_INTERVAL_SECONDS",
		"WIKIRACE_MAX_LLM_RUNS_PER_ROOM", "WIKIRACE_MAX_CONCURRENT_LLM_CALLS",
		"REDIS_ENABLED", "WIKIRACE_REDIS_ADDR", "REDIS_PASSWORD",
		"GO_ENV", "LOG_LEVEL",
	}
	orig := make(map[string]string, len(keys))
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WIKISPEEDIA_DB_PATH", "/data/wikispeedia.db")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.GraphDBPath != "/data/wikispeedia.db" {
		t.Errorf("expected WIKISPEEDIA_DB_PATH to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.RoomTTLSeconds != 21600 {
		t.Errorf("expected default room TTL 21600, got %d", cfg.RoomTTLSeconds)
	}
	if cfg.MaxConcurrentLLMCalls != 3 {
		t.Errorf("expected default llm concurrency 3, got %d", cfg.MaxConcurrentLLMCalls)
	}
}

func TestValidateEnv_MissingGraphDBPath(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing WIKISPEEDIA_DB_PATH, got nil")
	}
	if !strings.Contains(err.Error(), "WIKISPEEDIA_DB_PATH is required") {
		t.Errorf("expected error message about WIKISPEEDIA_DB_PATH, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WIKISPEEDIA_DB_PATH", "/data/wikispeedia.db")
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WIKISPEEDIA_DB_PATH", "/data/wikispeedia.db")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("WIKIRACE_REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid WIKIRACE_REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "WIKIRACE_REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("expected error message about redis addr format, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WIKISPEEDIA_DB_PATH", "/data/wikispeedia.db")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_InvalidPositiveIntOverride(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("WIKISPEEDIA_DB_PATH", "/data/wikispeedia.db")
	os.Setenv("PORT", "8080")
	os.Setenv("WIKIRACE_MAX_CONCURRENT_LLM_CALLS", "-1")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for non-positive WIKIRACE_MAX_CONCURRENT_LLM_CALLS, got nil")
	}
	if !strings.Contains(err.Error(), "WIKIRACE_MAX_CONCURRENT_LLM_CALLS must be a positive integer") {
		t.Errorf("expected error message about llm concurrency, got: %v", err)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
