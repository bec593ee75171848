package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ACTIVITY_BASE_URL", "")
	t.Setenv("ACTIVITY_AUTH_URL", "")
	t.Setenv("PROFILES_DIR", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.LogLevel != "INFO" {
		t.Fatalf("expected default log level INFO, got %s", cfg.LogLevel)
	}
	if cfg.ProfilesDir != "profiles" {
		t.Fatalf("expected default profiles dir, got %s", cfg.ProfilesDir)
	}
	if cfg.ActivityAuthURL != cfg.ActivityBaseURL+"/oauth/token" {
		t.Fatalf("auth URL should default under the base URL, got %s", cfg.ActivityAuthURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/milepool")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ATTESTER_KEY", "deadbeef")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/milepool" {
		t.Fatalf("unexpected database url %s", cfg.DatabaseURL)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %s", cfg.RedisAddr)
	}
	if cfg.AttesterKeyHex != "deadbeef" {
		t.Fatalf("unexpected attester key %s", cfg.AttesterKeyHex)
	}
}
