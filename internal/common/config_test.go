package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_DefaultPort(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("CADENCE_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_DefaultWindows(t *testing.T) {
	cfg := NewDefaultConfig()

	if got := cfg.Auth.GetAccessTokenTTL(); got != time.Hour {
		t.Errorf("access token ttl = %v, want 1h", got)
	}
	if got := cfg.Auth.GetAuthorizationTTL(); got != 10*time.Minute {
		t.Errorf("authorization ttl = %v, want 10m", got)
	}
	if got := cfg.Consent.GetUndoWindow(); got != 5*time.Minute {
		t.Errorf("undo window = %v, want 5m", got)
	}
	if cfg.RateLimit.Mode != "sliding" {
		t.Errorf("rate limit mode = %q, want sliding", cfg.RateLimit.Mode)
	}
}

func TestConfig_InvalidDurationFallsBack(t *testing.T) {
	c := ConsentConfig{UndoWindow: "soon"}
	if got := c.GetUndoWindow(); got != 5*time.Minute {
		t.Errorf("GetUndoWindow() = %v, want fallback 5m", got)
	}
}

func TestConfig_LimitFor(t *testing.T) {
	c := RateLimitConfig{DefaultLimit: 60, ToolLimits: map[string]int{"schedule_post": 10, "list_posts": 0}}
	if got := c.LimitFor("schedule_post"); got != 10 {
		t.Errorf("LimitFor(schedule_post) = %d, want 10", got)
	}
	if got := c.LimitFor("list_posts"); got != 60 {
		t.Errorf("LimitFor(list_posts) = %d, want default 60", got)
	}
}

func TestConfig_LoadConfigMergesFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	if err := os.WriteFile(base, []byte("[ratelimit]\nmode = \"fixed\"\ndefault_limit = 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(override, []byte("[ratelimit]\ndefault_limit = 7\n[consent]\nundo_window = \"2m\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(base, override, filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RateLimit.Mode != "fixed" {
		t.Errorf("mode = %q, want fixed", cfg.RateLimit.Mode)
	}
	if cfg.RateLimit.DefaultLimit != 7 {
		t.Errorf("default_limit = %d, want 7", cfg.RateLimit.DefaultLimit)
	}
	if got := cfg.Consent.GetUndoWindow(); got != 2*time.Minute {
		t.Errorf("undo window = %v, want 2m", got)
	}
}

func TestConfig_LoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[server\nport ="), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CADENCE_RATELIMIT_MODE", "FIXED")
	t.Setenv("CADENCE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("GEMINI_API_KEY", "gem-key")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.RateLimit.Mode != "fixed" {
		t.Errorf("mode = %q, want fixed", cfg.RateLimit.Mode)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Clients.Gemini.APIKey != "gem-key" {
		t.Errorf("Gemini.APIKey = %q, want gem-key", cfg.Clients.Gemini.APIKey)
	}
}

func TestConfig_ValidateRequired(t *testing.T) {
	cfg := NewDefaultConfig()
	if missing := cfg.ValidateRequired(); len(missing) != 3 {
		t.Errorf("expected 3 missing fields, got %d: %v", len(missing), missing)
	}

	cfg.Auth.JWTSecret = "real-secret"
	cfg.Server.ServiceKey = "svc"
	cfg.Storage.Durable = "surrealdb"
	if missing := cfg.ValidateRequired(); len(missing) != 0 {
		t.Errorf("expected 0 missing fields, got %v", missing)
	}
}

func TestServerConfig_BaseURL(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8080}
	if got := s.BaseURL(); got != "http://localhost:8080" {
		t.Errorf("BaseURL() = %q", got)
	}
	s.PublicURL = "https://api.example.com/"
	if got := s.BaseURL(); got != "https://api.example.com" {
		t.Errorf("BaseURL() = %q", got)
	}
}
