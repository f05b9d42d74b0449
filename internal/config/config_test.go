package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerPort != "8090" {
		t.Errorf("ServerPort = %q, want 8090", cfg.ServerPort)
	}
	if cfg.PingInterval != 25*time.Second {
		t.Errorf("PingInterval = %v, want 25s", cfg.PingInterval)
	}
	if cfg.PingTimeout != 60*time.Second {
		t.Errorf("PingTimeout = %v, want 60s", cfg.PingTimeout)
	}
	if cfg.ReadLimit != 512*1024 {
		t.Errorf("ReadLimit = %d, want 524288", cfg.ReadLimit)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, want empty", cfg.RedisURL)
	}
	if cfg.TracingEnabled {
		t.Error("TracingEnabled defaults to true")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("PING_INTERVAL", "10s")
	t.Setenv("READ_LIMIT_BYTES", "1024")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com,")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REQUESTS", "30")

	cfg := Load()

	if cfg.ServerPort != "9100" {
		t.Errorf("ServerPort = %q, want 9100", cfg.ServerPort)
	}
	if cfg.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want 10s", cfg.PingInterval)
	}
	if cfg.ReadLimit != 1024 {
		t.Errorf("ReadLimit = %d, want 1024", cfg.ReadLimit)
	}
	want := []string{"https://app.example.com", "https://staging.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
	if cfg.RedisURL != "redis://cache:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if !cfg.TracingEnabled {
		t.Error("TracingEnabled not picked up")
	}
	if cfg.RateLimitRequests != 30 {
		t.Errorf("RateLimitRequests = %d, want 30", cfg.RateLimitRequests)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("PING_INTERVAL", "soon")
	t.Setenv("READ_LIMIT_BYTES", "lots")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load()

	if cfg.PingInterval != 25*time.Second {
		t.Errorf("PingInterval = %v, want default 25s", cfg.PingInterval)
	}
	if cfg.ReadLimit != 512*1024 {
		t.Errorf("ReadLimit = %d, want default", cfg.ReadLimit)
	}
	if cfg.TracingEnabled {
		t.Error("TracingEnabled should fall back to false")
	}
}
