package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.Transport != "auto" {
		t.Fatalf("expected default auth transport auto, got %q", cfg.Auth.Transport)
	}
	if cfg.Reconnect.Mode != "exponential" {
		t.Fatalf("expected default reconnect mode exponential, got %q", cfg.Reconnect.Mode)
	}
	if cfg.Reconnect.InitialDelay != 500*time.Millisecond {
		t.Fatalf("unexpected default initial delay: %v", cfg.Reconnect.InitialDelay)
	}
	if cfg.Tail.MaxBufferedBatches != 1024 {
		t.Fatalf("unexpected default max buffered batches: %d", cfg.Tail.MaxBufferedBatches)
	}
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("TAILCLIENT_API_BASE_URL", "https://api.example.com")
	t.Setenv("TAILCLIENT_RECONNECT_MODE", "fixed")
	t.Setenv("TAILCLIENT_RECONNECT_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "https://api.example.com" {
		t.Fatalf("expected API base URL from env, got %q", cfg.APIBaseURL)
	}
	if cfg.Reconnect.Mode != "fixed" {
		t.Fatalf("expected fixed mode from env, got %q", cfg.Reconnect.Mode)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("expected max attempts 5 from env, got %d", cfg.Reconnect.MaxAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"bad auth transport", Config{Auth: AuthConfig{Transport: "nope"}, Reconnect: ReconnectConfig{Mode: "fixed"}}},
		{"bad reconnect mode", Config{Auth: AuthConfig{Transport: "auto"}, Reconnect: ReconnectConfig{Mode: "nope"}}},
		{"bad jitter ratio", Config{Auth: AuthConfig{Transport: "auto"}, Reconnect: ReconnectConfig{Mode: "fixed", JitterRatio: 2}}},
		{"negative max attempts", Config{Auth: AuthConfig{Transport: "auto"}, Reconnect: ReconnectConfig{Mode: "fixed", MaxAttempts: -1}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
