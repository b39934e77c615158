package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8091 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.UpstreamBaseURL != "https://api.openai.com" {
		t.Fatalf("upstream = %q", cfg.UpstreamBaseURL)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("OPENAI_UPSTREAM_URL", "http://localhost:1234")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.UpstreamBaseURL != "http://localhost:1234" {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
}
