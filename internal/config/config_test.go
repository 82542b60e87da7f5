package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("unexpected backend %q", cfg.Backend)
	}
	if cfg.Workers != 2 || cfg.RetryLimit != 2 {
		t.Fatalf("unexpected worker defaults: workers=%d retry=%d", cfg.Workers, cfg.RetryLimit)
	}
	if cfg.Notifier.MaxWait != 10*time.Minute {
		t.Fatalf("unexpected notifier max wait %v", cfg.Notifier.MaxWait)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vodworks.yaml")
	content := `
listen_addr: ":9090"
workers: 4
backend: redis
redis:
  addr: "127.0.0.1:6379"
  stream: "transcode:tasks"
  group: "workers"
log:
  level: debug
  format: text
notifier:
  max_wait: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.Workers != 4 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Backend != BackendRedis || cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("redis settings not applied: %+v", cfg.Redis)
	}
	if cfg.Redis.Stream != "transcode:tasks" || cfg.Redis.Group != "workers" {
		t.Fatalf("stream settings not applied: %+v", cfg.Redis)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("log settings not applied: %+v", cfg.Log)
	}
	if cfg.Notifier.MaxWait != 5*time.Minute {
		t.Fatalf("notifier max wait not applied: %v", cfg.Notifier.MaxWait)
	}
	// Unset fields keep their defaults.
	if cfg.OutputRoot != "./data/renditions" {
		t.Fatalf("default output root lost: %q", cfg.OutputRoot)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vodworks.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9090\"\nworkers: 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VODWORKS_LISTEN_ADDR", ":7070")
	t.Setenv("VODWORKS_WORKERS", "8")
	t.Setenv("VODWORKS_BACKEND", "redis")
	t.Setenv("VODWORKS_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env listen addr not applied: %q", cfg.ListenAddr)
	}
	if cfg.Workers != 8 {
		t.Fatalf("env workers not applied: %d", cfg.Workers)
	}
	if cfg.Backend != BackendRedis || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("env redis settings not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "kafka" }},
		{"redis without addr", func(c *Config) { c.Backend = BackendRedis }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative retry limit", func(c *Config) { c.RetryLimit = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "logfmt" }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestValidateNormalisesBackendCase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "Redis"
	cfg.Redis.Addr = "127.0.0.1:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Backend != BackendRedis {
		t.Fatalf("backend not normalised: %q", cfg.Backend)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vodworks.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
