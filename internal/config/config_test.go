package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Control.Port != 45678 {
		t.Fatalf("expected default control port, got %d", cfg.Control.Port)
	}
	if cfg.Dispatch.ReapIntervalMS != 200 {
		t.Fatalf("expected default reap interval 200ms, got %d", cfg.Dispatch.ReapIntervalMS)
	}
	if cfg.Models.ManifestName != "conf.json" {
		t.Fatalf("expected conf.json manifest name, got %q", cfg.Models.ManifestName)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-tts.yaml")
	data := []byte(`runtime_name: kernel
dispatch:
  workers: 2
  queue_size: 8
models:
  root: /srv/models
  default_engine: mock
  duplicate_policy: replace
event_store:
  retention_mode: ephemeral
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "kernel" {
		t.Fatalf("expected runtime name override, got %q", cfg.RuntimeName)
	}
	if cfg.Dispatch.Workers != 2 || cfg.Dispatch.QueueSize != 8 {
		t.Fatalf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if cfg.Models.Root != "/srv/models" || cfg.Models.DefaultEngine != "mock" {
		t.Fatalf("unexpected models config %+v", cfg.Models)
	}
	if cfg.Models.StreamChunkSamples != 4096 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Models.StreamChunkSamples)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_TTS_BUS_ENABLED", "true")
	t.Setenv("LOQA_TTS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_TTS_BUS_USERNAME", "alice")
	t.Setenv("LOQA_TTS_BUS_SUBJECT", "kernel.control")
	t.Setenv("LOQA_TTS_DISPATCH_WORKERS", "6")
	t.Setenv("LOQA_TTS_DISPATCH_REAP_INTERVAL_MS", "50")
	t.Setenv("LOQA_TTS_MODELS_ROOT", "/opt/models")
	t.Setenv("LOQA_TTS_MODELS_DUPLICATE_POLICY", "replace")
	t.Setenv("LOQA_TTS_CONTROL_READ_LIMIT_BYTES", "4096")
	t.Setenv("LOQA_TTS_EVENT_STORE_MAX_TASKS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Bus.Subject != "kernel.control" {
		t.Fatalf("expected subject override, got %q", cfg.Bus.Subject)
	}
	if cfg.Dispatch.Workers != 6 || cfg.Dispatch.ReapIntervalMS != 50 {
		t.Fatalf("expected dispatch overrides, got %+v", cfg.Dispatch)
	}
	if cfg.Models.Root != "/opt/models" {
		t.Fatalf("expected models root override")
	}
	if cfg.Models.DuplicatePolicy != DuplicateReplace {
		t.Fatalf("expected duplicate policy override")
	}
	if cfg.Control.ReadLimit != 4096 {
		t.Fatalf("expected read limit override, got %d", cfg.Control.ReadLimit)
	}
	if cfg.EventStore.MaxTasks != 123 {
		t.Fatalf("expected max tasks override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }, true},
		{"zero reap interval", func(c *Config) { c.Dispatch.ReapIntervalMS = 0 }, true},
		{"unknown engine", func(c *Config) { c.Models.DefaultEngine = "onnx" }, true},
		{"exec without command", func(c *Config) { c.Models.Exec.Command = " " }, true},
		{"mock without command", func(c *Config) {
			c.Models.DefaultEngine = "mock"
			c.Models.Exec.Command = ""
		}, false},
		{"bad duplicate policy", func(c *Config) { c.Models.DuplicatePolicy = "merge" }, true},
		{"no control surfaces", func(c *Config) { c.Control.Enabled = false }, true},
		{"bus only", func(c *Config) {
			c.Control.Enabled = false
			c.Bus.Enabled = true
		}, false},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, true},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
