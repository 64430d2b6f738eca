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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if len(cfg.VoiceClasses) != 3 {
		t.Fatalf("expected 3 default voice classes, got %d", len(cfg.VoiceClasses))
	}
	if cfg.Synth.Mode != "mock" {
		t.Fatalf("expected mock synth by default, got %s", cfg.Synth.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	data := []byte(`runtime_name: narrator-test
voice_classes:
  - name: standard
    max_requests_per_second: 80
    max_chars_per_request: 3000
  - name: neural
    max_requests_per_second: 8
    max_chars_per_request: 1500
synth:
  mode: http
  endpoint: http://tts.local/v1/speech
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "narrator-test" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if len(cfg.VoiceClasses) != 2 || cfg.VoiceClasses[1].MaxCharsPerRequest != 1500 {
		t.Fatalf("expected voice classes from file, got %+v", cfg.VoiceClasses)
	}
	if cfg.Synth.Endpoint != "http://tts.local/v1/speech" {
		t.Fatalf("expected endpoint from file")
	}
	if cfg.Synth.ThrottleMaxAttempts != 4 {
		t.Fatalf("expected default throttle attempts to survive partial file, got %d", cfg.Synth.ThrottleMaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_REQUESTS", "123")
	t.Setenv("NARRATOR_ADMISSION_PACING_DELAY_MS", "0")
	t.Setenv("NARRATOR_SYNTH_MODE", "exec")
	t.Setenv("NARRATOR_SYNTH_COMMAND", "python3 tts.py --fast")
	t.Setenv("NARRATOR_SYNTH_WORDS_PER_SECOND", "3.1")
	t.Setenv("NARRATOR_ARTIFACTS_MODE", "none")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.MaxRequests != 123 {
		t.Fatalf("expected max requests override")
	}
	if cfg.Admission.PacingDelayMS != 0 {
		t.Fatalf("expected pacing override to 0, got %d", cfg.Admission.PacingDelayMS)
	}
	if cfg.Synth.Mode != "exec" || cfg.Synth.Command != "python3 tts.py --fast" {
		t.Fatalf("expected synth overrides, got %+v", cfg.Synth)
	}
	if cfg.Synth.WordsPerSecond != 3.1 {
		t.Fatalf("expected words per second override")
	}
	if cfg.Artifacts.Mode != "none" {
		t.Fatalf("expected artifacts mode override")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no voice classes", func(c *Config) { c.VoiceClasses = nil }},
		{"duplicate class", func(c *Config) {
			c.VoiceClasses = append(c.VoiceClasses, VoiceClassConfig{Name: "economy", MaxRequestsPerSecond: 1, MaxCharsPerRequest: 1})
		}},
		{"zero rps", func(c *Config) { c.VoiceClasses[0].MaxRequestsPerSecond = 0 }},
		{"zero chars", func(c *Config) { c.VoiceClasses[0].MaxCharsPerRequest = 0 }},
		{"unknown synth mode", func(c *Config) { c.Synth.Mode = "carrier-pigeon" }},
		{"exec without command", func(c *Config) { c.Synth.Mode = "exec" }},
		{"http without endpoint", func(c *Config) { c.Synth.Mode = "http" }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
		{"bad artifacts mode", func(c *Config) { c.Artifacts.Mode = "s3" }},
		{"negative pacing", func(c *Config) { c.Admission.PacingDelayMS = -1 }},
		{"sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
