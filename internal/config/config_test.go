package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"docpipe/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatalf("expected exists=false for %s", resolved)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("workers.count = %d, want default 4", cfg.Workers.Count)
	}
	if cfg.Workers.VisibilityTimeoutSeconds != 300 {
		t.Errorf("visibility timeout = %d, want 300", cfg.Workers.VisibilityTimeoutSeconds)
	}
	if cfg.Recovery.StalenessThresholdSeconds != 300 {
		t.Errorf("staleness threshold = %d, want 300", cfg.Recovery.StalenessThresholdSeconds)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + dir + `/data"
upload_dir = "` + dir + `/uploads"
log_dir = "` + dir + `/logs"

[workers]
count = 2
visibility_timeout_seconds = 120

[recovery]
staleness_threshold_seconds = 180

[logging]
format = "json"
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Workers.Count != 2 {
		t.Errorf("workers.count = %d, want 2", cfg.Workers.Count)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", cfg.Logging.Format)
	}
	if got := cfg.VisibilityTimeout().Seconds(); got != 120 {
		t.Errorf("visibility timeout = %vs, want 120s", got)
	}
}

func TestOCRKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "env-key")
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OCR.APIKey != "env-key" {
		t.Errorf("ocr.api_key = %q, want env-key", cfg.OCR.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero workers", func(c *config.Config) { c.Workers.Count = 0 }},
		{"confidence above one", func(c *config.Config) { c.OCR.ConfidenceThreshold = 1.5 }},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"staleness under visibility", func(c *config.Config) {
			c.Recovery.StalenessThresholdSeconds = 30
			c.Workers.VisibilityTimeoutSeconds = 300
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.DataDir = "/tmp/docpipe-test"
			cfg.Paths.UploadDir = "/tmp/docpipe-test/uploads"
			cfg.Paths.LogDir = "/tmp/docpipe-test/logs"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestExtensionAllowed(t *testing.T) {
	cfg := config.Default()
	if !cfg.ExtensionAllowed("invoice.PDF") {
		t.Error("expected .PDF to be allowed (case-insensitive)")
	}
	if cfg.ExtensionAllowed("malware.exe") {
		t.Error("expected .exe to be rejected")
	}
	if cfg.ExtensionAllowed("noextension") {
		t.Error("expected extension-less name to be rejected")
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("sample config is empty")
	}
	// The sample must itself parse and validate.
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
}
