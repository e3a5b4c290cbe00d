package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	os.Unsetenv("FACEGATE_THRESHOLD")
	os.Unsetenv("SCAN_CONCURRENCY")

	cfg := mustLoad(t)

	if cfg.Engine.Threshold != 0.6 {
		t.Errorf("expected default threshold 0.6, got %v", cfg.Engine.Threshold)
	}
	if cfg.Engine.Fusion != "max" {
		t.Errorf("expected default fusion 'max', got '%s'", cfg.Engine.Fusion)
	}
	if cfg.Scan.Concurrency != 8 {
		t.Errorf("expected default concurrency 8, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scan.IdentityTimeout != 10*time.Second {
		t.Errorf("expected default identity timeout 10s, got %s", cfg.Scan.IdentityTimeout)
	}
	if len(cfg.Engine.ScaleFactors) != 3 || cfg.Engine.ScaleFactors[0] != 1.1 {
		t.Errorf("expected default scale factors [1.1 1.2 1.3], got %v", cfg.Engine.ScaleFactors)
	}
	if cfg.Engine.MaxPixels != 40_000_000 {
		t.Errorf("expected default pixel limit 40000000, got %d", cfg.Engine.MaxPixels)
	}
	if cfg.Database.MaxOpenConns != 25 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("expected pool sizes 25/5, got %d/%d", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv("FACEGATE_THRESHOLD", "0.75")
	t.Setenv("FACEGATE_STRATEGY", "embedding")
	t.Setenv("FACEGATE_ALIGN", "false")
	t.Setenv("FACEGATE_SCALE_FACTORS", "1.05, 1.25")
	t.Setenv("SCAN_POLICY", "best_of_corpus")
	t.Setenv("SCAN_IDENTITY_TIMEOUT", "2s")
	t.Setenv("EMBEDDING_DIM", "128")

	cfg := mustLoad(t)

	if cfg.Engine.Threshold != 0.75 {
		t.Errorf("expected threshold 0.75, got %v", cfg.Engine.Threshold)
	}
	if cfg.Engine.Strategy != "embedding" {
		t.Errorf("expected strategy 'embedding', got '%s'", cfg.Engine.Strategy)
	}
	if cfg.Engine.Align {
		t.Error("expected alignment disabled")
	}
	if len(cfg.Engine.ScaleFactors) != 2 || cfg.Engine.ScaleFactors[1] != 1.25 {
		t.Errorf("expected scale factors [1.05 1.25], got %v", cfg.Engine.ScaleFactors)
	}
	if cfg.Scan.Policy != "best_of_corpus" {
		t.Errorf("expected policy 'best_of_corpus', got '%s'", cfg.Scan.Policy)
	}
	if cfg.Scan.IdentityTimeout != 2*time.Second {
		t.Errorf("expected identity timeout 2s, got %s", cfg.Scan.IdentityTimeout)
	}
	if cfg.Embedding.Dim != 128 {
		t.Errorf("expected embedding dim 128, got %d", cfg.Embedding.Dim)
	}
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv("SCAN_CONCURRENCY", "-3")
	t.Setenv("SCAN_IDENTITY_TIMEOUT", "soon")
	t.Setenv("FACEGATE_ALIGN", "maybe")
	t.Setenv("FACEGATE_SCALE_FACTORS", "1.1,x")

	cfg := mustLoad(t)

	if cfg.Scan.Concurrency != 8 {
		t.Errorf("expected concurrency 8 for invalid input, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scan.IdentityTimeout != 10*time.Second {
		t.Errorf("expected identity timeout 10s for invalid input, got %s", cfg.Scan.IdentityTimeout)
	}
	if !cfg.Engine.Align {
		t.Error("expected alignment to stay enabled for invalid input")
	}
	if len(cfg.Engine.ScaleFactors) != 3 {
		t.Errorf("expected default scale factors for invalid input, got %v", cfg.Engine.ScaleFactors)
	}
}

func TestLoad_ConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	overlay := `
engine:
  fusion: weighted
  weights:
    ssim: 2.0
scan:
  concurrency: 3
cache:
  backend: memory
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnv, path)
	os.Unsetenv("SCAN_CONCURRENCY")
	os.Unsetenv("CACHE_BACKEND")

	cfg := mustLoad(t)

	if cfg.Engine.Fusion != "weighted" {
		t.Errorf("expected fusion 'weighted', got '%s'", cfg.Engine.Fusion)
	}
	if cfg.Engine.Weights["ssim"] != 2.0 {
		t.Errorf("expected ssim weight 2.0, got %v", cfg.Engine.Weights["ssim"])
	}
	// Keys missing from the overlay keep their defaults.
	if cfg.Engine.Weights["template"] != 1.0 {
		t.Errorf("expected template weight 1.0, got %v", cfg.Engine.Weights["template"])
	}
	if cfg.Scan.Concurrency != 3 {
		t.Errorf("expected concurrency 3, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected cache backend 'memory', got '%s'", cfg.Cache.Backend)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv(ConfigEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv(ConfigEnv, "")

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold above one", func(c *Config) { c.Engine.Threshold = 1.2 }, "engine.threshold"},
		{"negative threshold", func(c *Config) { c.Engine.Threshold = -0.1 }, "engine.threshold"},
		{"unknown fusion", func(c *Config) { c.Engine.Fusion = "min" }, "engine.fusion"},
		{"negative weight", func(c *Config) { c.Engine.Weights["mse"] = -1 }, "engine.weights.mse"},
		{"tiny crop", func(c *Config) { c.Engine.CropSize = 8 }, "engine.crop_size"},
		{"negative pixel limit", func(c *Config) { c.Engine.MaxPixels = -1 }, "engine.max_pixels"},
		{"scale factor of one", func(c *Config) { c.Engine.ScaleFactors = []float64{1} }, "engine.scale_factors"},
		{"unknown policy", func(c *Config) { c.Scan.Policy = "first" }, "scan.policy"},
		{"zero concurrency", func(c *Config) { c.Scan.Concurrency = 0 }, "scan.concurrency"},
		{"postgres without url", func(c *Config) { c.Cache.Backend = "postgres"; c.Database.URL = "" }, "database.url"},
		{"mongo without uri", func(c *Config) { c.Directory.Backend = "mongo"; c.Mongo.URI = "" }, "mongo.uri"},
		{"azure without credentials", func(c *Config) {
			c.Blob.Backend = "azure"
			c.Blob.ConnectionString = ""
			c.Blob.AccountName = ""
		}, "blob: azure"},
		{"embedding backend", func(c *Config) { c.Engine.Strategy = "embedding"; c.Embedding.Backend = "onnx" }, "embedding.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustLoad(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("FACEGATE_TEST_LIST", " a, ,b ,c,")

	got := envList("FACEGATE_TEST_LIST")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("expected [a b c], got %v", got)
	}
	if envList("FACEGATE_TEST_UNSET") != nil {
		t.Error("expected nil for unset variable")
	}
}
