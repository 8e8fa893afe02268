package common

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if got := config.FeatureWeights.Sum(); math.Abs(got-1.0) > 0.001 {
		t.Errorf("default feature weights sum = %v, want 1.0", got)
	}
	if config.Similarity.SkipLLMThreshold != 0.98 {
		t.Errorf("skip_llm_threshold = %v, want 0.98", config.Similarity.SkipLLMThreshold)
	}
	if config.Security.MaxEmailSizeMB != 25 {
		t.Errorf("max_email_size_mb = %d, want 25", config.Security.MaxEmailSizeMB)
	}
	if config.Archive.Layout != "v2" {
		t.Errorf("archive layout = %q, want v2", config.Archive.Layout)
	}
	if config.Storage.MaxWorkflows != 100 {
		t.Errorf("max_workflows = %d, want 100", config.Storage.MaxWorkflows)
	}
	if config.PDF.Engine != "builtin" {
		t.Errorf("pdf engine = %q, want builtin", config.PDF.Engine)
	}
}

func TestFeatureWeightsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		weights FeatureWeights
		wantSum float64
	}{
		{"already normalized", FeatureWeights{0.30, 0.25, 0.20, 0.15, 0.10}, 1.0},
		{"within tolerance untouched", FeatureWeights{0.30, 0.25, 0.20, 0.15, 0.105}, 1.005},
		{"drifted rescales", FeatureWeights{0.6, 0.5, 0.4, 0.3, 0.2}, 1.0},
		{"tiny weights rescale", FeatureWeights{0.03, 0.025, 0.02, 0.015, 0.01}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.weights
			w.Normalize()
			if got := w.Sum(); math.Abs(got-tt.wantSum) > 0.0001 {
				t.Errorf("sum after Normalize = %v, want %v", got, tt.wantSum)
			}
		})
	}
}

func TestFeatureWeightsNormalize_ZeroResetsToDefaults(t *testing.T) {
	w := FeatureWeights{}
	w.Normalize()
	defaults := NewDefaultConfig().FeatureWeights
	if w != defaults {
		t.Errorf("zero weights after Normalize = %+v, want defaults %+v", w, defaults)
	}
}

func TestFeatureWeightsNormalize_PreservesRatios(t *testing.T) {
	w := FeatureWeights{FromDomain: 3, Subject: 2.5, HasPDF: 2, Body: 1.5, To: 1}
	w.Normalize()
	if math.Abs(w.FromDomain-0.30) > 0.0001 {
		t.Errorf("from_domain = %v, want 0.30", w.FromDomain)
	}
	if math.Abs(w.To-0.10) > 0.0001 {
		t.Errorf("to = %v, want 0.10", w.To)
	}
}

func TestLoadFromFiles_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arca.toml")
	content := `
[archive]
base_path = "/srv/archive"

[similarity]
min_threshold = 0.6

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := LoadFromFiles(nil, path)
	if err != nil {
		t.Fatalf("LoadFromFiles() error = %v", err)
	}

	if config.Archive.BasePath != "/srv/archive" {
		t.Errorf("base_path = %q, want /srv/archive", config.Archive.BasePath)
	}
	if config.Similarity.MinThreshold != 0.6 {
		t.Errorf("min_threshold = %v, want 0.6", config.Similarity.MinThreshold)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", config.Logging.Level)
	}
	// Untouched sections keep defaults
	if config.Security.MaxEmailSizeMB != 25 {
		t.Errorf("max_email_size_mb = %d, want default 25", config.Security.MaxEmailSizeMB)
	}
}

func TestLoadFromFiles_MissingFileFails(t *testing.T) {
	_, err := LoadFromFiles(nil, "/nonexistent/arca.toml")
	if err == nil {
		t.Fatal("LoadFromFiles() expected error for missing file")
	}
}

func TestLoadFromFiles_InvalidFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arca.toml")
	if err := os.WriteFile(path, []byte("this is { not toml ["), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := LoadFromFiles(nil, path)
	if err != nil {
		t.Fatalf("LoadFromFiles() error = %v, want defaults restore", err)
	}

	// Defaults restored
	if config.Archive.BasePath != "./archive" {
		t.Errorf("base_path = %q, want default ./archive", config.Archive.BasePath)
	}

	// Original renamed aside
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("invalid config file still present at %s", path)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "arca.toml.invalid-") {
			found = true
		}
	}
	if !found {
		t.Error("expected arca.toml.invalid-* backup file")
	}
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("ARCA_LOG_LEVEL", "warn")
	t.Setenv("ARCA_ARCHIVE_BASE_PATH", "/tmp/env-archive")
	t.Setenv("ARCA_SECURITY_MAX_EMAIL_SIZE_MB", "50")
	t.Setenv("ARCA_LLM_ENABLED", "false")

	config, err := LoadFromFiles(nil)
	if err != nil {
		t.Fatalf("LoadFromFiles() error = %v", err)
	}

	if config.Logging.Level != "warn" {
		t.Errorf("level = %q, want warn", config.Logging.Level)
	}
	if config.Archive.BasePath != "/tmp/env-archive" {
		t.Errorf("base_path = %q, want /tmp/env-archive", config.Archive.BasePath)
	}
	if config.Security.MaxEmailSizeMB != 50 {
		t.Errorf("max_email_size_mb = %d, want 50", config.Security.MaxEmailSizeMB)
	}
	if config.LLM.Enabled {
		t.Error("llm.enabled = true, want false from env")
	}
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arca.toml")
	content := `
[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("ARCA_LOG_LEVEL", "error")

	config, err := LoadFromFiles(nil, path)
	if err != nil {
		t.Fatalf("LoadFromFiles() error = %v", err)
	}
	if config.Logging.Level != "error" {
		t.Errorf("level = %q, want error (env wins over file)", config.Logging.Level)
	}
}

func TestLoadFromFiles_WeightsRenormalizedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arca.toml")
	content := `
[feature_weights]
from_domain = 0.6
subject = 0.5
has_pdf = 0.4
body = 0.3
to = 0.2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := LoadFromFiles(nil, path)
	if err != nil {
		t.Fatalf("LoadFromFiles() error = %v", err)
	}
	if got := config.FeatureWeights.Sum(); math.Abs(got-1.0) > 0.0001 {
		t.Errorf("weights sum after load = %v, want 1.0", got)
	}
	if math.Abs(config.FeatureWeights.FromDomain-0.3) > 0.0001 {
		t.Errorf("from_domain = %v, want 0.3", config.FeatureWeights.FromDomain)
	}
}

func TestConfigNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad layout", func(c *Config) { c.Archive.Layout = "v1" }},
		{"empty base path", func(c *Config) { c.Archive.BasePath = "" }},
		{"threshold above one", func(c *Config) { c.Similarity.MinThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Classifier.GateMinConfidence = -0.1 }},
		{"unknown pdf engine", func(c *Config) { c.PDF.Engine = "wkhtmltopdf" }},
		{"unknown provider", func(c *Config) { c.LLM.DefaultProvider = "openai" }},
		{"unknown model alias", func(c *Config) { c.LLM.ModelAlias = "turbo" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			if err := config.Normalize(); err == nil {
				t.Error("Normalize() expected error")
			}
		})
	}
}

func TestConfigNormalize_ClampsAndDefaults(t *testing.T) {
	config := NewDefaultConfig()
	config.Security.MaxEmailSizeMB = 0
	config.Storage.MaxWorkflows = 500
	config.PDF.Engine = ""

	if err := config.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if config.Security.MaxEmailSizeMB != 25 {
		t.Errorf("max_email_size_mb = %d, want 25", config.Security.MaxEmailSizeMB)
	}
	if config.Storage.MaxWorkflows != 100 {
		t.Errorf("max_workflows = %d, want clamped 100", config.Storage.MaxWorkflows)
	}
	if config.PDF.Engine != "builtin" {
		t.Errorf("pdf engine = %q, want builtin", config.PDF.Engine)
	}
}

func TestResolveAPIKey(t *testing.T) {
	ctx := t.Context()

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-env")
		key, err := ResolveAPIKey(ctx, nil, "anthropic_api_key", "sk-config")
		if err != nil {
			t.Fatalf("ResolveAPIKey() error = %v", err)
		}
		if key != "sk-env" {
			t.Errorf("key = %q, want sk-env", key)
		}
	})

	t.Run("prefixed env wins over bare", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-bare")
		t.Setenv("ARCA_CLAUDE_API_KEY", "sk-prefixed")
		key, err := ResolveAPIKey(ctx, nil, "anthropic_api_key", "")
		if err != nil {
			t.Fatalf("ResolveAPIKey() error = %v", err)
		}
		if key != "sk-prefixed" {
			t.Errorf("key = %q, want sk-prefixed", key)
		}
	})

	t.Run("config fallback", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("ARCA_GEMINI_API_KEY", "")
		key, err := ResolveAPIKey(ctx, nil, "gemini_api_key", "sk-config")
		if err != nil {
			t.Fatalf("ResolveAPIKey() error = %v", err)
		}
		if key != "sk-config" {
			t.Errorf("key = %q, want sk-config", key)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		_, err := ResolveAPIKey(ctx, nil, "unknown_key", "")
		if err == nil {
			t.Error("ResolveAPIKey() expected error")
		}
	})
}

func TestParseDurationOr(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback time.Duration
		want     time.Duration
	}{
		{"valid", "30s", time.Minute, 30 * time.Second},
		{"empty uses fallback", "", time.Minute, time.Minute},
		{"garbage uses fallback", "soon", time.Minute, time.Minute},
		{"complex", "1m30s", time.Minute, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDurationOr(tt.value, tt.fallback); got != tt.want {
				t.Errorf("ParseDurationOr(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestDeepCloneConfig(t *testing.T) {
	original := NewDefaultConfig()
	original.Sources.Slack.Channels = []string{"receipts", "invoices"}

	clone := DeepCloneConfig(original)
	clone.Archive.BasePath = "/elsewhere"
	clone.Logging.Output[0] = "null"
	clone.Sources.Slack.Channels[0] = "mutated"

	if original.Archive.BasePath == "/elsewhere" {
		t.Error("clone mutation leaked into original base_path")
	}
	if original.Logging.Output[0] == "null" {
		t.Error("clone mutation leaked into original logging output")
	}
	if original.Sources.Slack.Channels[0] == "mutated" {
		t.Error("clone mutation leaked into original slack channels")
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"prod", true},
		{"PRODUCTION", true},
		{"development", false},
		{"", false},
	}

	for _, tt := range tests {
		config := &Config{Environment: tt.env}
		if got := config.IsProduction(); got != tt.want {
			t.Errorf("IsProduction(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}
