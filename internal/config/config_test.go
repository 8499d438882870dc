package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SICC.AutoApproveThreshold != 0.9 {
		t.Errorf("expected auto approve 0.9, got %v", cfg.SICC.AutoApproveThreshold)
	}
	if cfg.SICC.ManualReviewThreshold != 0.7 {
		t.Errorf("expected manual review 0.7, got %v", cfg.SICC.ManualReviewThreshold)
	}
	if cfg.SICC.MaxMemoryChunks != 10000 {
		t.Errorf("expected max memory chunks 10000, got %d", cfg.SICC.MaxMemoryChunks)
	}
	if cfg.Embedding.Model != "gte-small" || cfg.Embedding.Dimension != 384 {
		t.Errorf("unexpected embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Registry.SyncInterval != 60*time.Second {
		t.Errorf("expected registry sync 60s, got %v", cfg.Registry.SyncInterval)
	}
	if cfg.Orchestrator.TokenBudget != 8000 {
		t.Errorf("expected token budget 8000, got %d", cfg.Orchestrator.TokenBudget)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SICC.ManualReviewThreshold = 0.9
	cfg.SICC.AutoApproveThreshold = 0.9

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for equal thresholds, got %v", err)
	}
}

func TestValidateRejectsUnknownSimilarity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.SimilarityAlgorithm = "dot"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	data := `{"sicc":{"autoApproveThreshold":0.95,"manualReviewThreshold":0.6},"model":{"name":"gpt-test"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVOFLOW_CONFIG", path)
	t.Setenv("CONVOFLOW_ENV_FILE", filepath.Join(tmpDir, "missing.env"))
	t.Setenv("CONVOFLOW_MODEL_MODEL", "gpt-env")
	t.Setenv("CONVOFLOW_REGISTRY_SYNC_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SICC.AutoApproveThreshold != 0.95 || cfg.SICC.ManualReviewThreshold != 0.6 {
		t.Errorf("file thresholds not applied: %+v", cfg.SICC)
	}
	if cfg.Model.Name != "gpt-env" {
		t.Errorf("expected env override gpt-env, got %s", cfg.Model.Name)
	}
	if cfg.Registry.SyncInterval != 5*time.Second {
		t.Errorf("expected 5s sync interval, got %v", cfg.Registry.SyncInterval)
	}
	if cfg.SICC.BatchSize != 10 {
		t.Errorf("unset fields should keep defaults, got batch size %d", cfg.SICC.BatchSize)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	data := `{"sicc":{"autoApproveThreshold":0.5,"manualReviewThreshold":0.6}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVOFLOW_CONFIG", path)

	if _, err := Load(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, "env")
	content := "# comment\nexport CONVOFLOW_TEST_A=\"from-file\"\nCONVOFLOW_TEST_B=file-b\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVOFLOW_TEST_B", "process-b")
	t.Setenv("CONVOFLOW_TEST_A", "")
	os.Unsetenv("CONVOFLOW_TEST_A")

	if err := applyEnvFile(envPath); err != nil {
		t.Fatalf("applyEnvFile: %v", err)
	}
	if got := os.Getenv("CONVOFLOW_TEST_A"); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
	if got := os.Getenv("CONVOFLOW_TEST_B"); got != "process-b" {
		t.Errorf("expected process-b, got %q", got)
	}
	os.Unsetenv("CONVOFLOW_TEST_A")
}
