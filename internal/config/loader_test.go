package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.Embedding.Dimension != 768 {
		t.Errorf("dimension = %d, want default 768", cfg.Memory.Embedding.Dimension)
	}
	if !cfg.Channels.CLI.Enabled {
		t.Error("CLI channel should be enabled by default")
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
workspace: /tmp/ws
memory:
  embedding:
    dimension: 384
  broker:
    group_commit_ms: 10
bots:
  - name: researcher
    role: research
`)
	cfg, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Memory.Embedding.Dimension != 384 {
		t.Errorf("dimension = %d", cfg.Memory.Embedding.Dimension)
	}
	if cfg.Memory.Broker.GroupCommitMS != 10 {
		t.Errorf("group_commit_ms = %d", cfg.Memory.Broker.GroupCommitMS)
	}
	// Untouched sections keep their defaults.
	if cfg.Memory.Summary.StalenessThreshold != 10 {
		t.Errorf("staleness_threshold = %d", cfg.Memory.Summary.StalenessThreshold)
	}
	if len(cfg.Bots) != 1 || cfg.Bots[0].Name != "researcher" {
		t.Errorf("bots = %+v", cfg.Bots)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ENSEMBLE_TEST_TOKEN", "tok-123")
	path := writeConfig(t, `
channels:
  telegram:
    enabled: true
    token: ${ENSEMBLE_TEST_TOKEN}
`)
	cfg, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestLoadRejectsBadDimension(t *testing.T) {
	path := writeConfig(t, "memory:\n  embedding:\n    dimension: 512\n")
	if _, err := Load(path, slog.Default()); err == nil {
		t.Fatal("want error for dimension 512")
	}
}

func TestLoadRejectsUnnamedBot(t *testing.T) {
	path := writeConfig(t, "bots:\n  - role: research\n")
	if _, err := Load(path, slog.Default()); err == nil {
		t.Fatal("want error for bot without name")
	}
}

func TestLoadToleratesUnknownKeys(t *testing.T) {
	path := writeConfig(t, "workspace: /tmp/ws\nnot_a_section:\n  foo: 1\n")
	cfg, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("unknown keys should warn, not fail: %v", err)
	}
	if cfg.Workspace != "/tmp/ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
}
