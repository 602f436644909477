package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("database:\n  dsn: \"file:test.db\"\nqueue:\n  attempts: 3\n  backoff: 500ms\n")
	if errWrite := os.WriteFile(path, content, 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != "file:test.db" {
		t.Fatalf("unexpected dsn %q", cfg.Database.DSN)
	}
	if cfg.Queue.Attempts != 3 {
		t.Fatalf("expected attempts 3, got %d", cfg.Queue.Attempts)
	}
	if cfg.Queue.Backoff != 500*time.Millisecond {
		t.Fatalf("expected backoff 500ms, got %s", cfg.Queue.Backoff)
	}
	if cfg.Queue.KeepCompleted != defaultKeepCompleted || cfg.Queue.Concurrency != defaultQueueConcurrency {
		t.Fatalf("expected queue defaults, got %+v", cfg.Queue)
	}
	if cfg.Recompute.PageSize != defaultRecomputePageSize {
		t.Fatalf("expected page size default, got %d", cfg.Recompute.PageSize)
	}
	if cfg.HTTP.Listen != defaultListen {
		t.Fatalf("expected listen default, got %s", cfg.HTTP.Listen)
	}
}

func TestLoadEnvOverridesMissingFile(t *testing.T) {
	t.Setenv("PADRON_DATABASE_DSN", "file:env.db")
	t.Setenv("PADRON_REDIS_ADDR", "redis:6380")

	cfg, errLoad := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Database.DSN != "file:env.db" || cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("PADRON_DATABASE_DSN", "")
	if _, errLoad := Load(filepath.Join(t.TempDir(), "absent.yaml")); errLoad == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("PADRON_CONFIG", "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %s", got)
	}
	t.Setenv("PADRON_CONFIG", "/etc/padron.yaml")
	if got := ResolveConfigPath(" "); got != "/etc/padron.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
	if got := ResolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Fatalf("expected explicit path, got %s", got)
	}
}
