package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.UserID == "" {
		t.Fatalf("expected non-empty user ID")
	}
	if firstCfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("expected default store backend %q, got %q", StoreBackendSQLite, firstCfg.StoreBackend)
	}
	if firstCfg.AuthMode != AuthModeAccounts {
		t.Fatalf("expected default auth mode %q, got %q", AuthModeAccounts, firstCfg.AuthMode)
	}
	if firstCfg.BlobBackend != BlobBackendDir {
		t.Fatalf("expected default blob backend %q, got %q", BlobBackendDir, firstCfg.BlobBackend)
	}
	if firstCfg.CacheDir != filepath.Join(tempDir, "cache") {
		t.Fatalf("unexpected cache dir %q", firstCfg.CacheDir)
	}
	if firstCfg.DataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstCfg.DataDir)
	}
	if firstCfg.SweepEvery() != DefaultSweepInterval {
		t.Fatalf("expected default sweep interval, got %s", firstCfg.SweepEvery())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.UserID != firstCfg.UserID {
		t.Fatalf("expected stable user ID, got %q then %q", firstCfg.UserID, secondCfg.UserID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &Config{
		UserID:        "seller-1",
		StoreBackend:  "SQLite",
		SweepInterval: "5m",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.UserID != "seller-1" {
		t.Fatalf("expected user ID to be retained, got %q", cfg.UserID)
	}
	if cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("expected store backend to normalize to %q, got %q", StoreBackendSQLite, cfg.StoreBackend)
	}
	if cfg.SweepEvery() != 5*time.Minute {
		t.Fatalf("expected retained sweep interval, got %s", cfg.SweepEvery())
	}
	if cfg.MaxAttachmentBytes != DefaultMaxAttachmentBytes {
		t.Fatalf("expected default max attachment size, got %d", cfg.MaxAttachmentBytes)
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected normalized config to be persisted, got listen addr %q", onDisk.ListenAddr)
	}
}

func TestLoadOrCreateAppliesEnvironmentOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	t.Setenv("CARCHAT_LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("CARCHAT_STORE_BACKEND", "redis")
	t.Setenv("CARCHAT_REDIS_ADDR", "localhost:6379")
	t.Setenv("CARCHAT_SWEEP_INTERVAL", "30s")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Fatalf("expected listen addr override, got %q", cfg.ListenAddr)
	}
	if cfg.StoreBackend != StoreBackendRedis || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected redis override, got %q at %q", cfg.StoreBackend, cfg.RedisAddr)
	}
	if cfg.SweepEvery() != 30*time.Second {
		t.Fatalf("expected sweep override, got %s", cfg.SweepEvery())
	}

	onDisk, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if onDisk.ListenAddr != DefaultListenAddr || onDisk.StoreBackend != StoreBackendSQLite {
		t.Fatalf("environment overrides must not be persisted, got %+v", onDisk)
	}
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.StoreBackend = StoreBackendRedis
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected redis backend without address to be rejected")
	}

	cfg = defaultConfig(t.TempDir())
	cfg.BlobBackend = BlobBackendS3
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected s3 backend without bucket to be rejected")
	}

	cfg = defaultConfig(t.TempDir())
	cfg.AuthMode = "oauth"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown auth mode to be rejected")
	}

	cfg = defaultConfig(t.TempDir())
	cfg.StoreBackend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}
