package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.SaveInterval != 10*time.Second {
		t.Fatalf("SaveInterval = %v, want 10s", cfg.SaveInterval)
	}
	if cfg.MaxAssetBytes != 10*1024*1024 {
		t.Fatalf("MaxAssetBytes = %d", cfg.MaxAssetBytes)
	}
	if cfg.DrainRetries != 3 {
		t.Fatalf("DrainRetries = %d", cfg.DrainRetries)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ALTAR_SAVE_INTERVAL_MS", "250")
	t.Setenv("ALTAR_CORS_ORIGIN", "https://a.example, https://b.example")
	t.Setenv("ALTAR_SNAPSHOT_BACKEND", "Redis")

	cfg := Load()
	if cfg.SaveInterval != 250*time.Millisecond {
		t.Fatalf("SaveInterval = %v", cfg.SaveInterval)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("CORSOrigins = %#v", cfg.CORSOrigins)
	}
	if cfg.SnapshotBackend != "redis" {
		t.Fatalf("SnapshotBackend = %q", cfg.SnapshotBackend)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "altar.yaml")
	if err := os.WriteFile(path, []byte("API_ADDR: \":9999\"\nS3_BUCKET: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("S3_BUCKET", "from-env")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("Addr = %q, want value from file", cfg.Addr)
	}
	if cfg.S3Bucket != "from-env" {
		t.Fatalf("S3Bucket = %q, want env override", cfg.S3Bucket)
	}
}
