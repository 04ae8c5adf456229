package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Processing.Workers < 1 {
		t.Errorf("default workers = %d, want >= 1", cfg.Processing.Workers)
	}
	if cfg.Processing.ChunkZ != 16 || cfg.Processing.ChunkY != 1024 || cfg.Processing.ChunkX != 1024 {
		t.Errorf("default chunk = %d/%d/%d, want 16/1024/1024",
			cfg.Processing.ChunkZ, cfg.Processing.ChunkY, cfg.Processing.ChunkX)
	}
	if cfg.Processing.Factor != 2 {
		t.Errorf("default factor = %d, want 2", cfg.Processing.Factor)
	}
	if cfg.Compression.Algorithm != "zstd" || cfg.Compression.Level != 1 {
		t.Errorf("default compression = %s/%d, want zstd/1",
			cfg.Compression.Algorithm, cfg.Compression.Level)
	}
	if cfg.Geometry.Unit != "micrometer" {
		t.Errorf("default unit = %q, want micrometer", cfg.Geometry.Unit)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	if cfg.Processing.Factor != 2 {
		t.Error("missing file did not fall back to defaults")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 7
	cfg.Processing.ChunkZ = 32
	cfg.Compression.Algorithm = "gzip"
	cfg.Compression.Level = 6
	cfg.Geometry.VoxelZ = 2.5
	cfg.Output.Verbose = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if back.Processing.Workers != 7 || back.Processing.ChunkZ != 32 {
		t.Errorf("processing lost: %+v", back.Processing)
	}
	if back.Compression.Algorithm != "gzip" || back.Compression.Level != 6 {
		t.Errorf("compression lost: %+v", back.Compression)
	}
	if back.Geometry.VoxelZ != 2.5 {
		t.Errorf("geometry lost: %+v", back.Geometry)
	}
	if back.Output.Verbose {
		t.Error("verbose flag lost")
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "processing:\n  workers: 3\ncompression:\n  algorithm: none\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Processing.Workers != 3 {
		t.Errorf("workers = %d, want 3 from file", cfg.Processing.Workers)
	}
	if cfg.Compression.Algorithm != "none" {
		t.Errorf("algorithm = %q, want none from file", cfg.Compression.Algorithm)
	}
	// Unset keys keep their defaults.
	if cfg.Processing.ChunkY != 1024 {
		t.Errorf("chunkY = %d, want default 1024", cfg.Processing.ChunkY)
	}
	if cfg.Geometry.Unit != "micrometer" {
		t.Errorf("unit = %q, want default micrometer", cfg.Geometry.Unit)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("processing: [not a map"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML did not fail")
	}
}
