package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jgarman/partmount/internal/mkfs"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.IO.ZeroChunkSize = 65536
	cfg.Loop.Backend = BackendIoctl
	cfg.Mkfs.Ext4 = mkfs.Tool{Command: "/sbin/mke2fs", Args: []string{"-t", "ext4"}}
	cfg.Mount.ReadOnly = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("config mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"io": {"copy_chunk_size": 1048576}}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IO.CopyChunkSize != 1048576 {
		t.Errorf("CopyChunkSize = %d, want 1048576", cfg.IO.CopyChunkSize)
	}
	if cfg.IO.ZeroChunkSize != Default().IO.ZeroChunkSize {
		t.Errorf("ZeroChunkSize should keep its default, got %d", cfg.IO.ZeroChunkSize)
	}
	if cfg.Loop.Backend != BackendLosetup {
		t.Errorf("Backend = %q, want %q", cfg.Loop.Backend, BackendLosetup)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"bad json":       `{"io": `,
		"zero chunk":     `{"io": {"zero_chunk_size": 0}}`,
		"negative copy":  `{"io": {"copy_chunk_size": -1}}`,
		"unknown loop":   `{"loop": {"backend": "nbd"}}`,
		"empty mkfs cmd": `{"mkfs": {"vfat": {"command": ""}}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvPath, "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}

	t.Setenv(EnvPath, "/tmp/env.json")
	if got := Path(""); got != "/tmp/env.json" {
		t.Errorf("Path() = %q, want env value", got)
	}
	if got := Path("/tmp/flag.json"); got != "/tmp/flag.json" {
		t.Errorf("Path() = %q, flag should win", got)
	}
}
