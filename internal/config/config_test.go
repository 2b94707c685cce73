package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		Endpoint:       "https://pulse.example.com",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Endpoint != "https://pulse.example.com" {
		t.Errorf("Endpoint = %q", loaded.Endpoint)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("endpoint = \"https://x\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reconnect.MaxAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Reconnect.MaxAttempts, DefaultMaxReconnectAttempts)
	}
	if cfg.Reconnect.BaseDelayMS != DefaultReconnectBaseDelayMS {
		t.Errorf("BaseDelayMS = %d, want %d", cfg.Reconnect.BaseDelayMS, DefaultReconnectBaseDelayMS)
	}
	if cfg.Feed.PageSize != DefaultFeedPageSize {
		t.Errorf("PageSize = %d, want %d", cfg.Feed.PageSize, DefaultFeedPageSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
