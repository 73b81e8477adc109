package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.AllowAutoCreateRealms {
		t.Fatalf("default allow auto create should be true")
	}
	if cfg.DefaultRealmName != "default" {
		t.Fatalf("default realm name")
	}
	if cfg.HistoryDefaults.ReplayBatchSize != 128 {
		t.Fatalf("replay batch default")
	}
	if cfg.HistoryDefaults.RateWindowSeconds != 5 {
		t.Fatalf("rate window default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "histore.json")
	data := []byte(`{"allowAutoCreateRealms":false,"defaultRealmName":"eu","historyDefaults":{"replayBatchSize":32,"drainBatchSize":16,"rateWindowSeconds":10,"payloadMaxBytes":2048}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AllowAutoCreateRealms {
		t.Fatalf("expected false")
	}
	if cfg.DefaultRealmName != "eu" {
		t.Fatalf("expected eu")
	}
	if cfg.HistoryDefaults.ReplayBatchSize != 32 {
		t.Fatalf("expected 32")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "histore.yaml")
	data := []byte("defaultRealmName: na\nhistoryDefaults:\n  drainBatchSize: 8\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultRealmName != "na" {
		t.Fatalf("expected na, got %q", cfg.DefaultRealmName)
	}
	if cfg.HistoryDefaults.DrainBatchSize != 8 {
		t.Fatalf("expected 8, got %d", cfg.HistoryDefaults.DrainBatchSize)
	}
	// untouched fields keep defaults
	if cfg.HistoryDefaults.ReplayBatchSize != 128 {
		t.Fatalf("expected default replay batch, got %d", cfg.HistoryDefaults.ReplayBatchSize)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("HISTORE_ALLOW_AUTO_CREATE_REALMS", "false")
	os.Setenv("HISTORE_DEFAULT_REALM_NAME", "ptr")
	os.Setenv("HISTORE_REPLAY_BATCH_SIZE", "24")
	t.Cleanup(func() {
		os.Unsetenv("HISTORE_ALLOW_AUTO_CREATE_REALMS")
		os.Unsetenv("HISTORE_DEFAULT_REALM_NAME")
		os.Unsetenv("HISTORE_REPLAY_BATCH_SIZE")
	})
	FromEnv(&cfg)
	if cfg.AllowAutoCreateRealms {
		t.Fatalf("env override bool")
	}
	if cfg.DefaultRealmName != "ptr" {
		t.Fatalf("env override name")
	}
	if cfg.HistoryDefaults.ReplayBatchSize != 24 {
		t.Fatalf("env override batch")
	}
}

func TestDefaultDataDir(t *testing.T) {
	original := os.Getenv("XDG_DATA_HOME")
	os.Setenv("XDG_DATA_HOME", "/custom/data")
	t.Cleanup(func() {
		if original != "" {
			os.Setenv("XDG_DATA_HOME", original)
		} else {
			os.Unsetenv("XDG_DATA_HOME")
		}
	})
	if got := DefaultDataDir(); got != "/custom/data/histore" {
		t.Fatalf("expected XDG path, got %s", got)
	}
}
