package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("pairing.secret", "shared")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SyncInterval != 5*time.Minute || cfg.SyncTimeout != 30*time.Second {
		t.Fatalf("unexpected sync durations %v %v", cfg.SyncInterval, cfg.SyncTimeout)
	}
	if cfg.SyncPeerConcurrency != 1 || cfg.SyncConcurrency != 8 {
		t.Fatalf("unexpected concurrency %d %d", cfg.SyncPeerConcurrency, cfg.SyncConcurrency)
	}
	if cfg.SyncTombstoneRetention != 720*time.Hour {
		t.Fatalf("unexpected retention %v", cfg.SyncTombstoneRetention)
	}
}

func TestLoadRequiresPairingSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected missing pairing secret to fail")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BLUENOTE_PAIRING_SECRET", "from-env")
	t.Setenv("BLUENOTE_SYNC_TIMEOUT", "5s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PairingSecret != "from-env" || cfg.SyncTimeout != 5*time.Second {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestReadFileMergesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bluenote.yaml")
	content := "pairing:\n  secret: from-file\ndevice:\n  name: desk\nsync:\n  peer_concurrency: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	configViper := NewViper()
	if err := ReadFile(configViper, path); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DeviceName != "desk" || cfg.SyncPeerConcurrency != 2 || cfg.PairingSecret != "from-file" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	configViper := NewViper()
	configViper.Set("pairing.secret", "shared")
	configViper.Set("sync.peer_concurrency", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected zero peer concurrency to fail")
	}
}
