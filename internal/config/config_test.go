package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Hub.Port)
	}
	if cfg.Hub.SecretToken != DefaultToken {
		t.Fatalf("token = %q", cfg.Hub.SecretToken)
	}
	if cfg.Relay.HTTPTimeout != 5*time.Second || cfg.Webhooks.Timeout != 10*time.Second {
		t.Fatalf("timeouts = %v / %v", cfg.Relay.HTTPTimeout, cfg.Webhooks.Timeout)
	}
	if cfg.PubSub.TopicPrefix != "fleet" || !cfg.Database.Enabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestSaveThenLoadAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Hub.Port = 4100
	cfg.Hub.MachineID = "hub-test"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	t.Setenv("FLEETHUB_HUB_MACHINE_NAME", "from-env")
	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Hub.Port != 4100 || got.Hub.MachineID != "hub-test" {
		t.Fatalf("reloaded hub = %+v", got.Hub)
	}
	if got.Hub.MachineName != "from-env" {
		t.Fatalf("machine name = %q, want env override", got.Hub.MachineName)
	}
}

func TestRedactedAndBaseURL(t *testing.T) {
	cfg := Config{Hub: HubConfig{Bind: "0.0.0.0", Port: 3000, SecretToken: "s"}}
	if cfg.Redacted().Hub.SecretToken == "s" {
		t.Fatal("secret not redacted")
	}
	if cfg.Hub.SecretToken != "s" {
		t.Fatal("Redacted mutated the receiver")
	}
	if got := cfg.BaseURL(); got != "http://127.0.0.1:3000" {
		t.Fatalf("BaseURL = %q", got)
	}
}
