package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
[app]
chain_id = 1
response_cache_capacity = 1024
public_rate_limit_per_minute = 60
remote_counter_url = "redis://127.0.0.1:6379/0"
remote_counter_period_seconds = 60

[[balanced_rpcs]]
url = "https://rpc-a.example.com"
soft_limit = 100
hard_limit = 1000
tier = 0

[[balanced_rpcs]]
url = "https://rpc-b.example.com"
soft_limit = 50
tier = 1

[[private_rpcs]]
url = "https://private-a.example.com"
soft_limit = 20

[admin]
addr = ":9090"
enable_pprof = true

[server]
self_signed_if_missing = true
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesTiersAndDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.ChainID != 1 {
		t.Errorf("expected chain_id 1, got %d", cfg.App.ChainID)
	}
	if len(cfg.BalancedRPCs) != 2 {
		t.Fatalf("expected 2 balanced rpcs, got %d", len(cfg.BalancedRPCs))
	}
	if cfg.BalancedRPCs[0].Tier != 0 || cfg.BalancedRPCs[1].Tier != 1 {
		t.Errorf("expected tiers 0 and 1, got %d and %d", cfg.BalancedRPCs[0].Tier, cfg.BalancedRPCs[1].Tier)
	}
	if len(cfg.PrivateRPCs) != 1 {
		t.Fatalf("expected 1 private rpc, got %d", len(cfg.PrivateRPCs))
	}
	if cfg.App.DeferredLimiterCacheSize != 10000 {
		t.Errorf("expected default cache size 10000, got %d", cfg.App.DeferredLimiterCacheSize)
	}
	if cfg.App.DispatchDeadlineSeconds != 30 {
		t.Errorf("expected default dispatch deadline 30s, got %d", cfg.App.DispatchDeadlineSeconds)
	}
}

func TestLoadRejectsMissingChainID(t *testing.T) {
	path := writeTempConfig(t, `
[[balanced_rpcs]]
url = "https://rpc-a.example.com"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when chain_id is missing")
	}
}

func TestLoadRejectsNoBalancedRPCs(t *testing.T) {
	path := writeTempConfig(t, `
[app]
chain_id = 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when no balanced_rpcs are configured")
	}
}
