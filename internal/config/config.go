// Package config loads the gateway's TOML configuration file into a
// typed tree: chain-wide settings, the balanced and private RPC tiers,
// and the admin/server listener settings.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// App holds the chain-wide settings from the [app] table.
type App struct {
	ChainID                      uint64  `toml:"chain_id"`
	ResponseCacheCapacity        int     `toml:"response_cache_capacity"`
	PublicRateLimitPerMinute     int     `toml:"public_rate_limit_per_minute"`
	RemoteCounterURL             string  `toml:"remote_counter_url"`
	RemoteCounterPeriodSeconds   int     `toml:"remote_counter_period_seconds"`
	DeferredLimiterCacheSize     int     `toml:"deferred_limiter_cache_size"`
	DeferredLimiterSyncThreshold float64 `toml:"deferred_limiter_sync_threshold"`
	DispatchDeadlineSeconds      int     `toml:"dispatch_deadline_seconds"`
	AllowedHeadLag               uint64  `toml:"allowed_head_lag"`
}

// Backend is one row of [[balanced_rpcs]] or [[private_rpcs]].
type Backend struct {
	Name      string `toml:"name"`
	URL       string `toml:"url"`
	WSURL     string `toml:"ws_url"`
	SoftLimit int64  `toml:"soft_limit"`
	HardLimit uint64 `toml:"hard_limit"`
	Backup    bool   `toml:"backup"`
	Tier      int    `toml:"tier"`
}

// Admin holds the [admin] table: the separate health/metrics listener.
type Admin struct {
	Addr        string `toml:"addr"`
	EnablePprof bool   `toml:"enable_pprof"`
}

// Server holds the [server] table: the main listener's TLS posture.
type Server struct {
	Addr                string `toml:"addr"`
	TLSCert             string `toml:"tls_cert"`
	TLSKey              string `toml:"tls_key"`
	SelfSignedIfMissing bool   `toml:"self_signed_if_missing"`
}

// Config is the full parsed TOML tree.
type Config struct {
	App          App       `toml:"app"`
	BalancedRPCs []Backend `toml:"balanced_rpcs"`
	PrivateRPCs  []Backend `toml:"private_rpcs"`
	Admin        Admin     `toml:"admin"`
	Server       Server    `toml:"server"`
}

// Load parses path and fills in defaults for any field the file left
// at its zero value.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.ResponseCacheCapacity <= 0 {
		c.App.ResponseCacheCapacity = 1024
	}
	if c.App.PublicRateLimitPerMinute <= 0 {
		c.App.PublicRateLimitPerMinute = 60
	}
	if c.App.RemoteCounterPeriodSeconds <= 0 {
		c.App.RemoteCounterPeriodSeconds = 60
	}
	if c.App.DeferredLimiterCacheSize <= 0 {
		c.App.DeferredLimiterCacheSize = 10000
	}
	if c.App.DeferredLimiterSyncThreshold <= 0 {
		c.App.DeferredLimiterSyncThreshold = 0.99
	}
	if c.App.DispatchDeadlineSeconds <= 0 {
		c.App.DispatchDeadlineSeconds = 30
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":9090"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8545"
	}
	for i := range c.BalancedRPCs {
		if c.BalancedRPCs[i].Name == "" {
			c.BalancedRPCs[i].Name = fmt.Sprintf("balanced-%d", i)
		}
	}
	for i := range c.PrivateRPCs {
		if c.PrivateRPCs[i].Name == "" {
			c.PrivateRPCs[i].Name = fmt.Sprintf("private-%d", i)
		}
	}
}

func (c *Config) validate() error {
	if c.App.ChainID == 0 {
		return fmt.Errorf("config: app.chain_id is required")
	}
	if len(c.BalancedRPCs) == 0 {
		return fmt.Errorf("config: at least one [[balanced_rpcs]] entry is required")
	}
	for _, b := range c.BalancedRPCs {
		if b.URL == "" {
			return fmt.Errorf("config: balanced_rpcs entry %q missing url", b.Name)
		}
	}
	for _, b := range c.PrivateRPCs {
		if b.URL == "" {
			return fmt.Errorf("config: private_rpcs entry %q missing url", b.Name)
		}
	}
	return nil
}
