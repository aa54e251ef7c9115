package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
)

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Operator.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"
	cfg.Signals.BaseURL = "https://signals.example.com"
	cfg.Chains = []config.ChainConfig{{
		ID:           8453,
		Name:         "base",
		RPCURL:       "https://rpc.example.com",
		VaultAddress: "0x1111111111111111111111111111111111111111",
		VaultVersion: 2,
		MaxPositions: 3,
		Tokens:       []string{"0xaaa"},
		Symbols:      []string{"AAA"},
	}}
	return cfg
}

func TestValidateAccepts(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown mode", func(c *config.Config) { c.Mode = "archive" }},
		{"no chains", func(c *config.Config) { c.Chains = nil }},
		{"chain without id", func(c *config.Config) { c.Chains[0].ID = 0 }},
		{"duplicate chain id", func(c *config.Config) { c.Chains = append(c.Chains, c.Chains[0]) }},
		{"chain without rpc", func(c *config.Config) { c.Chains[0].RPCURL = "" }},
		{"chain without vault", func(c *config.Config) { c.Chains[0].VaultAddress = "" }},
		{"unknown vault version", func(c *config.Config) { c.Chains[0].VaultVersion = 3 }},
		{"zero capacity", func(c *config.Config) { c.Chains[0].MaxPositions = 0 }},
		{"no tokens", func(c *config.Config) { c.Chains[0].Tokens = nil }},
		{"symbols mismatch", func(c *config.Config) { c.Chains[0].Symbols = []string{"A", "B"} }},
		{"unknown step mode", func(c *config.Config) { c.Trading.StepMode = "ladder" }},
		{"stepped without step size", func(c *config.Config) {
			c.Trading.StepMode = "stepped"
			c.Trading.StepSizePercent = 0
		}},
		{"zero breaker threshold", func(c *config.Config) { c.Trading.BreakerThreshold = 0 }},
		{"fee over 100", func(c *config.Config) { c.Trading.FeePercent = 101 }},
		{"no signals url", func(c *config.Config) { c.Signals.BaseURL = "" }},
		{"no operator key", func(c *config.Config) {
			c.Operator.PrivateKey = ""
			c.Operator.EncryptedKeyPath = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted a config with %s", tc.name)
			}
		})
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "monitor"

[trading]
monitor_interval_sec = 5

[[chain]]
id = 8453
rpc_url = "https://rpc.example.com"
vault_address = "0x1111111111111111111111111111111111111111"
vault_version = 1
max_positions = 2
tokens = ["0xaaa"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Trading.MonitorIntervalSec != 5 {
		t.Errorf("monitor interval = %d, want 5", cfg.Trading.MonitorIntervalSec)
	}
	// Untouched fields keep their defaults.
	if cfg.Trading.CycleIntervalSec != 300 {
		t.Errorf("cycle interval = %d, want default 300", cfg.Trading.CycleIntervalSec)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q, want default", cfg.Redis.Addr)
	}
	if len(cfg.Chains) != 1 || cfg.Chains[0].ID != 8453 {
		t.Errorf("chains = %+v, want one chain 8453", cfg.Chains)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[postgres]
password = "from-file"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MONADIER_POSTGRES_PASSWORD", "from-env")
	t.Setenv("MONADIER_MODE", "reconcile")
	t.Setenv("MONADIER_SERVER_PORT", "9090")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Postgres.Password != "from-env" {
		t.Errorf("postgres password = %q, want env override", cfg.Postgres.Password)
	}
	if cfg.Mode != "reconcile" {
		t.Errorf("mode = %q, want reconcile", cfg.Mode)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.Server.Port)
	}
}

func TestIntervalHelpers(t *testing.T) {
	tr := config.TradingConfig{CycleIntervalSec: 300, CooldownSec: 600}
	if tr.CycleInterval().Seconds() != 300 {
		t.Errorf("cycle interval = %v", tr.CycleInterval())
	}
	if tr.Cooldown().Minutes() != 10 {
		t.Errorf("cooldown = %v", tr.Cooldown())
	}
}
