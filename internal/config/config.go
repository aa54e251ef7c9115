// Package config defines the top-level configuration for the monadier trading
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MONADIER_* environment variables.
type Config struct {
	Operator OperatorConfig `toml:"operator"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Signals  SignalsConfig  `toml:"signals"`
	Entitle  EntitleConfig  `toml:"entitlements"`
	Feed     FeedConfig     `toml:"feed"`
	Trading  TradingConfig  `toml:"trading"`
	Chains   []ChainConfig  `toml:"chain"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// OperatorConfig holds the operator wallet that signs vault transactions.
type OperatorConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters for the ledger.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SignalsConfig holds the signal provider endpoint and acceptance thresholds.
type SignalsConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Strategy       string  `toml:"strategy"`
	MinConfidence  float64 `toml:"min_confidence"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// EntitleConfig holds the subscription service endpoint. An empty base_url
// disables the check and allows every configured wallet to trade, which is
// the right behavior for single-operator deployments.
type EntitleConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// FeedConfig holds the oracle price feed endpoint. An empty ws_url disables
// the in-process feed; prices are then expected to arrive in the cache from
// an external publisher.
type FeedConfig struct {
	WSURL string `toml:"ws_url"`
}

// TradingConfig holds cycle cadences, breaker and cooldown tunables, and the
// trailing-stop step mode.
type TradingConfig struct {
	CycleIntervalSec     int      `toml:"cycle_interval_sec"`
	MonitorIntervalSec   int      `toml:"monitor_interval_sec"`
	ReconcileIntervalSec int      `toml:"reconcile_interval_sec"`
	FeeSweepIntervalSec  int      `toml:"fee_sweep_interval_sec"`
	CooldownSec          int      `toml:"cooldown_sec"`
	BreakerThreshold     int      `toml:"breaker_threshold"`
	BreakerQuietSec      int      `toml:"breaker_quiet_sec"`
	MaxPriceAgeSec       int      `toml:"max_price_age_sec"`
	ProfitLockPercent    float64  `toml:"profit_lock_percent"`
	StepMode             string   `toml:"step_mode"` // "continuous" or "stepped"
	StepSizePercent      float64  `toml:"step_size_percent"`
	FeePercent           float64  `toml:"fee_percent"` // performance fee on realized profit
	ReversalConfidence   float64  `toml:"reversal_confidence"`
	ArchiveAfterDays     int      `toml:"archive_after_days"`
	Wallets              []string `toml:"wallets"`
}

// ChainConfig describes one chain and its vault deployment.
type ChainConfig struct {
	ID           int64    `toml:"id"`
	Name         string   `toml:"name"`
	RPCURL       string   `toml:"rpc_url"`
	VaultAddress string   `toml:"vault_address"`
	VaultVersion int      `toml:"vault_version"`
	MaxPositions int      `toml:"max_positions"`
	Tokens       []string `toml:"tokens"`
	Symbols      []string `toml:"symbols"`
}

// ServerConfig holds the operational HTTP server parameters.
type ServerConfig struct {
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config pre-populated with sane defaults. Load merges the
// TOML file on top of this.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Postgres: PostgresConfig{
			Port:         5432,
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		Signals: SignalsConfig{
			Strategy:       "trend",
			MinConfidence:  60,
			TimeoutSeconds: 10,
		},
		Trading: TradingConfig{
			CycleIntervalSec:     300,
			MonitorIntervalSec:   15,
			ReconcileIntervalSec: 900,
			FeeSweepIntervalSec:  3600,
			CooldownSec:          600,
			BreakerThreshold:     3,
			BreakerQuietSec:      1800,
			MaxPriceAgeSec:       60,
			ProfitLockPercent:    0.5,
			StepMode:             "continuous",
			StepSizePercent:      0.5,
			FeePercent:           10,
			ReversalConfidence:   85,
			ArchiveAfterDays:     30,
		},
		Server: ServerConfig{Port: 8080},
	}
}

// CycleInterval returns the trading cycle cadence as a Duration.
func (t TradingConfig) CycleInterval() time.Duration {
	return time.Duration(t.CycleIntervalSec) * time.Second
}

// MonitorInterval returns the monitoring cadence as a Duration.
func (t TradingConfig) MonitorInterval() time.Duration {
	return time.Duration(t.MonitorIntervalSec) * time.Second
}

// ReconcileInterval returns the reconciliation cadence as a Duration.
func (t TradingConfig) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileIntervalSec) * time.Second
}

// FeeSweepInterval returns the fee sweep cadence as a Duration.
func (t TradingConfig) FeeSweepInterval() time.Duration {
	return time.Duration(t.FeeSweepIntervalSec) * time.Second
}

// Cooldown returns the per-token cooldown window as a Duration.
func (t TradingConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownSec) * time.Second
}

// BreakerQuiet returns the circuit-breaker quiet period as a Duration.
func (t TradingConfig) BreakerQuiet() time.Duration {
	return time.Duration(t.BreakerQuietSec) * time.Second
}

// MaxPriceAge returns the oldest acceptable price sample age.
func (t TradingConfig) MaxPriceAge() time.Duration {
	return time.Duration(t.MaxPriceAgeSec) * time.Second
}

// Chain returns the chain configuration for the given chain ID.
func (c *Config) Chain(id int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Validate checks the configuration for fatal misconfiguration. It returns an
// error describing the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "monitor", "reconcile", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one [[chain]] section is required")
	}
	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("config: chain %q has no id", ch.Name)
		}
		if seen[ch.ID] {
			return fmt.Errorf("config: duplicate chain id %d", ch.ID)
		}
		seen[ch.ID] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("config: chain %d has no rpc_url", ch.ID)
		}
		if ch.VaultAddress == "" {
			return fmt.Errorf("config: chain %d has no vault_address", ch.ID)
		}
		if ch.VaultVersion < 1 || ch.VaultVersion > 2 {
			return fmt.Errorf("config: chain %d has unsupported vault_version %d", ch.ID, ch.VaultVersion)
		}
		if ch.MaxPositions <= 0 {
			return fmt.Errorf("config: chain %d max_positions must be positive", ch.ID)
		}
		if len(ch.Tokens) == 0 {
			return fmt.Errorf("config: chain %d has no tradable tokens", ch.ID)
		}
		if len(ch.Symbols) != 0 && len(ch.Symbols) != len(ch.Tokens) {
			return fmt.Errorf("config: chain %d symbols must match tokens", ch.ID)
		}
	}

	switch c.Trading.StepMode {
	case "continuous", "stepped":
	default:
		return fmt.Errorf("config: unsupported step_mode %q", c.Trading.StepMode)
	}
	if c.Trading.StepMode == "stepped" && c.Trading.StepSizePercent <= 0 {
		return fmt.Errorf("config: stepped mode requires positive step_size_percent")
	}
	if c.Trading.BreakerThreshold <= 0 {
		return fmt.Errorf("config: breaker_threshold must be positive")
	}
	if c.Trading.FeePercent < 0 || c.Trading.FeePercent > 100 {
		return fmt.Errorf("config: fee_percent out of range")
	}

	if c.Signals.BaseURL == "" {
		return fmt.Errorf("config: signals base_url is required")
	}
	if c.Operator.PrivateKey == "" && c.Operator.EncryptedKeyPath == "" {
		return fmt.Errorf("config: operator key is required (private_key or encrypted_key_path)")
	}
	return nil
}
