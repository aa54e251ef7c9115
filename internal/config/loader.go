package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MONADIER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MONADIER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MONADIER_MODE")
	setStr(&cfg.LogLevel, "MONADIER_LOG_LEVEL")

	setStr(&cfg.Operator.PrivateKey, "MONADIER_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "MONADIER_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "MONADIER_OPERATOR_KEY_PASSWORD")

	setStr(&cfg.Postgres.DSN, "MONADIER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MONADIER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MONADIER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MONADIER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MONADIER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MONADIER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MONADIER_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "MONADIER_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "MONADIER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MONADIER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MONADIER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "MONADIER_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "MONADIER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MONADIER_S3_REGION")
	setStr(&cfg.S3.Bucket, "MONADIER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MONADIER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MONADIER_S3_SECRET_KEY")

	setStr(&cfg.Signals.BaseURL, "MONADIER_SIGNALS_BASE_URL")
	setStr(&cfg.Signals.APIKey, "MONADIER_SIGNALS_API_KEY")
	setStr(&cfg.Signals.Strategy, "MONADIER_SIGNALS_STRATEGY")
	setFloat(&cfg.Signals.MinConfidence, "MONADIER_SIGNALS_MIN_CONFIDENCE")

	setInt(&cfg.Server.Port, "MONADIER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MONADIER_SERVER_API_KEY")

	setStr(&cfg.Notify.TelegramToken, "MONADIER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MONADIER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MONADIER_NOTIFY_DISCORD_WEBHOOK_URL")
}

func setStr(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
