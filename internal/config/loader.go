package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CURVEBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CURVEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.AssetID, "CURVEBOT_ENGINE_ASSET_ID")
	setStr(&cfg.Engine.InitialPhase, "CURVEBOT_ENGINE_INITIAL_PHASE")
	setFloat64(&cfg.Engine.MinConfidence, "CURVEBOT_ENGINE_MIN_CONFIDENCE")
	setStr(&cfg.Engine.SelectionStrategy, "CURVEBOT_ENGINE_SELECTION_STRATEGY")
	setDuration(&cfg.Engine.CycleInterval, "CURVEBOT_ENGINE_CYCLE_INTERVAL")

	// ── Capital ──
	setFloat64(&cfg.Capital.BudgetUSD, "CURVEBOT_CAPITAL_BUDGET_USD")
	setFloat64(&cfg.Capital.PaperBalance, "CURVEBOT_CAPITAL_PAPER_BALANCE")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyVolume, "CURVEBOT_RISK_MAX_DAILY_VOLUME")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "CURVEBOT_RISK_MAX_DRAWDOWN_PCT")
	setInt(&cfg.Risk.MaxTradesPerMinute, "CURVEBOT_RISK_MAX_TRADES_PER_MINUTE")

	// ── Keystore ──
	setStr(&cfg.Keystore.Path, "CURVEBOT_KEYSTORE_PATH")
	setStr(&cfg.Keystore.Passphrase, "CURVEBOT_KEYSTORE_PASSPHRASE")
	setStringSlice(&cfg.Keystore.Actors, "CURVEBOT_KEYSTORE_ACTORS")
	setStringSlice(&cfg.Keystore.Active, "CURVEBOT_KEYSTORE_ACTIVE")

	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "CURVEBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "CURVEBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "CURVEBOT_VENUE_API_SECRET")
	setFloat64(&cfg.Venue.RequestsPerSec, "CURVEBOT_VENUE_REQUESTS_PER_SEC")
	setInt64(&cfg.Venue.PriorityFee, "CURVEBOT_VENUE_PRIORITY_FEE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CURVEBOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CURVEBOT_CHAIN_CHAIN_ID")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "CURVEBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "CURVEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "CURVEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CURVEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CURVEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CURVEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CURVEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CURVEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CURVEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CURVEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CURVEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CURVEBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CURVEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CURVEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CURVEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CURVEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CURVEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CURVEBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CURVEBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CURVEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CURVEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CURVEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CURVEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CURVEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CURVEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CURVEBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CURVEBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "CURVEBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "CURVEBOT_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CURVEBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CURVEBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "CURVEBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CURVEBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "CURVEBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CURVEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CURVEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CURVEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CURVEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CURVEBOT_MODE")
	setStr(&cfg.LogLevel, "CURVEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
