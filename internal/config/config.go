// Package config defines the top-level configuration for curvebot and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/phase"
	"github.com/alanyoungcy/curvebot/internal/risk"
	"github.com/alanyoungcy/curvebot/internal/signal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CURVEBOT_* environment variables.
type Config struct {
	Engine    EngineConfig             `toml:"engine"`
	Capital   CapitalConfig            `toml:"capital"`
	Risk      RiskConfig               `toml:"risk"`
	Signal    SignalConfig             `toml:"signal"`
	Execution ExecutionConfig          `toml:"execution"`
	Keystore  KeystoreConfig           `toml:"keystore"`
	Venue     VenueConfig              `toml:"venue"`
	Chain     ChainConfig              `toml:"chain"`
	Postgres  PostgresConfig           `toml:"postgres"`
	Redis     RedisConfig              `toml:"redis"`
	S3        S3Config                 `toml:"s3"`
	Archive   ArchiveConfig            `toml:"archive"`
	Server    ServerConfig             `toml:"server"`
	Notify    NotifyConfig             `toml:"notify"`
	Phases    map[string]PhaseOverride `toml:"phases"`
	Mode      string                   `toml:"mode"`
	LogLevel  string                   `toml:"log_level"`
}

// EngineConfig tunes the cycle loop.
type EngineConfig struct {
	AssetID           string   `toml:"asset_id"`
	InitialPhase      string   `toml:"initial_phase"`
	MinConfidence     float64  `toml:"min_confidence"`
	SelectionStrategy string   `toml:"selection_strategy"`
	MinActorBalance   float64  `toml:"min_actor_balance"`
	SubmitTimeout     duration `toml:"submit_timeout"`
	LockTTL           duration `toml:"lock_ttl"`
	// BalanceRefreshEvery re-reads actor balances every N cycles.
	BalanceRefreshEvery int `toml:"balance_refresh_every"`
	// CycleInterval overrides the phase policy interval when non-zero.
	CycleInterval duration `toml:"cycle_interval"`
}

// CapitalConfig holds the trading budget.
type CapitalConfig struct {
	BudgetUSD float64  `toml:"budget_usd"`
	PriceTTL  duration `toml:"price_ttl"`
	// PaperBalance is the starting base balance of each actor in paper mode.
	PaperBalance float64 `toml:"paper_balance"`
}

// RiskConfig mirrors risk.Rules with TOML-friendly durations.
type RiskConfig struct {
	MaxActorExposure     float64  `toml:"max_actor_exposure"`
	MaxAssetExposure     float64  `toml:"max_asset_exposure"`
	MaxTotalExposure     float64  `toml:"max_total_exposure"`
	MaxDailyVolume       float64  `toml:"max_daily_volume"`
	MaxTradesPerMinute   int      `toml:"max_trades_per_minute"`
	MinTradeSpacing      duration `toml:"min_trade_spacing"`
	MaxDrawdownPct       float64  `toml:"max_drawdown_pct"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	MaxSlippagePct       float64  `toml:"max_slippage_pct"`
	StopLossPct          float64  `toml:"stop_loss_pct"`
	RapidChangePct       float64  `toml:"rapid_change_pct"`
	RapidChangeWindow    duration `toml:"rapid_change_window"`
	MaxFailedTx          int      `toml:"max_failed_tx"`
	BreakerCooldown      duration `toml:"breaker_cooldown"`
}

// SignalConfig holds the classifier thresholds.
type SignalConfig struct {
	Lookback             int     `toml:"lookback"`
	SidewaysPct          float64 `toml:"sideways_pct"`
	VolumeLookback       int     `toml:"volume_lookback"`
	VolumeChangePct      float64 `toml:"volume_change_pct"`
	AccumulationRangePct float64 `toml:"accumulation_range_pct"`
	DistributionRangePct float64 `toml:"distribution_range_pct"`
	MomentumPct          float64 `toml:"momentum_pct"`
	PriorTrendPct        float64 `toml:"prior_trend_pct"`
	MinDataPoints        int     `toml:"min_data_points"`
	HistoryCap           int     `toml:"history_cap"`
}

// ExecutionConfig tunes order retries and swap settlement.
type ExecutionConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialDelay    duration `toml:"initial_delay"`
	MaxDelay        duration `toml:"max_delay"`
	Multiplier      float64  `toml:"multiplier"`
	CompletedCap    int      `toml:"completed_cap"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
	ConfirmInterval duration `toml:"confirm_interval"`
	BaseAsset       string   `toml:"base_asset"`
	BaseDecimals    int      `toml:"base_decimals"`
	AssetDecimals   int      `toml:"asset_decimals"`
}

// KeystoreConfig locates the encrypted actor keys.
type KeystoreConfig struct {
	Path       string `toml:"path"`
	Passphrase string `toml:"passphrase"`
	// Actors registers addresses without keys; paper and monitor modes only.
	Actors []string `toml:"actors"`
	// Active restricts trading to these addresses. Empty means all.
	Active []string `toml:"active"`
}

// VenueConfig holds the swap aggregator endpoint and credentials.
type VenueConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	RequestsPerSec float64  `toml:"requests_per_sec"`
	Burst          int      `toml:"burst"`
	Timeout        duration `toml:"timeout"`
	MaxRetries     int      `toml:"max_retries"`
	PriorityFee    int64    `toml:"priority_fee"`
}

// ChainConfig holds the JSON-RPC endpoint.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool     `toml:"enabled"`
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the cold-storage job.
type ArchiveConfig struct {
	Enabled              bool     `toml:"enabled"`
	Interval             duration `toml:"interval"`
	RetentionDays        int      `toml:"retention_days"`
	BatchLimit           int      `toml:"batch_limit"`
	MultipartThresholdMB int64    `toml:"multipart_threshold_mb"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds alert channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramEndpoint  string   `toml:"telegram_endpoint"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// PhaseOverride adjusts a built-in phase policy. Unset fields keep the
// built-in value.
type PhaseOverride struct {
	CapitalAllocPct    *float64  `toml:"capital_alloc_pct"`
	BaseTradePct       *float64  `toml:"base_trade_pct"`
	MinTradePct        *float64  `toml:"min_trade_pct"`
	MaxTradePct        *float64  `toml:"max_trade_pct"`
	MaxSlippagePct     *float64  `toml:"max_slippage_pct"`
	StopLossEnabled    *bool     `toml:"stop_loss_enabled"`
	StopLossPct        *float64  `toml:"stop_loss_pct"`
	MaxDrawdownPct     *float64  `toml:"max_drawdown_pct"`
	MaxTradesPerMinute *int      `toml:"max_trades_per_minute"`
	ForceBuy           *bool     `toml:"force_buy"`
	StrongMultiplier   *float64  `toml:"strong_multiplier"`
	DipBuyEnabled      *bool     `toml:"dip_buy_enabled"`
	DipBuyThresholdPct *float64  `toml:"dip_buy_threshold_pct"`
	DipBuyMultiplier   *float64  `toml:"dip_buy_multiplier"`
	CycleInterval      *duration `toml:"cycle_interval"`
}

func (o PhaseOverride) apply(p phase.Policy) phase.Policy {
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setB := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&p.CapitalAllocPct, o.CapitalAllocPct)
	setF(&p.BaseTradePct, o.BaseTradePct)
	setF(&p.MinTradePct, o.MinTradePct)
	setF(&p.MaxTradePct, o.MaxTradePct)
	setF(&p.MaxSlippagePct, o.MaxSlippagePct)
	setB(&p.StopLossEnabled, o.StopLossEnabled)
	setF(&p.StopLossPct, o.StopLossPct)
	setF(&p.MaxDrawdownPct, o.MaxDrawdownPct)
	setB(&p.ForceBuy, o.ForceBuy)
	setF(&p.StrongMultiplier, o.StrongMultiplier)
	setB(&p.DipBuyEnabled, o.DipBuyEnabled)
	setF(&p.DipBuyThresholdPct, o.DipBuyThresholdPct)
	setF(&p.DipBuyMultiplier, o.DipBuyMultiplier)
	if o.MaxTradesPerMinute != nil {
		p.MaxTradesPerMinute = *o.MaxTradesPerMinute
	}
	if o.CycleInterval != nil {
		p.CycleInterval = o.CycleInterval.Duration
	}
	return p
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	rules := risk.DefaultRules()
	sig := signal.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			InitialPhase:        string(phase.StealthAccumulation),
			MinConfidence:       0.6,
			SelectionStrategy:   string(domain.SelectHealthBased),
			MinActorBalance:     0.01,
			SubmitTimeout:       duration{2 * time.Minute},
			LockTTL:             duration{5 * time.Minute},
			BalanceRefreshEvery: 10,
		},
		Capital: CapitalConfig{
			BudgetUSD:    1000,
			PriceTTL:     duration{time.Minute},
			PaperBalance: 10,
		},
		Risk: RiskConfig{
			MaxActorExposure:     rules.MaxActorExposure,
			MaxAssetExposure:     rules.MaxAssetExposure,
			MaxTotalExposure:     rules.MaxTotalExposure,
			MaxDailyVolume:       rules.MaxDailyVolume,
			MaxTradesPerMinute:   rules.MaxTradesPerMinute,
			MinTradeSpacing:      duration{rules.MinTradeSpacing},
			MaxDrawdownPct:       rules.MaxDrawdownPct,
			MaxConsecutiveLosses: rules.MaxConsecutiveLosses,
			MaxSlippagePct:       rules.MaxSlippagePct,
			StopLossPct:          rules.StopLossPct,
			RapidChangePct:       rules.RapidChangePct,
			RapidChangeWindow:    duration{rules.RapidChangeWindow},
			MaxFailedTx:          rules.MaxFailedTx,
			BreakerCooldown:      duration{rules.BreakerCooldown},
		},
		Signal: SignalConfig{
			Lookback:             sig.Lookback,
			SidewaysPct:          sig.SidewaysPct,
			VolumeLookback:       sig.VolumeLookback,
			VolumeChangePct:      sig.VolumeChangePct,
			AccumulationRangePct: sig.AccumulationRangePct,
			DistributionRangePct: sig.DistributionRangePct,
			MomentumPct:          sig.MomentumPct,
			PriorTrendPct:        sig.PriorTrendPct,
			MinDataPoints:        sig.MinDataPoints,
			HistoryCap:           sig.HistoryCap,
		},
		Execution: ExecutionConfig{
			MaxAttempts:     3,
			InitialDelay:    duration{time.Second},
			MaxDelay:        duration{15 * time.Second},
			Multiplier:      2,
			CompletedCap:    1000,
			ConfirmTimeout:  duration{30 * time.Second},
			ConfirmInterval: duration{time.Second},
			BaseAsset:       "WETH",
			BaseDecimals:    18,
			AssetDecimals:   18,
		},
		Venue: VenueConfig{
			RequestsPerSec: 8,
			Burst:          3,
			Timeout:        duration{30 * time.Second},
			MaxRetries:     3,
		},
		Postgres: PostgresConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            5432,
			Database:        "curvebot",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    1,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "curvebot:",
			PriceTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:             duration{24 * time.Hour},
			RetentionDays:        30,
			BatchLimit:           10000,
			MultipartThresholdMB: 64,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"emergency_halt", "breaker_tripped", "order_filled", "order_failed", "stop_loss"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// RiskRules converts the risk section.
func (c *Config) RiskRules() risk.Rules {
	r := c.Risk
	return risk.Rules{
		MaxActorExposure:     r.MaxActorExposure,
		MaxAssetExposure:     r.MaxAssetExposure,
		MaxTotalExposure:     r.MaxTotalExposure,
		MaxDailyVolume:       r.MaxDailyVolume,
		MaxTradesPerMinute:   r.MaxTradesPerMinute,
		MinTradeSpacing:      r.MinTradeSpacing.Duration,
		MaxDrawdownPct:       r.MaxDrawdownPct,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		MaxSlippagePct:       r.MaxSlippagePct,
		StopLossPct:          r.StopLossPct,
		RapidChangePct:       r.RapidChangePct,
		RapidChangeWindow:    r.RapidChangeWindow.Duration,
		MaxFailedTx:          r.MaxFailedTx,
		BreakerCooldown:      r.BreakerCooldown.Duration,
	}
}

// SignalDetector converts the signal section.
func (c *Config) SignalDetector() signal.Config {
	s := c.Signal
	return signal.Config{
		Lookback:             s.Lookback,
		SidewaysPct:          s.SidewaysPct,
		VolumeLookback:       s.VolumeLookback,
		VolumeChangePct:      s.VolumeChangePct,
		AccumulationRangePct: s.AccumulationRangePct,
		DistributionRangePct: s.DistributionRangePct,
		MomentumPct:          s.MomentumPct,
		PriorTrendPct:        s.PriorTrendPct,
		MinDataPoints:        s.MinDataPoints,
		HistoryCap:           s.HistoryCap,
	}
}

// Policies returns the built-in phase table with the configured overrides
// applied.
func (c *Config) Policies() (map[phase.Name]phase.Policy, error) {
	policies := phase.Defaults()
	names := make([]string, 0, len(c.Phases))
	for name := range c.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := policies[phase.Name(name)]
		if !ok {
			return nil, fmt.Errorf("phases: %q: %w", name, domain.ErrUnknownPhase)
		}
		p = c.Phases[name].apply(p)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[p.Name] = p
	}
	return policies, nil
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSelection = map[domain.SelectionStrategy]bool{
	domain.SelectRoundRobin:  true,
	domain.SelectWeighted:    true,
	domain.SelectRandom:      true,
	domain.SelectHealthBased: true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		add("unknown mode %q (valid: trade, paper, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Engine
	if strings.TrimSpace(c.Engine.AssetID) == "" {
		add("engine: asset_id must not be empty")
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 1 {
		add("engine: min_confidence must be in [0, 1], got %g", c.Engine.MinConfidence)
	}
	if !validSelection[domain.SelectionStrategy(c.Engine.SelectionStrategy)] {
		add("engine: unknown selection_strategy %q", c.Engine.SelectionStrategy)
	}
	if c.Engine.SubmitTimeout.Duration <= 0 {
		add("engine: submit_timeout must be > 0")
	}

	// Capital
	if c.Capital.BudgetUSD <= 0 {
		add("capital: budget_usd must be > 0")
	}
	if mode == "paper" && c.Capital.PaperBalance <= 0 {
		add("capital: paper_balance must be > 0 in paper mode")
	}

	// Risk
	if err := c.RiskRules().Validate(); err != nil {
		add("%v", err)
	}

	// Phases
	if policies, err := c.Policies(); err != nil {
		add("%v", err)
	} else if _, ok := policies[phase.Name(c.Engine.InitialPhase)]; !ok {
		add("engine: unknown initial_phase %q", c.Engine.InitialPhase)
	}

	// Signal
	if c.Signal.MinDataPoints < 2 || c.Signal.Lookback < 2 {
		add("signal: lookback and min_data_points must be >= 2")
	}
	if c.Signal.HistoryCap < c.Signal.Lookback {
		add("signal: history_cap must be >= lookback")
	}

	// Execution
	if c.Execution.MaxAttempts < 1 {
		add("execution: max_attempts must be >= 1")
	}
	if c.Execution.Multiplier < 1 {
		add("execution: multiplier must be >= 1")
	}

	// Keystore
	switch mode {
	case "trade":
		if c.Keystore.Path == "" || c.Keystore.Passphrase == "" {
			add("keystore: path and passphrase are required for mode trade")
		}
		if len(c.Keystore.Actors) > 0 {
			add("keystore: actors without keys are not allowed in mode trade")
		}
	default:
		if c.Keystore.Path == "" && len(c.Keystore.Actors) == 0 {
			add("keystore: set path or actors")
		}
		if c.Keystore.Path != "" && c.Keystore.Passphrase == "" {
			add("keystore: passphrase is required when path is set")
		}
	}

	// Venue and chain
	if c.Venue.BaseURL == "" {
		add("venue: base_url must not be empty")
	}
	if c.Venue.RequestsPerSec <= 0 {
		add("venue: requests_per_sec must be > 0")
	}
	if (c.Venue.APIKey == "") != (c.Venue.APISecret == "") {
		add("venue: api_key and api_secret must be set together")
	}
	if mode == "trade" {
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url is required for mode trade")
		}
		if c.Chain.ChainID <= 0 {
			add("chain: chain_id must be positive")
		}
		if c.Execution.BaseAsset == "" {
			add("execution: base_asset is required for mode trade")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			add("archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			add("server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
