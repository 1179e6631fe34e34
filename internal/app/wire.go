package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/curvebot/internal/blob/s3"
	"github.com/alanyoungcy/curvebot/internal/cache/redis"
	"github.com/alanyoungcy/curvebot/internal/capital"
	"github.com/alanyoungcy/curvebot/internal/config"
	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/distribution"
	"github.com/alanyoungcy/curvebot/internal/domain"
	"github.com/alanyoungcy/curvebot/internal/execution"
	"github.com/alanyoungcy/curvebot/internal/metrics"
	"github.com/alanyoungcy/curvebot/internal/notify"
	"github.com/alanyoungcy/curvebot/internal/phase"
	"github.com/alanyoungcy/curvebot/internal/platform/aggregator"
	"github.com/alanyoungcy/curvebot/internal/platform/evm"
	"github.com/alanyoungcy/curvebot/internal/risk"
	"github.com/alanyoungcy/curvebot/internal/service"
	"github.com/alanyoungcy/curvebot/internal/signal"
	"github.com/alanyoungcy/curvebot/internal/sizing"
	"github.com/alanyoungcy/curvebot/internal/store/postgres"
	"github.com/alanyoungcy/curvebot/internal/wallet"
)

// Dependencies bundles every component the modes drive. It is constructed by
// Wire and torn down by the returned cleanup function. Store, cache and blob
// fields are nil when their backend is disabled.
type Dependencies struct {
	// Stores
	Postgres      *postgres.Client
	OrderStore    domain.OrderStore
	PositionStore domain.PositionStore
	TxStore       domain.TransactionStore
	AuditStore    domain.AuditStore
	PriceHistory  domain.PriceHistoryStore
	Snapshots     domain.ActorSnapshotStore

	// Caches
	Redis       *redis.Client
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	// External venues. Chain is nil unless an RPC URL is configured.
	Venue  *aggregator.Client
	Chain  *evm.Chain
	Signer *crypto.TxSigner

	// Actors
	Keystore *wallet.Keystore
	Pool     *wallet.Pool

	// Services
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Events    *service.Events
	Orders    *service.OrderService
	Positions *service.PositionService
	Prices    *service.PriceService
	Risk      *service.RiskService

	// Trading components
	Ledger       *capital.Ledger
	Policies     *phase.Book
	Detector     *signal.Detector
	Sizer        *sizing.Sizer
	Gate         *risk.Gate
	Execution    *execution.Engine
	Distribution *distribution.Scheduler
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.TxStore = postgres.NewTransactionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.PriceHistory = postgres.NewPriceHistoryStore(pool)
		deps.Snapshots = postgres.NewActorSnapshotStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.OrderStore,
			deps.TxStore,
			deps.AuditStore,
			s3blob.ArchiveConfig{
				Retention:          daysToDuration(cfg.Archive.RetentionDays),
				BatchLimit:         cfg.Archive.BatchLimit,
				MultipartThreshold: cfg.Archive.MultipartThresholdMB << 20,
			},
			logger,
		)
	}

	// --- Venue and chain ---
	var auth *crypto.HMACAuth
	if cfg.Venue.APIKey != "" {
		auth = &crypto.HMACAuth{Key: cfg.Venue.APIKey, Secret: cfg.Venue.APISecret}
	}
	deps.Venue = aggregator.New(aggregator.Options{
		BaseURL:        cfg.Venue.BaseURL,
		Auth:           auth,
		Timeout:        cfg.Venue.Timeout.Duration,
		RequestsPerSec: cfg.Venue.RequestsPerSec,
		Burst:          cfg.Venue.Burst,
		MaxRetries:     cfg.Venue.MaxRetries,
		PriorityFee:    cfg.Venue.PriorityFee,
	}, logger)

	if cfg.Chain.RPCURL != "" {
		chain, err := evm.Dial(ctx, cfg.Chain.RPCURL, logger)
		if err != nil {
			return fail("chain", err)
		}
		closers = append(closers, chain.Close)
		deps.Chain = chain
		deps.Signer = crypto.NewTxSigner(cfg.Chain.ChainID)
	}

	// --- Actors ---
	var secrets wallet.SecretSource
	if cfg.Keystore.Path != "" {
		ks, err := wallet.OpenKeystore(cfg.Keystore.Path, cfg.Keystore.Passphrase, logger)
		if err != nil {
			return fail("keystore", err)
		}
		deps.Keystore = ks
		secrets = ks
	}
	deps.Pool = wallet.NewPool(secrets, wallet.PoolConfig{}, logger)
	if err := registerActors(deps.Pool, deps.Keystore, cfg.Keystore); err != nil {
		return fail("actors", err)
	}

	// --- Notifications and services ---
	deps.Notifier = buildNotifier(cfg.Notify, logger)
	deps.Events = service.NewEvents(deps.SignalBus, deps.AuditStore, deps.Notifier, logger)
	closers = append(closers, deps.Events.Close)
	deps.Orders = service.NewOrderService(deps.OrderStore, deps.TxStore, deps.Events, logger)
	deps.Positions = service.NewPositionService(deps.PositionStore, deps.Events, logger)
	deps.Prices = service.NewPriceService(deps.PriceCache, deps.PriceHistory, logger)

	// --- Trading components ---
	ledger, err := capital.NewLedger(capital.Config{
		BudgetUSD: cfg.Capital.BudgetUSD,
		AssetID:   cfg.Execution.BaseAsset,
		PriceTTL:  cfg.Capital.PriceTTL.Duration,
	}, deps.Venue, logger)
	if err != nil {
		return fail("ledger", err)
	}
	deps.Ledger = ledger

	policies, err := cfg.Policies()
	if err != nil {
		return fail("phases", err)
	}
	deps.Policies, err = phase.NewBook(policies, phase.Name(cfg.Engine.InitialPhase))
	if err != nil {
		return fail("phases", err)
	}

	deps.Detector = signal.NewDetector(cfg.SignalDetector(), logger)
	deps.Sizer = sizing.NewSizer(ledger)
	deps.Gate = risk.NewGate(risk.Config{Rules: cfg.RiskRules()}, logger)
	deps.Risk = service.NewRiskService(deps.Gate, deps.Events, logger)

	retry := execution.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Execution.MaxAttempts
	retry.InitialDelay = cfg.Execution.InitialDelay.Duration
	retry.MaxDelay = cfg.Execution.MaxDelay.Duration
	retry.Multiplier = cfg.Execution.Multiplier
	deps.Execution = execution.NewEngine(execution.Config{
		Retry:        retry,
		CompletedCap: cfg.Execution.CompletedCap,
	}, logger)
	deps.Distribution = distribution.NewScheduler(nil, logger)

	return deps, cleanup, nil
}

// registerActors adds every keystore address, then the key-less addresses
// from the config, and finally narrows the active set.
func registerActors(pool *wallet.Pool, ks *wallet.Keystore, cfg config.KeystoreConfig) error {
	if ks != nil {
		for _, info := range ks.List() {
			if err := pool.Register(info.Address, domain.RoleTrading, info.Label); err != nil {
				return err
			}
		}
	}
	for i, addr := range cfg.Actors {
		if err := pool.Register(addr, domain.RoleTrading, fmt.Sprintf("actor-%d", i+1)); err != nil {
			return err
		}
	}
	if len(pool.List()) == 0 {
		return fmt.Errorf("no actors configured: %w", domain.ErrNoActor)
	}
	if len(cfg.Active) > 0 {
		return pool.SetActive(cfg.Active)
	}
	return nil
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.TelegramToken,
			cfg.TelegramChatID,
			cfg.TelegramEndpoint,
			nil,
		))
	}
	if strings.TrimSpace(cfg.DiscordWebhookURL) != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL, nil))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
