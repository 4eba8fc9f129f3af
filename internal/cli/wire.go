package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"idemgate/internal/adapters/email"
	"idemgate/internal/adapters/http/perf"
	"idemgate/internal/adapters/notify"
	"idemgate/internal/adapters/storage"
	store "idemgate/internal/adapters/storage/idempotency"
	"idemgate/internal/application/orchestrators"
	"idemgate/internal/config"
)

// components is everything a command needs, built from one config.
type components struct {
	cfg       *config.Config
	store     store.Store
	collector *perf.Collector
	notifier  orchestrators.Notifier
	alerter   orchestrators.StallAlerter
	limiter   *rate.Limiter
}

// build opens the store (migrating it) and assembles the optional adapters.
// PRE: cfg has been validated
// POST: Returns components whose Close releases the store
func build(ctx context.Context, cfg *config.Config, version string) (*components, error) {
	collector := perf.NewCollector(perf.DefaultRingSize)
	st, err := openStore(ctx, cfg, collector)
	if err != nil {
		return nil, err
	}

	c := &components{cfg: cfg, store: st, collector: collector}

	if cfg.Recovery.CallbackURL != "" {
		hook, err := notify.NewWebhook(cfg.Recovery.CallbackURL,
			notify.WithTimeout(cfg.Recovery.CallbackTimeout),
			notify.WithVersion(version),
			notify.WithCollector(collector),
		)
		if err != nil {
			st.Close()
			return nil, err
		}
		c.notifier = hook
	}
	if cfg.Recovery.NotifyRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Recovery.NotifyRPS), 1)
	}
	c.alerter = newAlerter(cfg.Alerts)
	return c, nil
}

func (c *components) engineDeps() orchestrators.EngineDeps {
	return orchestrators.EngineDeps{Store: c.store, Alerter: c.alerter}
}

func (c *components) recoveryDeps() orchestrators.RecoveryDeps {
	return orchestrators.RecoveryDeps{
		Store:     c.store,
		Notifier:  c.notifier,
		BatchSize: c.cfg.Recovery.BatchSize,
		Limiter:   c.limiter,
	}
}

// Close releases the store.
func (c *components) Close() error {
	return c.store.Close()
}

// openStore connects the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config, collector *perf.Collector) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		slog.Warn("memory_store_selected", "detail", "records are lost on restart")
		return store.NewMemoryStore(), nil

	case config.StoreSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, storage.SQLiteOptions{})
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(storage.NewTimedDB(db, collector, cfg.SlowQuery)), nil

	case config.StorePostgres:
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:      cfg.PostgresDSN(),
			Schema:   cfg.Postgres.Schema,
			MinConns: int32(cfg.Postgres.PoolMin),
			MaxConns: int32(cfg.Postgres.PoolMax),
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse IDEMGATE_REDIS_URL: %w", err)
		}
		rs := store.NewRedisStore(redis.NewClient(opts), cfg.Redis.Prefix)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return rs, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// newAlerter returns nil when no recipients are configured. Without a Resend
// key alerts go to the logging sender.
func newAlerter(ac config.AlertConfig) orchestrators.StallAlerter {
	if len(ac.To) == 0 {
		return nil
	}
	from := ac.From
	if from == "" {
		from = "idemgate@localhost"
	}
	var sender email.Sender = email.NewNoopSender()
	if ac.ResendKey != "" {
		sender = email.NewResendSender(ac.ResendKey, from)
	}
	return &orchestrators.EmailStallAlerter{Sender: sender, From: from, To: ac.To}
}

// closeQuietly logs a Close failure on deferred shutdown paths.
func closeQuietly(c *components) {
	if err := c.Close(); err != nil {
		slog.Error("store_close_failed", "error", err)
	}
}
