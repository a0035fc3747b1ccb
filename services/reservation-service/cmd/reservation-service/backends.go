package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/slotkeeper/libs/config"
	"github.com/md-rashed-zaman/slotkeeper/libs/db"
	"github.com/md-rashed-zaman/slotkeeper/libs/runtime"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/bizconfig"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/inbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/outbox"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/storage/memory"
	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/storage/postgres"
)

// configBackend is both where documents are read and where the admin API writes them.
type configBackend interface {
	bizconfig.Source
	Put(ctx context.Context, doc bizconfig.Document) (bizconfig.Document, error)
}

type backends struct {
	store    reservation.Store
	pool     *db.Pool
	configs  configBackend
	source   bizconfig.Source
	cache    *bizconfig.Cached
	redis    *redis.Client
	recorder inbox.Recorder
	checks   []runtime.ReadyCheck
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBackends selects Postgres when DATABASE_URL is set and the in-memory store otherwise. The business
// configuration seed file is loaded into whichever config backend is in use.
func openBackends(ctx context.Context, logger *slog.Logger) (*backends, error) {
	seed, err := loadSeed(config.String("BUSINESS_CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}

	b := &backends{}
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		b.pool = pool
		if err := pool.Migrate(ctx, postgres.Migrations()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pg := bizconfig.NewPostgres(pool, outbox.NewRepository(pool))
		if err := seedPostgres(ctx, pg, seed, logger); err != nil {
			pool.Close()
			return nil, err
		}
		b.store = postgres.New(pool)
		b.configs = pg
		b.recorder = inbox.NewRepository(pool)
		b.checks = append(b.checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
		logger.Info("using postgres store")
	} else {
		b.store = memory.New()
		b.configs = seed
		b.recorder = inbox.NewMemory()
		logger.Warn("DATABASE_URL not set; using in-memory store")
	}
	b.source = b.configs

	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		b.redis = rdb
		b.cache = bizconfig.NewCached(b.configs, rdb, config.Duration("CONFIG_CACHE_TTL", 0), logger)
		b.source = b.cache
		b.checks = append(b.checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return b, nil
}

func loadSeed(path string) (*bizconfig.Static, error) {
	if path == "" {
		return bizconfig.NewStatic(), nil
	}
	static, err := bizconfig.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load business config: %w", err)
	}
	return static, nil
}

// seedPostgres stores seed documents for businesses that have no stored configuration yet.
func seedPostgres(ctx context.Context, pg *bizconfig.Postgres, seed *bizconfig.Static, logger *slog.Logger) error {
	ids, err := seed.Businesses(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := pg.Document(ctx, id); !errors.Is(err, model.ErrBusinessNotFound) {
			if err != nil {
				return fmt.Errorf("read config %s: %w", id, err)
			}
			continue
		}
		doc, err := seed.Document(ctx, id)
		if err != nil {
			return err
		}
		if _, err := pg.Put(ctx, doc); err != nil {
			return fmt.Errorf("seed config %s: %w", id, err)
		}
		logger.Info("business config seeded", "business_id", id)
	}
	return nil
}
