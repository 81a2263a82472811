package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lodgeboard/kpi-engine/internal/kpi"
	"github.com/lodgeboard/kpi-engine/internal/kpi/memory"
	"github.com/lodgeboard/kpi-engine/internal/kpicache"
	"github.com/lodgeboard/kpi-engine/internal/limiter"
	"github.com/lodgeboard/kpi-engine/internal/platform/db"
	"github.com/lodgeboard/kpi-engine/internal/tenant"
)

// Runtime holds the long lived KPI dependencies of a process.
type Runtime struct {
	Tenants *tenant.Registry
	Service *kpi.Service
	Cache   *kpicache.Cache[[]kpi.AggregateRow]
	Pools   *limiter.Pools

	closers []func()
}

// RuntimeOptions are the process specific inputs of BuildRuntime.
type RuntimeOptions struct {
	// Name is reported to Postgres as the application name.
	Name       string
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Redis enables the shared cache tier when non nil and
	// REDIS_CACHE_ENABLED is set.
	Redis *redis.Client
}

// BuildRuntime loads tenants, opens the reporting store and one read only
// pool per tenant source, and wires the KPI service. Close releases every
// pool it opened.
func BuildRuntime(ctx context.Context, cfg *Config, opts RuntimeOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tenants, err := tenant.Load(cfg.TenantsFile, cfg.TenantDefaults())
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Tenants: tenants, Pools: limiter.NewPools(cfg.KPIConcurrency)}
	store, err := rt.openStore(ctx, cfg, opts.Name)
	if err != nil {
		rt.Close()
		return nil, err
	}
	sources, err := rt.openSources(ctx, tenants, cfg.KPIConcurrency, opts.Name, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	cacheMetrics, err := kpicache.NewMetrics(opts.Registerer)
	if err != nil {
		rt.Close()
		return nil, err
	}
	var remote *kpicache.Remote
	if cfg.RedisCacheEnabled && opts.Redis != nil {
		remote = kpicache.NewRemote(opts.Redis)
	}
	rt.Cache, err = kpicache.New[[]kpi.AggregateRow](kpicache.Options{
		MaxEntries: cfg.CacheMaxEntries,
		Policy:     cfg.TTLPolicy(),
		Remote:     remote,
		Metrics:    cacheMetrics,
		Logger:     logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Service, err = kpi.NewService(kpi.Deps{
		Tenants:     tenants,
		Sources:     sources,
		Engine:      kpi.NewEngine(cfg.KPIFetchTimeout),
		Store:       store,
		Cache:       rt.Cache,
		Pools:       rt.Pools,
		Concurrency: cfg.KPIConcurrency,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	logger.Info("kpi runtime ready",
		slog.Int("tenants", len(tenants.All())),
		slog.Int("sources", len(sources)),
		slog.String("store", cfg.StoreDriver),
		slog.Bool("shared_cache", remote != nil))
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg *Config, name string) (kpi.Store, error) {
	if cfg.StoreDriver == StoreDriverMemory {
		return memory.NewStore(), nil
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: name})
	if err != nil {
		return nil, fmt.Errorf("open reporting store: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)
	return kpi.NewSnapshotRepository(pool), nil
}

func (rt *Runtime) openSources(ctx context.Context, tenants *tenant.Registry, defaultLimit int, name string, logger *slog.Logger) (map[int64]kpi.Source, error) {
	sources := make(map[int64]kpi.Source)
	pools := make(map[string]*pgxpool.Pool)
	for _, t := range tenants.All() {
		if t.SourceDSN == "" {
			logger.Warn("tenant has no source configured", slog.Int64("company_id", t.ID), slog.String("service", t.Service))
			continue
		}
		// Tenants sharing a database share a pool.
		pool, ok := pools[t.SourceDSN]
		if !ok {
			slots := t.Concurrency
			if slots <= 0 {
				slots = defaultLimit
			}
			var err error
			pool, err = db.New(ctx, t.SourceDSN, db.PoolOptions{
				MaxConns:        int32(max(slots, 1)*kpi.ParallelFetches + 1),
				ReadOnly:        true,
				ApplicationName: name,
			})
			if err != nil {
				return nil, fmt.Errorf("open source for %s: %w", t.Service, err)
			}
			pools[t.SourceDSN] = pool
			rt.closers = append(rt.closers, pool.Close)
		}
		sources[t.ID] = kpi.NewPostgresSource(pool)
	}
	return sources, nil
}

// Close releases the pools opened by BuildRuntime.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
	if rt.Cache != nil {
		rt.Cache.Purge()
	}
	if rt.Pools != nil {
		rt.Pools.Clear()
	}
}
