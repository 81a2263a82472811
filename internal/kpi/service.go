package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lodgeboard/kpi-engine/internal/kpicache"
	"github.com/lodgeboard/kpi-engine/internal/limiter"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/tenant"
)

// Query is a request for one KPI.
type Query struct {
	CompanyID int64
	Kind      Kind
	Dimension Dimension
	StartDate string
	EndDate   string
	Period    period.Tag
}

// Result is a computed KPI with the range it covers.
type Result struct {
	Tenant tenant.Tenant
	Range  period.Range
	Rows   []AggregateRow
}

// RefreshReport summarises a tenant refresh.
type RefreshReport struct {
	CompanyID int64
	Computed  int
	NoData    int
	Failed    int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Tenants *tenant.Registry
	Sources map[int64]Source
	Engine  *Engine
	Store   Store
	Cache   *kpicache.Cache[[]AggregateRow]
	Pools   *limiter.Pools
	// Concurrency is the default source pool limit when Pools is nil.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

const defaultConcurrency = 4

// Service computes, caches and persists KPIs for every configured tenant.
type Service struct {
	tenants *tenant.Registry
	sources map[int64]Source
	engine  *Engine
	store   Store
	cache   *kpicache.Cache[[]AggregateRow]
	pools   *limiter.Pools
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires a service. Tenants with an explicit concurrency get a
// dedicated limit on their source pool.
func NewService(deps Deps) (*Service, error) {
	if deps.Tenants == nil {
		return nil, errors.New("kpi: tenant registry required")
	}
	if deps.Store == nil {
		return nil, errors.New("kpi: snapshot store required")
	}
	svc := &Service{
		tenants: deps.Tenants,
		sources: deps.Sources,
		engine:  deps.Engine,
		store:   deps.Store,
		cache:   deps.Cache,
		pools:   deps.Pools,
		logger:  deps.Logger,
		now:     deps.Now,
	}
	if svc.engine == nil {
		svc.engine = NewEngine(0)
	}
	if svc.cache == nil {
		c, err := kpicache.New[[]AggregateRow](kpicache.Options{})
		if err != nil {
			return nil, err
		}
		svc.cache = c
	}
	if svc.pools == nil {
		concurrency := deps.Concurrency
		if concurrency <= 0 {
			concurrency = defaultConcurrency
		}
		svc.pools = limiter.NewPools(concurrency)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	for _, t := range deps.Tenants.All() {
		if t.Concurrency > 0 {
			svc.pools.SetLimit(t.PoolName(), t.Concurrency)
		}
	}
	return svc, nil
}

// Tenant returns the configuration of a company.
func (s *Service) Tenant(companyID int64) (tenant.Tenant, error) {
	t, ok := s.tenants.Get(companyID)
	if !ok {
		return tenant.Tenant{}, fmt.Errorf("%w: %d", ErrUnknownTenant, companyID)
	}
	return t, nil
}

// Compute resolves the query range and returns the KPI rows, from cache when
// possible. Fresh results are persisted before they are returned.
func (s *Service) Compute(ctx context.Context, q Query) (Result, error) {
	t, err := s.Tenant(q.CompanyID)
	if err != nil {
		return Result{}, err
	}
	kind, err := ParseKind(string(q.Kind))
	if err != nil {
		return Result{}, err
	}
	dim := q.Dimension
	if dim == DimensionNone {
		dim = kind.DefaultDimension()
	}
	if !kind.Supports(dim) {
		return Result{}, fmt.Errorf("%w: %s cannot be grouped by %s", ErrUnknownDimension, kind, dim)
	}

	resolver := period.Resolver{Boundary: t.Boundary(), Now: s.now}
	rng, err := resolver.Resolve(q.StartDate, q.EndDate, q.Period)
	if err != nil {
		return Result{}, err
	}

	rows, err := s.cache.GetOrCompute(ctx, cacheKey(t, kind, dim, rng), func(ctx context.Context) ([]AggregateRow, error) {
		var rows []AggregateRow
		err := s.pools.Pool(t.PoolName()).Do(ctx, func(ctx context.Context) error {
			var err error
			rows, err = s.computeAndStore(ctx, t, kind, rng, dim)
			return err
		})
		return rows, err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Tenant: t, Range: rng, Rows: rows}, nil
}

func cacheKey(t tenant.Tenant, kind Kind, dim Dimension, rng period.Range) kpicache.Key {
	return kpicache.Key{
		Service:   t.Service,
		CompanyID: t.ID,
		KPI:       string(kind),
		Dimension: string(dim),
		Period:    rng.Tag,
		Start:     rng.Start,
		End:       rng.End,
	}
}

func scopeOf(t tenant.Tenant) Scope {
	return Scope{
		CompanyID: t.ID,
		Boundary:  t.Boundary(),
		Exclusions: Exclusions{
			ExcludeCanceled:    t.ExcludeCanceled,
			RequireRentalPrice: t.RequireRentalPrice,
		},
	}
}

// computeAndStore aggregates and upserts the rows. Callers hold a slot of the
// tenant's source pool. The created date is the business day of the
// computation, so a rerun on the same day replaces the earlier snapshot.
func (s *Service) computeAndStore(ctx context.Context, t tenant.Tenant, kind Kind, rng period.Range, dim Dimension) ([]AggregateRow, error) {
	rows, err := s.engine.Aggregate(ctx, s.sources[t.ID], scopeOf(t), kind, rng, dim)
	if err != nil {
		return nil, err
	}

	created := t.Boundary().Day(s.now())
	for i := range rows {
		rows[i].CreatedDate = created
	}
	saved, err := s.store.UpsertAll(ctx, rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("kpi computed",
		slog.Int64("company_id", t.ID),
		slog.String("kpi", string(kind)),
		slog.String("period", string(rng.Tag)),
		slog.Int("rows", len(saved)))
	return saved, nil
}

// Refresh recomputes every (tag, kind) pair of a tenant, replacing cached
// entries and persisted snapshots. Nil tags mean every symbolic tag and nil
// kinds every KPI. Pairs without data are counted but are not failures; the
// returned error joins every real failure.
func (s *Service) Refresh(ctx context.Context, companyID int64, tags []period.Tag, kinds []Kind) (RefreshReport, error) {
	report := RefreshReport{CompanyID: companyID}
	t, err := s.Tenant(companyID)
	if err != nil {
		return report, err
	}
	if len(tags) == 0 {
		tags = period.Symbolic()
	}
	if len(kinds) == 0 {
		kinds = Kinds()
	}

	if _, err := s.cache.InvalidateTenant(ctx, t.Service, t.ID); err != nil {
		s.logger.Warn("kpi cache invalidation failed", slog.Int64("company_id", t.ID), slog.Any("error", err))
	}

	resolver := period.Resolver{Boundary: t.Boundary(), Now: s.now}
	var tasks []limiter.Task[int]
	for _, tag := range tags {
		rng, err := resolver.ForTag(tag)
		if err != nil {
			return report, err
		}
		for _, kind := range kinds {
			dim := kind.DefaultDimension()
			tasks = append(tasks, func(ctx context.Context) (int, error) {
				rows, err := s.computeAndStore(ctx, t, kind, rng, dim)
				if err != nil {
					return 0, err
				}
				s.cache.Set(ctx, cacheKey(t, kind, dim, rng), rows)
				return len(rows), nil
			})
		}
	}

	var errs []error
	for _, res := range limiter.RunPool(ctx, s.pools.Pool(t.PoolName()), tasks) {
		switch {
		case res.Err == nil:
			report.Computed++
		case errors.Is(res.Err, ErrNoData):
			report.NoData++
		default:
			report.Failed++
			errs = append(errs, res.Err)
		}
	}
	s.logger.Info("kpi refresh finished",
		slog.Int64("company_id", t.ID),
		slog.Int("computed", report.Computed),
		slog.Int("no_data", report.NoData),
		slog.Int("failed", report.Failed))
	return report, errors.Join(errs...)
}

// ListSnapshots returns persisted snapshots for a company.
func (s *Service) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]AggregateRow, error) {
	if _, err := s.Tenant(filter.CompanyID); err != nil {
		return nil, err
	}
	if filter.KPI != "" {
		if _, err := ParseKind(string(filter.KPI)); err != nil {
			return nil, err
		}
	}
	if filter.Period != "" && !filter.Period.Valid() {
		return nil, fmt.Errorf("%w: %s", period.ErrUnknownPeriod, filter.Period)
	}
	return s.store.List(ctx, filter)
}

// Tenants returns every configured tenant.
func (s *Service) Tenants() []tenant.Tenant {
	return s.tenants.All()
}
