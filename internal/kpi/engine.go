package kpi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lodgeboard/kpi-engine/internal/limiter"
	"github.com/lodgeboard/kpi-engine/internal/period"
)

// ParallelFetches bounds how many source queries one aggregation issues at
// once. Source pools need this many connections per computation slot.
const ParallelFetches = 2

// Scope carries the tenant settings the engine needs.
type Scope struct {
	CompanyID  int64
	Boundary   period.Boundary
	Exclusions Exclusions
}

// Engine computes KPI rows from raw records. It never persists anything.
type Engine struct {
	fetchTimeout time.Duration
}

// NewEngine builds an engine whose source reads are bounded by fetchTimeout.
// A zero timeout leaves reads bounded only by the caller's context.
func NewEngine(fetchTimeout time.Duration) *Engine {
	return &Engine{fetchTimeout: fetchTimeout}
}

// dataset holds everything a KPI needs from the source.
type dataset struct {
	bookings  []Booking
	cleanings []Cleaning
	sales     []RestaurantSale
	inventory map[string]int
}

// Aggregate computes the rows for kind over rng, partitioned by dim. An empty
// dimension falls back to the KPI default. Rows come back ordered by
// dimension key with the roll-up row last.
func (e *Engine) Aggregate(ctx context.Context, src Source, scope Scope, kind Kind, rng period.Range, dim Dimension) ([]AggregateRow, error) {
	if dim == DimensionNone {
		dim = kind.DefaultDimension()
	}
	if !kind.Supports(dim) {
		return nil, fmt.Errorf("%w: %s cannot be grouped by %s", ErrUnknownDimension, kind, dim)
	}
	if src == nil {
		return nil, &ComputeError{CompanyID: scope.CompanyID, KPI: kind, Range: rng, Err: errors.New("source not configured")}
	}

	ds, err := e.load(ctx, src, scope, kind, rng)
	if err != nil {
		return nil, &ComputeError{CompanyID: scope.CompanyID, KPI: kind, Range: rng, Err: err}
	}

	facts := collectFacts(kind, ds, scope, rng)
	if len(facts) == 0 {
		return nil, fmt.Errorf("%w: %s for company %d over %s", ErrNoData, kind, scope.CompanyID, rng.Token())
	}

	rows := compute(kind, dim, facts, ds.inventory, rng, scope.Boundary)
	for i := range rows {
		rows[i].CompanyID = scope.CompanyID
		rows[i].KPI = kind
		rows[i].Period = rng.Tag
		rows[i].RangeStart = rng.Start
		rows[i].RangeEnd = rng.End
	}
	return rows, nil
}

func (e *Engine) load(ctx context.Context, src Source, scope Scope, kind Kind, rng period.Range) (dataset, error) {
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}

	var (
		ds    dataset
		fetch []limiter.Task[struct{}]
	)
	needs := requirements(kind)
	if needs.bookings {
		fetch = append(fetch, func(ctx context.Context) (struct{}, error) {
			var err error
			if ds.bookings, err = src.Bookings(ctx, scope.CompanyID, rng, scope.Exclusions); err != nil {
				return struct{}{}, fmt.Errorf("load bookings: %w", err)
			}
			return struct{}{}, nil
		})
	}
	if needs.cleanings {
		fetch = append(fetch, func(ctx context.Context) (struct{}, error) {
			var err error
			if ds.cleanings, err = src.Cleanings(ctx, scope.CompanyID, rng); err != nil {
				return struct{}{}, fmt.Errorf("load cleanings: %w", err)
			}
			return struct{}{}, nil
		})
	}
	if needs.sales {
		fetch = append(fetch, func(ctx context.Context) (struct{}, error) {
			var err error
			if ds.sales, err = src.RestaurantSales(ctx, scope.CompanyID, rng); err != nil {
				return struct{}{}, fmt.Errorf("load restaurant sales: %w", err)
			}
			return struct{}{}, nil
		})
	}
	if needs.inventory {
		fetch = append(fetch, func(ctx context.Context) (struct{}, error) {
			categories, err := src.SuiteInventory(ctx, scope.CompanyID)
			if err != nil {
				return struct{}{}, fmt.Errorf("load suite inventory: %w", err)
			}
			ds.inventory = make(map[string]int, len(categories))
			for _, c := range categories {
				ds.inventory[c.Name] += c.Suites
			}
			return struct{}{}, nil
		})
	}
	// Each fetch writes its own field of ds.
	if _, err := limiter.Run(ctx, ParallelFetches, fetch); err != nil {
		return ds, err
	}
	return ds, nil
}

type needs struct {
	bookings, cleanings, sales, inventory bool
}

func requirements(kind Kind) needs {
	switch kind {
	case KindRevenue, KindTicketAverage, KindRepresentativeness:
		return needs{bookings: true}
	case KindOccupancyRate, KindRevPAR:
		return needs{bookings: true, inventory: true}
	case KindTrevPAR:
		return needs{bookings: true, sales: true, inventory: true}
	case KindCleanings:
		return needs{cleanings: true}
	case KindRestaurantSales:
		return needs{sales: true}
	}
	return needs{}
}

// fact is a normalised record: one row of raw data with its partition keys.
type fact struct {
	day             time.Time
	suiteCategory   string
	channel         string
	productCategory string
	amount          decimal.Decimal
}

func (f fact) key(dim Dimension) string {
	switch dim {
	case DimensionSuiteCategory:
		return f.suiteCategory
	case DimensionChannel:
		return f.channel
	case DimensionProductCategory:
		return f.productCategory
	case DimensionDay:
		return f.day.Format(dayLayout)
	}
	return ""
}

const dayLayout = "2006-01-02"

// qualifies re-applies the range and exclusion predicates so every Source
// implementation yields the same figures.
func qualifies(b Booking, ex Exclusions, rng period.Range) bool {
	if !rng.Contains(b.DateService) {
		return false
	}
	if ex.ExcludeCanceled && b.Canceled {
		return false
	}
	if ex.RequireRentalPrice && !b.PriceRental.Valid {
		return false
	}
	return true
}

func collectFacts(kind Kind, ds dataset, scope Scope, rng period.Range) []fact {
	facts := make([]fact, 0, len(ds.bookings)+len(ds.cleanings)+len(ds.sales))
	for _, b := range ds.bookings {
		if !qualifies(b, scope.Exclusions, rng) {
			continue
		}
		amount := b.PriceRental.Decimal
		if kind == KindTrevPAR && b.PriceTotal.Valid {
			amount = b.PriceTotal.Decimal
		}
		facts = append(facts, fact{
			day:           scope.Boundary.Day(b.DateService),
			suiteCategory: b.SuiteCategory,
			channel:       b.Channel,
			amount:        amount,
		})
	}
	for _, c := range ds.cleanings {
		if !rng.Contains(c.DateService) {
			continue
		}
		facts = append(facts, fact{
			day:           scope.Boundary.Day(c.DateService),
			suiteCategory: c.SuiteCategory,
		})
	}
	for _, s := range ds.sales {
		if !rng.Contains(s.DateService) {
			continue
		}
		facts = append(facts, fact{
			day:             scope.Boundary.Day(s.DateService),
			productCategory: s.ProductCategory,
			amount:          s.Amount,
		})
	}
	return facts
}
