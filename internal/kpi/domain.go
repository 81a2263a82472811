package kpi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

// Kind identifies a KPI.
type Kind string

const (
	KindRevenue            Kind = "revenue"
	KindTicketAverage      Kind = "ticket_average"
	KindOccupancyRate      Kind = "occupancy_rate"
	KindRevPAR             Kind = "revpar"
	KindTrevPAR            Kind = "trevpar"
	KindCleanings          Kind = "cleanings"
	KindRepresentativeness Kind = "bookings_representativeness"
	KindRestaurantSales    Kind = "restaurant_sales"
)

// Kinds lists every KPI in refresh order.
func Kinds() []Kind {
	return []Kind{
		KindRevenue,
		KindTicketAverage,
		KindOccupancyRate,
		KindRevPAR,
		KindTrevPAR,
		KindCleanings,
		KindRepresentativeness,
		KindRestaurantSales,
	}
}

// ParseKind validates a raw KPI name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Monetary reports whether the KPI value is an amount of money.
func (k Kind) Monetary() bool {
	switch k {
	case KindRevenue, KindTicketAverage, KindRevPAR, KindTrevPAR, KindRestaurantSales:
		return true
	}
	return false
}

// Label is the name used in client facing error messages.
func (k Kind) Label() string {
	switch k {
	case KindRevenue:
		return "KpiRevenue"
	case KindTicketAverage:
		return "KpiTicketAverage"
	case KindOccupancyRate:
		return "KpiOccupancyRate"
	case KindRevPAR:
		return "KpiRevPar"
	case KindTrevPAR:
		return "KpiTrevPar"
	case KindCleanings:
		return "KpiCleanings"
	case KindRepresentativeness:
		return "KpiBookingsRepresentativeness"
	case KindRestaurantSales:
		return "KpiRestaurantSales"
	}
	return "Kpi"
}

// Dimension is a grouping axis.
type Dimension string

const (
	DimensionNone            Dimension = ""
	DimensionSuiteCategory   Dimension = "suite_category"
	DimensionChannel         Dimension = "channel"
	DimensionDay             Dimension = "day"
	DimensionProductCategory Dimension = "product_category"
)

// ParseDimension validates a raw dimension name. Empty input means no grouping.
func ParseDimension(raw string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case DimensionNone, DimensionSuiteCategory, DimensionChannel, DimensionDay, DimensionProductCategory:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDimension, raw)
}

// dimensionsFor lists the axes each KPI can be grouped by.
var dimensionsFor = map[Kind][]Dimension{
	KindRevenue:            {DimensionNone, DimensionSuiteCategory, DimensionChannel, DimensionDay},
	KindTicketAverage:      {DimensionNone, DimensionSuiteCategory, DimensionChannel, DimensionDay},
	KindOccupancyRate:      {DimensionNone, DimensionSuiteCategory, DimensionDay},
	KindRevPAR:             {DimensionNone, DimensionSuiteCategory, DimensionDay},
	KindTrevPAR:            {DimensionNone, DimensionDay},
	KindCleanings:          {DimensionNone, DimensionSuiteCategory, DimensionDay},
	KindRepresentativeness: {DimensionChannel, DimensionSuiteCategory},
	KindRestaurantSales:    {DimensionNone, DimensionProductCategory, DimensionDay},
}

// DefaultDimension returns the axis used when the caller supplies none.
func (k Kind) DefaultDimension() Dimension {
	return dimensionsFor[k][0]
}

// Supports reports whether the KPI can be grouped by d.
func (k Kind) Supports(d Dimension) bool {
	for _, allowed := range dimensionsFor[k] {
		if allowed == d {
			return true
		}
	}
	return false
}

// DimensionKey namespaces a partition value with its axis so values from
// different axes never share a natural key.
func DimensionKey(d Dimension, value string) string {
	if d == DimensionNone {
		return ""
	}
	return string(d) + ":" + value
}

// Booking is a raw reservation record.
type Booking struct {
	ID            int64
	SuiteCategory string
	Channel       string
	DateService   time.Time
	PriceRental   decimal.NullDecimal
	PriceTotal    decimal.NullDecimal
	Canceled      bool
}

// Cleaning is a raw housekeeping record.
type Cleaning struct {
	ID            int64
	SuiteCategory string
	DateService   time.Time
}

// RestaurantSale is a raw point-of-sale record.
type RestaurantSale struct {
	ID              int64
	ProductCategory string
	DateService     time.Time
	Amount          decimal.Decimal
}

// SuiteCategory is the number of rentable suites in a category.
type SuiteCategory struct {
	Name   string
	Suites int
}

// Exclusions are the tenant specific predicates applied to bookings.
type Exclusions struct {
	ExcludeCanceled    bool
	RequireRentalPrice bool
}

// Source reads operational records for a single tenant.
type Source interface {
	Bookings(ctx context.Context, companyID int64, rng period.Range, ex Exclusions) ([]Booking, error)
	Cleanings(ctx context.Context, companyID int64, rng period.Range) ([]Cleaning, error)
	RestaurantSales(ctx context.Context, companyID int64, rng period.Range) ([]RestaurantSale, error)
	SuiteInventory(ctx context.Context, companyID int64) ([]SuiteCategory, error)
}

// AggregateRow is a computed KPI snapshot.
type AggregateRow struct {
	ID            int64           `json:"id,omitempty"`
	CompanyID     int64           `json:"companyId"`
	KPI           Kind            `json:"kpi"`
	Period        period.Tag      `json:"period"`
	CreatedDate   time.Time       `json:"createdDate"`
	DimensionKey  string          `json:"dimensionKey"`
	Value         decimal.Decimal `json:"value"`
	Count         int64           `json:"count"`
	TotalAllValue decimal.Decimal `json:"totalAllValue"`
	TotalCount    int64           `json:"totalCount"`
	RangeStart    time.Time       `json:"rangeStart"`
	RangeEnd      time.Time       `json:"rangeEnd"`
	UpdatedAt     time.Time       `json:"updatedAt,omitempty"`
}

// NaturalKey uniquely identifies a snapshot.
type NaturalKey struct {
	CompanyID    int64
	KPI          Kind
	Period       period.Tag
	CreatedDate  time.Time
	DimensionKey string
}

// Key returns the row's natural key. CreatedDate is truncated to the date.
func (r AggregateRow) Key() NaturalKey {
	y, m, d := r.CreatedDate.Date()
	return NaturalKey{
		CompanyID:    r.CompanyID,
		KPI:          r.KPI,
		Period:       r.Period,
		CreatedDate:  time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		DimensionKey: r.DimensionKey,
	}
}

// Rollup reports whether the row is the tenant wide total.
func (r AggregateRow) Rollup() bool {
	return r.DimensionKey == ""
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", k.CompanyID, k.KPI, k.Period, k.CreatedDate.Format("2006-01-02"), k.DimensionKey)
}

// SnapshotFilter scopes a snapshot listing.
type SnapshotFilter struct {
	CompanyID int64
	KPI       Kind
	Period    period.Tag
	From      time.Time
	To        time.Time
	Limit     int
}

// Store persists snapshots keyed by their natural key.
type Store interface {
	Upsert(ctx context.Context, row AggregateRow) (AggregateRow, error)
	UpsertAll(ctx context.Context, rows []AggregateRow) ([]AggregateRow, error)
	List(ctx context.Context, filter SnapshotFilter) ([]AggregateRow, error)
}
