package kpi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

type fakeSource struct {
	bookings  []Booking
	cleanings []Cleaning
	sales     []RestaurantSale
	suites    []SuiteCategory
	err       error
	block     bool
	calls     atomic.Int32
}

func (f *fakeSource) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSource) Bookings(ctx context.Context, _ int64, _ period.Range, _ Exclusions) ([]Booking, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.bookings, nil
}

func (f *fakeSource) Cleanings(ctx context.Context, _ int64, _ period.Range) ([]Cleaning, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.cleanings, nil
}

func (f *fakeSource) RestaurantSales(ctx context.Context, _ int64, _ period.Range) ([]RestaurantSale, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.sales, nil
}

func (f *fakeSource) SuiteInventory(ctx context.Context, _ int64) ([]SuiteCategory, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.suites, nil
}

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func at(day, hour int) time.Time {
	return time.Date(2024, time.March, day, hour, 0, 0, 0, time.UTC)
}

func march(t *testing.T, from, to string) period.Range {
	t.Helper()
	rng, err := period.NewResolver(period.DefaultBoundary).ResolveDates(from, to)
	require.NoError(t, err)
	return rng
}

var testScope = Scope{CompanyID: 1, Boundary: period.DefaultBoundary}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestTicketAverageScenario(t *testing.T) {
	src := &fakeSource{bookings: []Booking{
		{ID: 1, Channel: "Direct", DateService: at(1, 12), PriceRental: money("100")},
		{ID: 2, Channel: "Direct", DateService: at(2, 12), PriceRental: money("200")},
		{ID: 3, Channel: "Booking", DateService: at(3, 12), PriceRental: money("300")},
	}}
	rng := march(t, "01/03/2024", "07/03/2024")

	rows, err := NewEngine(time.Second).Aggregate(context.Background(), src, testScope, KindTicketAverage, rng, DimensionNone)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	requireDecimal(t, "200.00", rows[0].Value)
	assert.Equal(t, "200.00", rows[0].Value.StringFixed(2))
	assert.Equal(t, int64(3), rows[0].TotalCount)
	assert.True(t, rows[0].Rollup())
	assert.Equal(t, KindTicketAverage, rows[0].KPI)
	assert.Equal(t, period.Custom, rows[0].Period)

	src.bookings = nil
	_, err = NewEngine(time.Second).Aggregate(context.Background(), src, testScope, KindTicketAverage, rng, DimensionNone)
	require.ErrorIs(t, err, ErrNoData)
}

func TestRatiosAreSafeOnZeroDenominator(t *testing.T) {
	requireDecimal(t, "0", ratio(dec("10"), decimal.Zero, 2))
	requireDecimal(t, "0", percent(dec("10"), decimal.Zero))
	requireDecimal(t, "3.33", ratio(dec("10"), dec("3"), 2))
	requireDecimal(t, "33.33", percent(dec("1"), dec("3")))

	src := &fakeSource{bookings: []Booking{
		{ID: 1, SuiteCategory: "Luxo", DateService: at(1, 12), PriceRental: money("100")},
	}}
	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindOccupancyRate, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "0", rows[0].Value)

	rows, err = NewEngine(0).Aggregate(context.Background(), src, testScope, KindRevPAR, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "0", rows[0].Value)
}

func TestRevenuePartitionedByChannel(t *testing.T) {
	src := &fakeSource{bookings: []Booking{
		{ID: 1, Channel: "Direct", DateService: at(1, 12), PriceRental: money("100.10")},
		{ID: 2, Channel: "Booking", DateService: at(2, 12), PriceRental: money("200.20")},
		{ID: 3, Channel: "Direct", DateService: at(3, 12), PriceRental: money("300.30")},
	}}
	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindRevenue, march(t, "01/03/2024", "07/03/2024"), DimensionChannel)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "channel:Booking", rows[0].DimensionKey)
	requireDecimal(t, "200.20", rows[0].Value)
	assert.Equal(t, int64(1), rows[0].Count)

	assert.Equal(t, "channel:Direct", rows[1].DimensionKey)
	requireDecimal(t, "400.40", rows[1].Value)
	assert.Equal(t, int64(2), rows[1].Count)

	assert.Equal(t, "", rows[2].DimensionKey)
	requireDecimal(t, "600.60", rows[2].Value)
	for _, row := range rows {
		requireDecimal(t, "600.60", row.TotalAllValue)
		assert.Equal(t, int64(3), row.TotalCount)
	}
}

func TestOccupancyBySuiteCategory(t *testing.T) {
	src := &fakeSource{
		suites: []SuiteCategory{{Name: "Luxo", Suites: 2}, {Name: "Standard", Suites: 3}},
		bookings: []Booking{
			{ID: 1, SuiteCategory: "Luxo", DateService: at(1, 20), PriceRental: money("500")},
			{ID: 2, SuiteCategory: "Luxo", DateService: at(2, 20), PriceRental: money("500")},
			{ID: 3, SuiteCategory: "Standard", DateService: at(1, 20), PriceRental: money("200")},
			{ID: 4, SuiteCategory: "Standard", DateService: at(2, 20), PriceRental: money("200")},
		},
	}
	rng := march(t, "01/03/2024", "02/03/2024")

	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindOccupancyRate, rng, DimensionSuiteCategory)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "suite_category:Luxo", rows[0].DimensionKey)
	requireDecimal(t, "50", rows[0].Value)
	assert.Equal(t, "suite_category:Standard", rows[1].DimensionKey)
	requireDecimal(t, "33.33", rows[1].Value)
	requireDecimal(t, "40", rows[2].Value)

	rows, err = NewEngine(0).Aggregate(context.Background(), src, testScope, KindRevPAR, rng, DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "140", rows[0].Value)
}

// meetingSource only answers Bookings and SuiteInventory once both calls are
// in flight.
type meetingSource struct {
	*fakeSource
	arrived sync.WaitGroup
}

func (m *meetingSource) meet(ctx context.Context) error {
	m.arrived.Done()
	met := make(chan struct{})
	go func() {
		m.arrived.Wait()
		close(met)
	}()
	select {
	case <-met:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *meetingSource) Bookings(ctx context.Context, id int64, rng period.Range, ex Exclusions) ([]Booking, error) {
	if err := m.meet(ctx); err != nil {
		return nil, err
	}
	return m.fakeSource.Bookings(ctx, id, rng, ex)
}

func (m *meetingSource) SuiteInventory(ctx context.Context, id int64) ([]SuiteCategory, error) {
	if err := m.meet(ctx); err != nil {
		return nil, err
	}
	return m.fakeSource.SuiteInventory(ctx, id)
}

func TestAggregateLoadsDatasetsConcurrently(t *testing.T) {
	src := &meetingSource{fakeSource: &fakeSource{
		suites:   []SuiteCategory{{Name: "Luxo", Suites: 2}},
		bookings: []Booking{{ID: 1, SuiteCategory: "Luxo", DateService: at(1, 20), PriceRental: money("300")}},
	}}
	src.arrived.Add(2)

	rows, err := NewEngine(time.Second).Aggregate(context.Background(), src, testScope, KindRevPAR, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "150", rows[0].Value)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestDayDimensionCoversEveryBusinessDay(t *testing.T) {
	src := &fakeSource{
		suites:   []SuiteCategory{{Name: "Luxo", Suites: 4}},
		bookings: []Booking{{ID: 1, DateService: at(2, 12), PriceRental: money("80")}},
	}
	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindOccupancyRate, march(t, "01/03/2024", "03/03/2024"), DimensionDay)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "day:2024-03-01", rows[0].DimensionKey)
	requireDecimal(t, "0", rows[0].Value)
	assert.Equal(t, "day:2024-03-02", rows[1].DimensionKey)
	requireDecimal(t, "25", rows[1].Value)
	assert.Equal(t, "day:2024-03-03", rows[2].DimensionKey)
	requireDecimal(t, "8.33", rows[3].Value)
}

func TestBusinessDayBoundaryAssignsEarlyHoursToPreviousDay(t *testing.T) {
	boundary := period.NewBoundary(6, time.UTC)
	rng, err := period.NewResolver(boundary).ResolveDates("01/03/2024", "02/03/2024")
	require.NoError(t, err)
	src := &fakeSource{bookings: []Booking{
		{ID: 1, DateService: at(2, 3), PriceRental: money("10")},
		{ID: 2, DateService: at(2, 7), PriceRental: money("20")},
		{ID: 3, DateService: at(3, 5), PriceRental: money("40")},
		{ID: 4, DateService: at(3, 6), PriceRental: money("80")},
	}}
	scope := Scope{CompanyID: 1, Boundary: boundary}

	rows, err := NewEngine(0).Aggregate(context.Background(), src, scope, KindRevenue, rng, DimensionDay)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "day:2024-03-01", rows[0].DimensionKey)
	requireDecimal(t, "10", rows[0].Value)
	assert.Equal(t, "day:2024-03-02", rows[1].DimensionKey)
	requireDecimal(t, "60", rows[1].Value)
	requireDecimal(t, "70", rows[2].Value)
}

func TestExclusionsAreApplied(t *testing.T) {
	src := &fakeSource{bookings: []Booking{
		{ID: 1, DateService: at(1, 12), PriceRental: money("100")},
		{ID: 2, DateService: at(1, 12), PriceRental: money("900"), Canceled: true},
		{ID: 3, DateService: at(1, 12)},
	}}
	rng := march(t, "01/03/2024", "01/03/2024")

	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindTicketAverage, rng, DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "333.33", rows[0].Value)

	scope := testScope
	scope.Exclusions = Exclusions{ExcludeCanceled: true, RequireRentalPrice: true}
	rows, err = NewEngine(0).Aggregate(context.Background(), src, scope, KindTicketAverage, rng, DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "100", rows[0].Value)
	assert.Equal(t, int64(1), rows[0].Count)
}

func TestRepresentativenessSharesPerChannel(t *testing.T) {
	src := &fakeSource{bookings: []Booking{
		{ID: 1, Channel: "Booking", DateService: at(1, 12), PriceRental: money("1")},
		{ID: 2, Channel: "Booking", DateService: at(1, 12), PriceRental: money("1")},
		{ID: 3, Channel: "Booking", DateService: at(1, 12), PriceRental: money("1")},
		{ID: 4, Channel: "Direct", DateService: at(1, 12), PriceRental: money("1")},
	}}
	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindRepresentativeness, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	requireDecimal(t, "75", rows[0].Value)
	requireDecimal(t, "25", rows[1].Value)
	requireDecimal(t, "100", rows[2].Value)
}

func TestTrevPARIncludesRestaurantSales(t *testing.T) {
	src := &fakeSource{
		suites: []SuiteCategory{{Name: "Luxo", Suites: 5}},
		bookings: []Booking{
			{ID: 1, DateService: at(1, 12), PriceRental: money("100"), PriceTotal: money("150")},
			{ID: 2, DateService: at(1, 12), PriceRental: money("200")},
		},
		sales: []RestaurantSale{{ID: 1, ProductCategory: "Bar", DateService: at(1, 22), Amount: dec("150")}},
	}
	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindTrevPAR, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "100", rows[0].Value)
}

func TestCleaningsAndRestaurantSales(t *testing.T) {
	src := &fakeSource{
		cleanings: []Cleaning{
			{ID: 1, SuiteCategory: "Luxo", DateService: at(1, 9)},
			{ID: 2, SuiteCategory: "Luxo", DateService: at(1, 10)},
			{ID: 3, SuiteCategory: "Luxo", DateService: at(9, 10)},
		},
		sales: []RestaurantSale{
			{ID: 1, ProductCategory: "Bar", DateService: at(1, 22), Amount: dec("12.50")},
			{ID: 2, ProductCategory: "Kitchen", DateService: at(1, 13), Amount: dec("40")},
		},
	}
	rng := march(t, "01/03/2024", "02/03/2024")

	rows, err := NewEngine(0).Aggregate(context.Background(), src, testScope, KindCleanings, rng, DimensionNone)
	require.NoError(t, err)
	requireDecimal(t, "2", rows[0].Value)

	rows, err = NewEngine(0).Aggregate(context.Background(), src, testScope, KindRestaurantSales, rng, DimensionProductCategory)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "product_category:Bar", rows[0].DimensionKey)
	requireDecimal(t, "52.50", rows[2].Value)
}

func TestAggregateRejectsUnsupportedDimension(t *testing.T) {
	_, err := NewEngine(0).Aggregate(context.Background(), &fakeSource{}, testScope, KindTrevPAR, march(t, "01/03/2024", "01/03/2024"), DimensionChannel)
	require.ErrorIs(t, err, ErrUnknownDimension)
	assert.True(t, IsInput(err))
}

func TestAggregateWrapsSourceFailures(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewEngine(0).Aggregate(context.Background(), &fakeSource{err: boom}, testScope, KindRevenue, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	var cerr *ComputeError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int64(1), cerr.CompanyID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsInput(err))

	_, err = NewEngine(0).Aggregate(context.Background(), nil, testScope, KindRevenue, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.ErrorAs(t, err, &cerr)
}

func TestAggregateFetchTimeout(t *testing.T) {
	_, err := NewEngine(20*time.Millisecond).Aggregate(context.Background(), &fakeSource{block: true}, testScope, KindRevenue, march(t, "01/03/2024", "01/03/2024"), DimensionNone)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
