package kpi_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgeboard/kpi-engine/internal/kpi"
	"github.com/lodgeboard/kpi-engine/internal/kpi/memory"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/tenant"
)

type stubSource struct {
	mu       sync.Mutex
	bookings []kpi.Booking
	err      error
	calls    int
}

func (s *stubSource) record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) Bookings(context.Context, int64, period.Range, kpi.Exclusions) ([]kpi.Booking, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	return s.bookings, nil
}

func (s *stubSource) Cleanings(context.Context, int64, period.Range) ([]kpi.Cleaning, error) {
	return nil, s.record()
}

func (s *stubSource) RestaurantSales(context.Context, int64, period.Range) ([]kpi.RestaurantSale, error) {
	return nil, s.record()
}

func (s *stubSource) SuiteInventory(context.Context, int64) ([]kpi.SuiteCategory, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	return []kpi.SuiteCategory{{Name: "Luxo", Suites: 10}}, nil
}

var fixedNow = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

func booking(id int64, day int, price string) kpi.Booking {
	return kpi.Booking{
		ID:            id,
		SuiteCategory: "Luxo",
		Channel:       "Direct",
		DateService:   time.Date(2024, time.March, day, 12, 0, 0, 0, time.UTC),
		PriceRental:   decimal.NewNullDecimal(decimal.RequireFromString(price)),
	}
}

func newTestService(t *testing.T, src kpi.Source) (*kpi.Service, *memory.Store) {
	t.Helper()
	registry, err := tenant.NewRegistry(tenant.Tenant{ID: 1, Name: "Hotel Centro", Service: "hotel"})
	require.NoError(t, err)
	store := memory.NewStore()
	svc, err := kpi.NewService(kpi.Deps{
		Tenants:     registry,
		Sources:     map[int64]kpi.Source{1: src},
		Engine:      kpi.NewEngine(time.Second),
		Store:       store,
		Concurrency: 2,
		Now:         func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return svc, store
}

func TestComputeCachesAndPersists(t *testing.T) {
	src := &stubSource{bookings: []kpi.Booking{booking(1, 10, "100"), booking(2, 11, "200"), booking(3, 12, "300")}}
	svc, store := newTestService(t, src)
	q := kpi.Query{CompanyID: 1, Kind: kpi.KindTicketAverage, Period: period.Last7Days}

	res, err := svc.Compute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "200.00", res.Rows[0].Value.StringFixed(2))
	assert.Equal(t, int64(3), res.Rows[0].TotalCount)
	assert.Equal(t, time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC), res.Range.Start)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, 1, store.Len())

	_, err = svc.Compute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls())

	rows, err := svc.ListSnapshots(context.Background(), kpi.SnapshotFilter{CompanyID: 1, KPI: kpi.KindTicketAverage})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), rows[0].CreatedDate)
}

func TestComputeNoDataIsNotCachedOrStored(t *testing.T) {
	src := &stubSource{}
	svc, store := newTestService(t, src)
	q := kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, StartDate: "01/03/2024", EndDate: "07/03/2024", Period: period.Custom}

	_, err := svc.Compute(context.Background(), q)
	require.ErrorIs(t, err, kpi.ErrNoData)
	_, err = svc.Compute(context.Background(), q)
	require.ErrorIs(t, err, kpi.ErrNoData)
	assert.Equal(t, 2, src.Calls())
	assert.Zero(t, store.Len())
}

func TestComputeExplicitDatesKeepSymbolicSnapshot(t *testing.T) {
	src := &stubSource{bookings: []kpi.Booking{booking(1, 2, "800"), booking(2, 10, "100")}}
	svc, store := newTestService(t, src)
	ctx := context.Background()

	_, err := svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, Period: period.Last7Days})
	require.NoError(t, err)

	res, err := svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, Period: period.Last7Days, StartDate: "01/03/2024", EndDate: "07/03/2024"})
	require.NoError(t, err)
	assert.Equal(t, period.Custom, res.Range.Tag)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, period.Custom, res.Rows[0].Period)
	assert.Equal(t, 2, store.Len())

	rows, err := store.List(ctx, kpi.SnapshotFilter{CompanyID: 1, KPI: kpi.KindRevenue, Period: period.Last7Days})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "100.00", rows[0].Value.StringFixed(2))
	assert.Equal(t, time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC), rows[0].RangeStart)
}

func TestComputeRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, &stubSource{})
	ctx := context.Background()

	_, err := svc.Compute(ctx, kpi.Query{CompanyID: 99, Kind: kpi.KindRevenue, Period: period.Last7Days})
	require.ErrorIs(t, err, kpi.ErrUnknownTenant)

	_, err = svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: "adr", Period: period.Last7Days})
	require.ErrorIs(t, err, kpi.ErrUnknownKind)

	_, err = svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue})
	require.ErrorIs(t, err, period.ErrMissingPeriod)

	_, err = svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, StartDate: "2024-03-01", EndDate: "07/03/2024", Period: period.Custom})
	require.ErrorIs(t, err, period.ErrInvalidFormat)
	assert.True(t, kpi.IsInput(err))

	_, err = svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, StartDate: "07/03/2024", EndDate: "01/03/2024", Period: period.Custom})
	require.ErrorIs(t, err, period.ErrRangeInverted)

	_, err = svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindTrevPAR, Dimension: kpi.DimensionChannel, Period: period.Last7Days})
	require.ErrorIs(t, err, kpi.ErrUnknownDimension)
}

func TestRefreshComputesEveryKindAndWarmsCache(t *testing.T) {
	src := &stubSource{bookings: []kpi.Booking{booking(1, 10, "100"), booking(2, 11, "200")}}
	svc, store := newTestService(t, src)
	ctx := context.Background()

	report, err := svc.Refresh(ctx, 1, []period.Tag{period.Last7Days}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Computed)
	assert.Equal(t, 2, report.NoData)
	assert.Zero(t, report.Failed)
	stored := store.Len()
	assert.Positive(t, stored)

	calls := src.Calls()
	res, err := svc.Compute(ctx, kpi.Query{CompanyID: 1, Kind: kpi.KindRevenue, Period: period.Last7Days})
	require.NoError(t, err)
	assert.Equal(t, "300.00", res.Rows[len(res.Rows)-1].Value.StringFixed(2))
	assert.Equal(t, calls, src.Calls())

	_, err = svc.Refresh(ctx, 1, []period.Tag{period.Last7Days}, nil)
	require.NoError(t, err)
	assert.Equal(t, stored, store.Len())
}

func TestRefreshJoinsFailures(t *testing.T) {
	boom := errors.New("source offline")
	svc, store := newTestService(t, &stubSource{err: boom})

	report, err := svc.Refresh(context.Background(), 1, []period.Tag{period.LastMonth}, []kpi.Kind{kpi.KindRevenue, kpi.KindCleanings})
	require.Error(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.ErrorIs(t, err, boom)
	var cerr *kpi.ComputeError
	assert.ErrorAs(t, err, &cerr)
	assert.Zero(t, store.Len())
}

func TestFormatValue(t *testing.T) {
	hotel := tenant.Tenant{
		ID:            1,
		Currency:      "BRL",
		Locale:        "pt-BR",
		OutputFormats: map[string]string{"revenue": tenant.FormatCurrency},
	}
	v := decimal.RequireFromString("1234.5")

	assert.Equal(t, "1234.50", kpi.FormatValue(hotel, kpi.KindRevPAR, v))
	assert.Equal(t, "3", kpi.FormatValue(hotel, kpi.KindCleanings, decimal.NewFromInt(3)))

	assert.Equal(t, "R$ 1.234,50", kpi.FormatValue(hotel, kpi.KindRevenue, v))
	assert.Equal(t, "R$ -987,00", kpi.FormatValue(hotel, kpi.KindRevenue, decimal.NewFromInt(-987)))

	// Beyond float64 precision the digits still come out exact.
	big := decimal.RequireFromString("12345678901234567.89")
	assert.Equal(t, "R$ 12.345.678.901.234.567,89", kpi.FormatValue(hotel, kpi.KindRevenue, big))

	hotel.Locale = "en-US"
	assert.Equal(t, "R$ 1,234.50", kpi.FormatValue(hotel, kpi.KindRevenue, v))

	hotel.Currency = "???"
	assert.Equal(t, "1234.50", kpi.FormatValue(hotel, kpi.KindRevenue, v))
}
